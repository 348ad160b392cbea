// Package relay implements the realtime match-session relay: it joins or creates
// a match, tracks remote peer presence, and buffers inbound match state and
// presence changes for a consumer that can only poll.
package relay

import "time"

// OpCodeSignal is reserved for application-defined out-of-band signaling.
// The relay queues it like any other opcode.
const OpCodeSignal int64 = 101

// Credentials identify a user to the session provider.
type Credentials struct {
	// Email is the account identity.
	Email string
	// Password is the account secret.
	Password string
	// Create registers the account when it does not exist yet.
	Create bool
	// Username is the display name used when Create registers a new account.
	Username string
}

// Session is an authenticated credential issued by the session provider.
type Session struct {
	// Token is the opaque bearer token presented to the backend.
	Token string
	// UserID is the account identifier.
	UserID string
	// Username is the account display name.
	Username string
	// Created reports whether authentication registered a new account.
	Created bool
	// ExpiresAt is when the token stops being accepted.
	ExpiresAt time.Time
}

// Presence is one peer's membership in a match.
type Presence struct {
	UserID    string
	SessionID string
	Username  string
}

// Match is the transport's answer to a create or join: the match id, the local
// presence, and a snapshot of everyone already present (self included).
type Match struct {
	MatchID   string
	Self      Presence
	Presences []Presence
}

// MatchData is one inbound match-state message as delivered by the transport.
type MatchData struct {
	MatchID  string
	OpCode   int64
	Data     []byte
	Presence Presence
}

// PresenceUpdate is one presence-change notification as delivered by the transport.
type PresenceUpdate struct {
	MatchID string
	Joins   []Presence
	Leaves  []Presence
}

// MatchmakerTicket describes a matchmaking request.
type MatchmakerTicket struct {
	Query            string
	MinCount         int
	MaxCount         int
	StringProperties map[string]string
}

// MatchmakerMatched is delivered when the matchmaker has grouped this client
// into a new match.
type MatchmakerMatched struct {
	Ticket  string
	MatchID string
	Token   string
	Users   []Presence
}

// MatchSession is the active match as seen by the relay.
type MatchSession struct {
	// MatchID is the match identifier.
	MatchID string
	// Self is the local presence.
	Self Presence
	// Peers holds the remote presences currently in the match, keyed by session id.
	Peers map[string]Presence
}

func (m *MatchSession) clone() MatchSession {
	peers := make(map[string]Presence, len(m.Peers))
	for k, v := range m.Peers {
		peers[k] = v
	}
	return MatchSession{MatchID: m.MatchID, Self: m.Self, Peers: peers}
}

// PresenceKind distinguishes presence events.
type PresenceKind int

const (
	// PeerJoined is reported when a remote peer enters the match.
	PeerJoined PresenceKind = iota + 1
	// PeerLeft is reported when a remote peer leaves the match.
	PeerLeft
)

// String returns the lowercase event name.
func (k PresenceKind) String() string {
	switch k {
	case PeerJoined:
		return "joined"
	case PeerLeft:
		return "left"
	}
	return "unknown"
}

// PresenceEvent is a remote peer joining or leaving the active match.
type PresenceEvent struct {
	Kind     PresenceKind
	MatchID  string
	PeerID   string
	Username string
}

// MatchMessage is a buffered inbound match-state message.
type MatchMessage struct {
	MatchID  string
	OpCode   int64
	Data     []byte
	SenderID string
}

// Strategy selects how JoinOrCreate obtains a match.
type Strategy int

const (
	// JoinByID joins Criteria.MatchID.
	JoinByID Strategy = iota + 1
	// CreateNew creates a fresh match.
	CreateNew
	// QuickMatch asks a server-side RPC for a match id and joins it.
	QuickMatch
	// Matchmake submits a matchmaker ticket and joins once matched.
	Matchmake
)

// String returns the strategy name used in logs.
func (s Strategy) String() string {
	switch s {
	case JoinByID:
		return "join_by_id"
	case CreateNew:
		return "create_new"
	case QuickMatch:
		return "quick_match"
	case Matchmake:
		return "matchmake"
	}
	return "unknown"
}

// Criteria selects a join strategy and its parameters.
type Criteria struct {
	Strategy Strategy
	// MatchID is required for JoinByID.
	MatchID string
	// Ticket overrides Options.Matchmaker for Matchmake when non-nil.
	Ticket *MatchmakerTicket
}

// State is the controller's connection state.
type State int

const (
	Disconnected State = iota
	Authenticating
	Connected
	Joining
	InMatch
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Authenticating:
		return "authenticating"
	case Connected:
		return "connected"
	case Joining:
		return "joining"
	case InMatch:
		return "in_match"
	}
	return "unknown"
}
