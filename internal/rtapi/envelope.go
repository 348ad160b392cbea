// Package rtapi defines the wire types shared by the backend and its clients:
// the JSON envelopes exchanged over the realtime socket and the HTTP API bodies.
//
// Socket requests carry a client-chosen cid that the server echoes on the
// reply. Notifications pushed by the server carry no cid.
package rtapi

import (
	"errors"
	"fmt"
)

// Error codes carried by Error.Code.
const (
	CodeRuntimeException     = 0
	CodeUnrecognizedPayload  = 1
	CodeBadInput             = 3
	CodeMatchNotFound        = 4
	CodeMatchJoinRejected    = 5
	CodeMatchmakerBadRequest = 6
)

// ErrNoPayload is returned by Envelope.Kind when no message is set.
var ErrNoPayload = errors.New("envelope carries no message")

// ErrMultiplePayloads is returned by Envelope.Kind when more than one message is set.
var ErrMultiplePayloads = errors.New("envelope carries more than one message")

// Envelope is the single frame type on the realtime socket. Exactly one
// message field is set.
type Envelope struct {
	Cid string `json:"cid,omitempty"`

	// client requests
	MatchCreate   *MatchCreate   `json:"match_create,omitempty"`
	MatchJoin     *MatchJoin     `json:"match_join,omitempty"`
	MatchLeave    *MatchLeave    `json:"match_leave,omitempty"`
	MatchDataSend *MatchDataSend `json:"match_data_send,omitempty"`
	MatchmakerAdd *MatchmakerAdd `json:"matchmaker_add,omitempty"`

	// replies
	Match            *Match            `json:"match,omitempty"`
	MatchmakerTicket *MatchmakerTicket `json:"matchmaker_ticket,omitempty"`
	Ack              *Ack              `json:"ack,omitempty"`
	Error            *Error            `json:"error,omitempty"`

	// server notifications
	MatchData          *MatchData          `json:"match_data,omitempty"`
	MatchPresenceEvent *MatchPresenceEvent `json:"match_presence_event,omitempty"`
	MatchmakerMatched  *MatchmakerMatched  `json:"matchmaker_matched,omitempty"`
}

// Kind names the message the envelope carries.
//
// Postcondition: Returns the JSON field name of the single set message, or an
// error when none or several are set.
func (e *Envelope) Kind() (string, error) {
	fields := []struct {
		name string
		set  bool
	}{
		{"match_create", e.MatchCreate != nil},
		{"match_join", e.MatchJoin != nil},
		{"match_leave", e.MatchLeave != nil},
		{"match_data_send", e.MatchDataSend != nil},
		{"matchmaker_add", e.MatchmakerAdd != nil},
		{"match", e.Match != nil},
		{"matchmaker_ticket", e.MatchmakerTicket != nil},
		{"ack", e.Ack != nil},
		{"error", e.Error != nil},
		{"match_data", e.MatchData != nil},
		{"match_presence_event", e.MatchPresenceEvent != nil},
		{"matchmaker_matched", e.MatchmakerMatched != nil},
	}
	kind := ""
	for _, f := range fields {
		if !f.set {
			continue
		}
		if kind != "" {
			return "", fmt.Errorf("%w: %s and %s", ErrMultiplePayloads, kind, f.name)
		}
		kind = f.name
	}
	if kind == "" {
		return "", ErrNoPayload
	}
	return kind, nil
}

// Presence identifies one socket session inside a match.
type Presence struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Username  string `json:"username"`
}

// MatchCreate asks the server for a new relayed match.
type MatchCreate struct{}

// MatchJoin joins by match id or by matchmaker token. Token wins when both are set.
type MatchJoin struct {
	MatchID string `json:"match_id,omitempty"`
	Token   string `json:"token,omitempty"`
}

// MatchLeave leaves a match.
type MatchLeave struct {
	MatchID string `json:"match_id"`
}

// MatchDataSend relays data to every other presence in the match. It has no reply.
type MatchDataSend struct {
	MatchID string `json:"match_id"`
	OpCode  int64  `json:"op_code"`
	Data    []byte `json:"data,omitempty"`
}

// MatchmakerAdd submits a matchmaker ticket.
type MatchmakerAdd struct {
	Query            string            `json:"query"`
	MinCount         int               `json:"min_count"`
	MaxCount         int               `json:"max_count"`
	StringProperties map[string]string `json:"string_properties,omitempty"`
}

// Match is the reply to MatchCreate and MatchJoin.
type Match struct {
	MatchID   string     `json:"match_id"`
	Size      int        `json:"size"`
	Self      Presence   `json:"self"`
	Presences []Presence `json:"presences"`
}

// MatchmakerTicket is the reply to MatchmakerAdd.
type MatchmakerTicket struct {
	Ticket string `json:"ticket"`
}

// Ack is the empty reply to requests that return nothing.
type Ack struct{}

// Error is the reply to a failed request.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return fmt.Sprintf("realtime error %d: %s", e.Code, e.Message) }

// MatchData is relayed match state.
type MatchData struct {
	MatchID  string   `json:"match_id"`
	Presence Presence `json:"presence"`
	OpCode   int64    `json:"op_code"`
	Data     []byte   `json:"data,omitempty"`
}

// MatchPresenceEvent reports presences that joined or left a match.
type MatchPresenceEvent struct {
	MatchID string     `json:"match_id"`
	Joins   []Presence `json:"joins,omitempty"`
	Leaves  []Presence `json:"leaves,omitempty"`
}

// MatchmakerMatched tells a ticket owner which match to join.
type MatchmakerMatched struct {
	Ticket  string     `json:"ticket"`
	MatchID string     `json:"match_id,omitempty"`
	Token   string     `json:"token"`
	Users   []Presence `json:"users"`
	Self    Presence   `json:"self"`
}
