package relay

import (
	"context"

	"google.golang.org/protobuf/types/known/structpb"
)

// Backend is the session provider and server-side procedure host.
type Backend interface {
	// Authenticate exchanges credentials for a session. Rejected credentials
	// must be reported as an error the controller can wrap in *AuthError.
	Authenticate(ctx context.Context, creds Credentials) (Session, error)
	// RPC invokes a server-side function by id.
	RPC(ctx context.Context, sess Session, id string, payload *structpb.Struct) (*structpb.Struct, error)
	// NewSocket returns an unconnected realtime socket.
	NewSocket() Socket
}

// Handlers are the realtime callbacks a Socket dispatches to. A nil field
// means the notification is discarded.
type Handlers struct {
	OnDisconnect        func(err error)
	OnMatchData         func(MatchData)
	OnMatchPresence     func(PresenceUpdate)
	OnMatchmakerMatched func(MatchmakerMatched)
}

// Socket is the realtime transport bound to one session.
//
// Implementations dispatch handlers sequentially in delivery order.
type Socket interface {
	Connect(ctx context.Context, sess Session) error
	Close() error
	// SetHandlers replaces every registered callback at once.
	SetHandlers(h Handlers)
	CreateMatch(ctx context.Context) (Match, error)
	// JoinMatch joins by match id, or by matchmaker token when token is non-empty.
	// A match that no longer exists must be reported with an error wrapping ErrMatchNotFound.
	JoinMatch(ctx context.Context, matchID, token string) (Match, error)
	LeaveMatch(ctx context.Context, matchID string) error
	// SendMatchState is fire-and-forget.
	SendMatchState(matchID string, opCode int64, data []byte) error
	AddMatchmaker(ctx context.Context, ticket MatchmakerTicket) (string, error)
}

// ObjectID addresses one storage object. An empty Owner addresses a global object.
type ObjectID struct {
	Collection string
	Key        string
	Owner      string
}

// Storage permission levels.
const (
	PermissionNone   = 0
	PermissionOwner  = 1
	PermissionPublic = 2
)

// Object is a stored JSON value.
type Object struct {
	ObjectID
	Value           string
	Version         string
	PermissionRead  int
	PermissionWrite int
}

// ObjectWrite is a storage write request. Global marks the object as unowned.
type ObjectWrite struct {
	Collection      string
	Key             string
	Value           string
	Global          bool
	PermissionRead  int
	PermissionWrite int
}

// Storage is the persistent key-value service.
type Storage interface {
	// ReadObject returns ErrObjectNotFound (possibly wrapped) when no readable object exists.
	ReadObject(ctx context.Context, sess Session, id ObjectID) (Object, error)
	WriteObject(ctx context.Context, sess Session, w ObjectWrite) (Object, error)
}
