package relay

import (
	"errors"
	"fmt"
)

// ErrAlreadyInMatch is returned when a join is requested while a match is active or joining.
var ErrAlreadyInMatch = errors.New("already in a match")

// ErrOperationInProgress is returned when a background operation is still running.
var ErrOperationInProgress = errors.New("operation in progress")

// ErrNotConnected is returned when an operation needs an open socket.
var ErrNotConnected = errors.New("not connected")

// ErrNotAuthenticated is returned when an operation needs a session.
var ErrNotAuthenticated = errors.New("not authenticated")

// ErrObjectNotFound is returned by Storage.ReadObject when no object exists.
var ErrObjectNotFound = errors.New("storage object not found")

// ErrMatchNotFound is the cause reported by transports for a join to a match that no longer exists.
var ErrMatchNotFound = errors.New("match not found")

// AuthError reports rejected credentials. The caller may retry.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return fmt.Sprintf("authentication failed: %v", e.Err) }

func (e *AuthError) Unwrap() error { return e.Err }

// TransportError reports a socket that could not be opened or was lost.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport %s: %v", e.Op, e.Err) }

func (e *TransportError) Unwrap() error { return e.Err }

// MatchError reports a join or create rejected by the server.
type MatchError struct {
	MatchID string
	Err     error
}

func (e *MatchError) Error() string {
	if e.MatchID == "" {
		return fmt.Sprintf("match rejected: %v", e.Err)
	}
	return fmt.Sprintf("match %s rejected: %v", e.MatchID, e.Err)
}

func (e *MatchError) Unwrap() error { return e.Err }

// IsMatchError reports whether err is or wraps a *MatchError.
func IsMatchError(err error) bool {
	var me *MatchError
	return errors.As(err, &me)
}
