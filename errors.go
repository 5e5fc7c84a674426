package quickmatch

import "fmt"

// ErrorKind buckets every failure the client can surface.
type ErrorKind string

const (
	// ErrKindConnection covers transport, auth and app-channel failures.
	ErrKindConnection ErrorKind = "connection"
	// ErrKindLobby covers find/join/set_host/leave rejections.
	ErrKindLobby ErrorKind = "lobby"
	// ErrKindContract marks caller misuse, detected before any network call.
	ErrKindContract ErrorKind = "contract"
)

// Error is the typed error every operation rejects with. Reason holds the
// server-supplied reason string when the failure came off the wire.
type Error struct {
	Kind   ErrorKind
	Op     string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("quickmatch: %s: %s", e.Op, e.Reason)
}

// Contract sentinels. Returned as-is so callers can match with errors.Is.
var (
	ErrNotConnected     = &Error{Kind: ErrKindConnection, Op: "session", Reason: "not connected"}
	ErrAlreadyConnected = &Error{Kind: ErrKindContract, Op: "connect", Reason: "already connected"}
	ErrNoLobby          = &Error{Kind: ErrKindContract, Op: "lobby", Reason: "no lobby joined"}
	ErrInLobby          = &Error{Kind: ErrKindContract, Op: "lobby", Reason: "already in a lobby"}
)
