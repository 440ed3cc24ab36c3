package wsclient

import (
	"errors"
	"fmt"
)

// Kind is a closed set of error classifications surfaced to callers.
type Kind string

const (
	KindTimeout             Kind = "timeout"
	KindConnectionRefused   Kind = "connection_refused"
	KindUpgradeFailed       Kind = "upgrade_failed"
	KindDisconnected        Kind = "disconnected"
	KindClosed              Kind = "closed"
	KindRequestTimeout      Kind = "request_timeout"
	KindRateLimited         Kind = "rate_limited"
	KindQueueFull           Kind = "queue_full"
	KindDuplicateID         Kind = "duplicate_id"
	KindHeartbeatTimeout    Kind = "heartbeat_timeout"
	KindAuthFailed          Kind = "auth_failed"
	KindNoConnections       Kind = "no_connections"
	KindMaxAttemptsExceeded Kind = "max_attempts_exceeded"
	KindInvalidFrame        Kind = "invalid_frame"
	KindInvalidConfig       Kind = "invalid_config"
)

// Error is the library's error type. Callers that need to branch on the
// failure class should use errors.As and inspect Kind.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches a target *Error by Kind alone, so errors.Is(err,
// &wsclient.Error{Kind: wsclient.KindX}) reports whether err is of kind KindX.
// Targets of any other type never match.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func newErr(op string, kind Kind, cause error) *Error {
	return &Error{Op: op, Kind: kind, Err: cause}
}

// NewError builds an *Error for external packages (pool, examples) that
// need to report failures using this package's closed Kind set without
// reaching into its unexported constructor.
func NewError(op string, kind Kind, cause error) error {
	return newErr(op, kind, cause)
}

// KindOf extracts the Kind from err if it is (or wraps) a *Error, and
// reports whether extraction succeeded.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
