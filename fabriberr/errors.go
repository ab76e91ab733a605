// Package fabriberr normalizes every failure the Legacy Data Fabric can
// surface into the platform-neutral error taxonomy from the fabric's design:
// NOT_FOUND, LOCK_TIMEOUT, LOCK_INTERRUPTED, TIER_UNAVAILABLE, CONFLICT,
// BUS_UNAVAILABLE, INVALID_TTL, PERSISTENCE_EXHAUSTED, DUPLICATE_NAME and
// SHUTDOWN. Tier adapters and transports must never leak a native driver
// error (redis.Nil, a kivik HTTP status, a context error) past their
// boundary; they wrap it into one of these Kinds instead.
package fabriberr

import (
	"errors"
	"fmt"
)

// Kind is one of the normalized error categories from the fabric's error
// handling design.
type Kind string

const (
	NotFound             Kind = "NOT_FOUND"
	LockTimeout          Kind = "LOCK_TIMEOUT"
	LockInterrupted      Kind = "LOCK_INTERRUPTED"
	TierUnavailable      Kind = "TIER_UNAVAILABLE"
	Conflict             Kind = "CONFLICT"
	BusUnavailable       Kind = "BUS_UNAVAILABLE"
	InvalidTTL           Kind = "INVALID_TTL"
	PersistenceExhausted Kind = "PERSISTENCE_EXHAUSTED"
	DuplicateName        Kind = "DUPLICATE_NAME"
	Shutdown             Kind = "SHUTDOWN"
)

// Error is the concrete error type returned by every fabric operation that
// fails. Op names the operation ("fabric.read", "l3.put", "bus.publish"),
// Key carries the record/entry/counter key when one is relevant, and Err
// wraps the underlying cause (nil for errors synthesized directly by the
// fabric, such as a lock timeout).
type Error struct {
	Kind Kind
	Op   string
	Key  string
	Err  error
}

// New builds a fabric error. cause may be nil.
func New(kind Kind, op, key string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Key: key, Err: cause}
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Key != "":
		return fmt.Sprintf("%s: %s [%s]: %v", e.Op, e.Kind, e.Key, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Key != "":
		return fmt.Sprintf("%s: %s [%s]", e.Op, e.Kind, e.Key)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As chains.
func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, fabriberr.Conflict-as-sentinel) style checks work
// by comparing Kind when the target is itself a *Error carrying only a Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// sentinel returns a bare *Error carrying only a Kind, suitable as the
// target of errors.Is.
func sentinel(k Kind) *Error { return &Error{Kind: k} }

var (
	ErrNotFound             = sentinel(NotFound)
	ErrLockTimeout          = sentinel(LockTimeout)
	ErrLockInterrupted      = sentinel(LockInterrupted)
	ErrTierUnavailable      = sentinel(TierUnavailable)
	ErrConflict             = sentinel(Conflict)
	ErrBusUnavailable       = sentinel(BusUnavailable)
	ErrInvalidTTL           = sentinel(InvalidTTL)
	ErrPersistenceExhausted = sentinel(PersistenceExhausted)
	ErrDuplicateName        = sentinel(DuplicateName)
	ErrShutdown             = sentinel(Shutdown)
)

// Of returns the Kind of err if it is (or wraps) a *Error, and ok=false
// otherwise.
func Of(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return "", false
}

// Is reports whether err is a fabric error of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := Of(err)
	return ok && k == kind
}

// IsNotFound reports whether err carries the NOT_FOUND kind.
func IsNotFound(err error) bool { return Is(err, NotFound) }

// IsConflict reports whether err carries the CONFLICT kind.
func IsConflict(err error) bool { return Is(err, Conflict) }

// IsTierUnavailable reports whether err resulted from an unreachable L2/L3 backend.
func IsTierUnavailable(err error) bool { return Is(err, TierUnavailable) }
