// Package errs defines the typed error taxonomy shared across ringdb's
// storage, replication, and partitioning subsystems.
//
// The source system this core is modeled on used exceptions for control
// flow (NotOwner, retry prompts, quorum failure). Re-modeled here as a
// closed set of typed result values: every fallible core operation
// returns an *Error whose Kind a caller can switch on, instead of a raw
// error the caller must string-match.
package errs

import (
	"errors"
	"fmt"
)

// Kind enumerates the error taxonomy from the external interface
// contract. Kinds are not Go types; they are a closed enum carried on a
// single Error struct so callers can use a type switch-free
// errors.Is/As; (*Error).Is matches on Kind alone.
type Kind string

const (
	// NotOwner indicates the contacted node does not own the partition
	// for the requested key. The correct owner id and current epoch are
	// attached.
	NotOwner Kind = "not_owner"

	// QuorumNotMet indicates fewer than the required W/R replicas
	// acknowledged within the deadline. The local write, if any, is not
	// rolled back — it will be reconciled by anti-entropy.
	QuorumNotMet Kind = "quorum_not_met"

	// Timeout indicates an RPC deadline expired before completion.
	Timeout Kind = "timeout"

	// SerializationConflict indicates a transaction's read-set was
	// invalidated by a commit that happened after its snapshot.
	SerializationConflict Kind = "serialization_conflict"

	// StaleEpoch indicates the caller's partition map or hash ring
	// epoch is behind the node's; the caller should refresh and retry.
	StaleEpoch Kind = "stale_epoch"

	// CorruptData indicates unrecoverable corruption was detected in an
	// SSTable or WAL tail beyond what truncation can repair.
	CorruptData Kind = "corrupt_data"

	// IOError indicates a disk or network I/O failure.
	IOError Kind = "io_error"

	// DuplicateOp indicates an op_id already applied; the caller should
	// treat the retry as a silent success.
	DuplicateOp Kind = "duplicate_op"

	// TombstoneRespected indicates a read observed only a tombstone for
	// the requested key.
	TombstoneRespected Kind = "tombstone_respected"

	// UnknownKey indicates the key has no record anywhere in the
	// queried replica set.
	UnknownKey Kind = "unknown_key"

	// RateLimited indicates a request was rejected or delayed by a
	// token-bucket limiter (e.g. segment transfer throttling).
	RateLimited Kind = "rate_limited"

	// Shutdown indicates the node is draining and no longer accepts
	// new work.
	Shutdown Kind = "shutdown"
)

// Error is the concrete error value carried across the core's public
// API. Fields beyond Kind/Message are populated only when relevant to
// that kind (e.g. Owner/Epoch for NotOwner/StaleEpoch).
type Error struct {
	// Wrapped is the underlying cause, if any (e.g. the disk error that
	// produced an IOError). May be nil.
	Wrapped error

	Kind    Kind
	Message string

	// Owner is the correct partition owner, set on NotOwner.
	Owner string

	// Epoch is the current partition-map/ring epoch, set on NotOwner
	// and StaleEpoch so the caller knows what to refresh to.
	Epoch uint64
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap allows errors.Is/As to traverse to the wrapped cause.
func (e *Error) Unwrap() error { return e.Wrapped }

// Is reports whether target is an *Error with the same Kind, enabling
// errors.Is(err, errs.New(errs.NotOwner, "")) style checks without
// comparing messages.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs an *Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an *Error of the given kind wrapping an underlying
// cause, typically from a disk or network operation.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Wrapped: cause}
}

// NotOwnerError constructs a NotOwner error carrying the correct owner
// and epoch, as required by the external interface contract (§6).
func NotOwnerError(owner string, epoch uint64) *Error {
	return &Error{
		Kind:    NotOwner,
		Message: fmt.Sprintf("partition owned by %s", owner),
		Owner:   owner,
		Epoch:   epoch,
	}
}

// StaleEpochError constructs a StaleEpoch error carrying the current
// epoch the caller should refresh to.
func StaleEpochError(current uint64) *Error {
	return &Error{
		Kind:    StaleEpoch,
		Message: fmt.Sprintf("current epoch is %d", current),
		Epoch:   current,
	}
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error,
// returning ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
