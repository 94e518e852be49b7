// Package toposerr provides the error taxonomy shared by the storage, engine
// and API layers (spec §7). Each Kind maps to both a gRPC status code (for
// responses crossing the API boundary) and a retry policy understood by
// callers.
package toposerr

import (
	"fmt"

	"google.golang.org/grpc/codes"
)

// Kind tags an Error with one of the taxonomy entries from spec §7.
type Kind string

const (
	// InvalidInput: malformed subnet id, missing certificate fields.
	// Returned to caller; no retry.
	InvalidInput Kind = "invalid_input"

	// UnexpectedPrev: storage link mismatch. Certificate parked in the
	// pending bucket, retried on predecessor delivery.
	UnexpectedPrev Kind = "unexpected_prev"

	// AlreadyExists: re-submission of a known id. Treated as success.
	AlreadyExists Kind = "already_exists"

	// Overloaded: a bounded queue is full. Returned to caller; caller may
	// retry with backoff.
	Overloaded Kind = "overloaded"

	// PendingStreamNotFound: handshake completion for an untracked stream
	// id. Logged, stream closed.
	PendingStreamNotFound Kind = "pending_stream_not_found"

	// UnableToPushPeerList: gossip fabric rejected a peer update. Logged;
	// peer list reconciled on next tick.
	UnableToPushPeerList Kind = "unable_to_push_peer_list"

	// UnableToGetSourceHead: storage I/O failure. Returned to caller;
	// retried by the sequencer with backoff.
	UnableToGetSourceHead Kind = "unable_to_get_source_head"

	// BroadcastFailed: idle timer elapsed without quorum. Reported as an
	// event; certificate dropped; caller may resubmit.
	BroadcastFailed Kind = "broadcast_failed"

	// Die: engine invariant violation. Process-level shutdown.
	Die Kind = "die"
)

// Error is the taxonomy-tagged error type returned across component
// boundaries.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind that wraps cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	te, ok := err.(*Error)
	return ok && te.Kind == kind
}

// GRPCCode maps the Kind to the gRPC status code the API layer should
// surface.
func (k Kind) GRPCCode() codes.Code {
	switch k {
	case InvalidInput:
		return codes.InvalidArgument
	case UnexpectedPrev:
		return codes.FailedPrecondition
	case AlreadyExists:
		return codes.OK
	case Overloaded:
		return codes.ResourceExhausted
	case PendingStreamNotFound:
		return codes.NotFound
	case UnableToPushPeerList:
		return codes.Unavailable
	case UnableToGetSourceHead:
		return codes.Unavailable
	case BroadcastFailed:
		return codes.DeadlineExceeded
	case Die:
		return codes.Internal
	default:
		return codes.Unknown
	}
}

// Retryable reports whether the spec's policy for this Kind allows the
// caller to retry (with backoff).
func (k Kind) Retryable() bool {
	switch k {
	case Overloaded, UnableToGetSourceHead, BroadcastFailed:
		return true
	default:
		return false
	}
}
