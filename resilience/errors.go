// Package resilience holds the result-kind errors and fencing guard shared by
// Polaris' core loops. Nothing here unwinds a goroutine; every kind is a value
// returned up to a task boundary and logged there.
package resilience

import "fmt"

// Kind distinguishes the error classes a task boundary must branch on.
type Kind int

const (
	// KindPickFailure: a bus read returned no record, failed to deserialize,
	// or the transport itself errored. Never dropped silently.
	KindPickFailure Kind = iota
	// KindClaimDenied: another member already owns the key. Not a failure,
	// just a reason to move on to the next record.
	KindClaimDenied
	// KindWorkingSetUndetermined: the cluster registry is unreachable, no
	// members are known, or the caller isn't listed as one. Abort the round.
	KindWorkingSetUndetermined
	// KindCallbackException: a delivery-side failure captured earlier in
	// message state; the record belongs in the failed scan.
	KindCallbackException
	// KindFatal: the bus producer or lock backend is unrecoverable for this
	// task. Log and exit; the next tick retries.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindPickFailure:
		return "PickFailure"
	case KindClaimDenied:
		return "ClaimDenied"
	case KindWorkingSetUndetermined:
		return "WorkingSetUndetermined"
	case KindCallbackException:
		return "CallbackException"
	case KindFatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}

// Error wraps a Kind with context. Components construct these instead of
// using panics or sentinel strings; callers switch on Kind().
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// IsKind reports whether err is a *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	re, ok := err.(*Error)
	return ok && re.Kind == kind
}
