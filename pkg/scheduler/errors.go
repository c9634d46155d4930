package scheduler

import (
	"errors"
	"fmt"
)

// Kind classifies a scheduler error for callers that map errors onto the
// wire (HTTP status) or onto retry policy.
type Kind int

const (
	// KindInternal is the default for unclassified failures.
	KindInternal Kind = iota
	// KindValidation: malformed input, out-of-range values. Not retried.
	KindValidation
	// KindNotFound: unknown task or bot.
	KindNotFound
	// KindConflict: the state machine rejects the transition, or an output
	// write violates the append-only rule. Not retried.
	KindConflict
	// KindContention: transactional conflict that survived internal
	// retries. The caller may retry the whole call.
	KindContention
	// KindUnavailable: the store failed transiently.
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindContention:
		return "contention"
	case KindUnavailable:
		return "unavailable"
	default:
		return "internal"
	}
}

// Error is a classified scheduler error with a human-readable reason.
type Error struct {
	Kind   Kind
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func errf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// KindOf extracts the classification of err, defaulting to KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
