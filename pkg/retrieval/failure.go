// Package retrieval implements the two-tier fetch decision over the
// primary and secondary transports, and the typed failure taxonomy
// every transport and materialization error is classified into.
package retrieval

import (
	"errors"
	"fmt"
)

// Kind identifies a failure class. Every error crossing a component
// boundary carries one of these; nothing is propagated as an opaque
// failure.
type Kind string

const (
	// KindTransportUnavailable covers connection and availability
	// problems on either transport. Retryable.
	KindTransportUnavailable Kind = "TRANSPORT_UNAVAILABLE"
	// KindNotFound means the content no longer exists upstream. Fatal.
	KindNotFound Kind = "NOT_FOUND"
	// KindSizeMismatch means the received length differed from the
	// declared one. Retryable once, then fatal if repeated.
	KindSizeMismatch Kind = "SIZE_MISMATCH"
	// KindIntegrity covers digest or verification failures on an
	// otherwise complete transfer. Retryable.
	KindIntegrity Kind = "INTEGRITY_FAILURE"
	// KindExternalTool carries raw diagnostics from the secondary
	// transport tool. Retryable.
	KindExternalTool Kind = "EXTERNAL_TOOL_ERROR"
)

// Failure is a classified retrieval or materialization error.
type Failure struct {
	Kind    Kind
	Message string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// NewFailure builds a classified failure.
func NewFailure(kind Kind, format string, args ...any) *Failure {
	return &Failure{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Fatal reports whether the failure must not be retried.
func (f *Failure) Fatal() bool {
	return f.Kind == KindNotFound
}

// AsFailure extracts a *Failure from err, classifying unrecognized
// errors as transport-unavailable so the retry policy still applies.
func AsFailure(err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return &Failure{Kind: KindTransportUnavailable, Message: err.Error()}
}
