package contracts

import (
	"errors"
	"fmt"
)

// ErrTimeout is returned by the monitor when no relevant event arrived within
// the configured number of polling cycles.
var ErrTimeout = errors.New("monitor: timed out waiting for a relevant event")

// AuthorizationError wraps a denied authorization decision.
type AuthorizationError struct {
	Reason Reason
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("authorization denied: %s", e.Reason)
}

// ProviderError reports a failed capability provider invocation.
type ProviderError struct {
	Provider  string
	Transient bool
	Err       error
}

func (e *ProviderError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("provider %s: %s failure: %v", e.Provider, kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsTransient reports whether err carries a transient ProviderError.
func IsTransient(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Transient
}

// AncestrySecurityViolation reports that an approval commit is not an
// ancestor of the live branch head, or that ancestry could not be proven.
type AncestrySecurityViolation struct {
	ApprovalCommit string
	Head           string
	Err            error
}

func (e *AncestrySecurityViolation) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ancestry check failed for approval %s against head %s: %v", e.ApprovalCommit, e.Head, e.Err)
	}
	return fmt.Sprintf("approval commit %s is not an ancestor of head %s", e.ApprovalCommit, e.Head)
}

func (e *AncestrySecurityViolation) Unwrap() error { return e.Err }

// TransportError reports a failed call to the hosting platform.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("platform %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ValidationDenial reports an outbound payload rejected by a formatting rule.
// Reason never contains the payload.
type ValidationDenial struct {
	Rule   string
	Reason string
}

func (e *ValidationDenial) Error() string {
	return fmt.Sprintf("payload denied by rule %s: %s", e.Rule, e.Reason)
}

// PushVerificationError reports a push whose result does not match the
// remote branch head.
type PushVerificationError struct {
	Expected string
	Actual   string
}

func (e *PushVerificationError) Error() string {
	return fmt.Sprintf("push verification failed: remote head %s, expected %s", e.Actual, e.Expected)
}
