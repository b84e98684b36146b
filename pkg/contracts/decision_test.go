package contracts

import (
	"errors"
	"testing"
)

func TestAuthorizationDecisionErr(t *testing.T) {
	if err := (AuthorizationDecision{Allowed: true, Reason: ReasonAuthorized}).Err(); err != nil {
		t.Fatalf("allowed decision returned %v", err)
	}

	err := AuthorizationDecision{Reason: ReasonRateLimited}.Err()
	var ae *AuthorizationError
	if !errors.As(err, &ae) {
		t.Fatalf("expected *AuthorizationError, got %T", err)
	}
	if ae.Reason != ReasonRateLimited {
		t.Errorf("reason = %s", ae.Reason)
	}
	if got := err.Error(); got != "authorization denied: rate_limited" {
		t.Errorf("Error() = %q", got)
	}
}
