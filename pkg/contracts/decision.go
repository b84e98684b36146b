package contracts

import "time"

// Reason explains an authorization decision.
type Reason string

// Authorization reasons.
const (
	ReasonAuthorized      Reason = "authorized"
	ReasonNoTrigger       Reason = "no_trigger"
	ReasonUnauthorized    Reason = "unauthorized"
	ReasonWrongRepository Reason = "wrong_repository"
	ReasonRateLimited     Reason = "rate_limited"
	ReasonPolicyDenied    Reason = "policy_denied"
)

// AuthorizationDecision is produced once per TriggerEvent by the gate.
type AuthorizationDecision struct {
	Allowed        bool   `json:"allowed"`
	Reason         Reason `json:"reason"`
	Verb           string `json:"verb,omitempty"`
	MatchedKeyword string `json:"matched_keyword,omitempty"`
	// Capability is empty when the trigger used the generic alias.
	Capability string `json:"capability,omitempty"`
}

// Err returns an *AuthorizationError for a denied decision and nil for an
// allowed one.
func (d AuthorizationDecision) Err() error {
	if d.Allowed {
		return nil
	}
	return &AuthorizationError{Reason: d.Reason}
}

// ApprovalRecord pins an authorization to the branch head observed at
// approval time. One record exists per run.
type ApprovalRecord struct {
	SurfaceID      int       `json:"surface_id"`
	ApprovedBy     string    `json:"approved_by"`
	ApprovalCommit string    `json:"approval_commit"`
	ApprovedAt     time.Time `json:"approved_at"`
}
