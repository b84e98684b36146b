package contracts

// VerdictDecision is the outcome of validating an outbound payload.
type VerdictDecision string

// Verdict decisions.
const (
	VerdictAllow  VerdictDecision = "allow"
	VerdictDeny   VerdictDecision = "deny"
	VerdictModify VerdictDecision = "modify"
)

// ValidationVerdict is produced fresh for every outbound payload.
type ValidationVerdict struct {
	Decision        VerdictDecision `json:"decision"`
	ModifiedPayload string          `json:"modified_payload,omitempty"`
	Reason          string          `json:"reason,omitempty"`
	// Rule names the formatting rule that denied the payload.
	Rule string `json:"rule,omitempty"`
}

// Payload returns the text that may be emitted, or false on deny.
func (v ValidationVerdict) Payload(original string) (string, bool) {
	switch v.Decision {
	case VerdictAllow:
		return original, true
	case VerdictModify:
		return v.ModifiedPayload, true
	default:
		return "", false
	}
}
