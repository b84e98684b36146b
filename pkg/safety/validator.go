// Package safety implements the command safety validator that every outbound
// payload passes through: secret masking first, then formatting rules.
//
// Masking is the only transformation the validator performs. Formatting
// violations are denials; the caller must resubmit corrected content.
package safety

import (
	"sort"
	"strings"

	"github.com/Mindburn-Labs/gatekeeper/pkg/contracts"
)

// DefaultMinSecretLength is the shortest secret value that is masked.
const DefaultMinSecretLength = 8

// Config configures a Validator. Zero values select the defaults.
type Config struct {
	MinSecretLength int
	// Patterns replaces the default secret patterns when non-nil.
	Patterns []Pattern
	// Rules are appended to the built-in formatting rules.
	Rules []Rule
}

// Validator is stateless between calls and safe for concurrent use.
type Validator struct {
	minLen   int
	patterns []Pattern
	rules    []Rule
}

// NewValidator builds a validator from cfg.
func NewValidator(cfg Config) *Validator {
	v := &Validator{
		minLen:   cfg.MinSecretLength,
		patterns: cfg.Patterns,
		rules:    append(DefaultRules(), cfg.Rules...),
	}
	if v.minLen <= 0 {
		v.minLen = DefaultMinSecretLength
	}
	if v.patterns == nil {
		v.patterns = DefaultPatterns()
	}
	return v
}

// Validate masks secrets in payload and then applies the formatting rules to
// the masked text.
func (v *Validator) Validate(payload string, secrets []Secret) contracts.ValidationVerdict {
	masked, changed := v.Mask(payload, secrets)

	for _, rule := range v.rules {
		if reason, bad := rule.Check(masked); bad {
			return contracts.ValidationVerdict{
				Decision: contracts.VerdictDeny,
				Reason:   reason,
				Rule:     rule.Name(),
			}
		}
	}

	if changed {
		return contracts.ValidationVerdict{
			Decision:        contracts.VerdictModify,
			ModifiedPayload: masked,
			Reason:          "secrets masked",
		}
	}
	return contracts.ValidationVerdict{Decision: contracts.VerdictAllow}
}

// Mask replaces known secret values and pattern matches without applying
// formatting rules. It reports whether anything was replaced.
func (v *Validator) Mask(payload string, secrets []Secret) (string, bool) {
	out := payload
	changed := false

	for _, s := range v.eligible(secrets) {
		if strings.Contains(out, s.Value) {
			out = strings.ReplaceAll(out, s.Value, "[MASKED:"+s.Name+"]")
			changed = true
		}
	}

	for _, p := range v.patterns {
		var hit bool
		out, hit = p.mask(out)
		changed = changed || hit
	}
	return out, changed
}

// eligible returns secrets long enough to mask, longest first so that a
// secret containing another is replaced whole.
func (v *Validator) eligible(secrets []Secret) []Secret {
	out := make([]Secret, 0, len(secrets))
	for _, s := range secrets {
		if len(s.Value) >= v.minLen {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return len(out[i].Value) > len(out[j].Value)
	})
	return out
}
