package safety_test

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Mindburn-Labs/gatekeeper/pkg/safety"
)

// Property: a registered secret value never survives validation.
func TestMaskingNeverLeaksSecret(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	v := safety.NewValidator(safety.Config{})

	properties.Property("secret value absent from emitted payload", prop.ForAll(
		func(prefix, value, suffix string) bool {
			secret := safety.Secret{Name: "TOKEN", Value: value}
			payload := prefix + " " + value + " " + suffix

			verdict := v.Validate(payload, []safety.Secret{secret})
			if strings.Contains(verdict.ModifiedPayload, value) || strings.Contains(verdict.Reason, value) {
				return false
			}
			masked, _ := v.Mask(payload, []safety.Secret{secret})
			return !strings.Contains(masked, value)
		},
		gen.AlphaString(),
		gen.AlphaString().Map(func(s string) string { return "s3cr3t" + s + "Q9" }),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

// Property: validating the emitted payload a second time changes nothing.
func TestValidateIdempotent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	v := safety.NewValidator(safety.Config{})
	secrets := []safety.Secret{{Name: "DB_PASSWORD", Value: "correct-horse-battery"}}

	properties.Property("validate(validate(p)) == validate(p)", prop.ForAll(
		func(a, b string, withSecret bool) bool {
			p := a + " " + b
			if withSecret {
				p = a + " correct-horse-battery " + b
			}

			first := v.Validate(p, secrets)
			out, ok := first.Payload(p)
			if !ok {
				again := v.Validate(p, secrets)
				return again == first
			}

			second := v.Validate(out, secrets)
			out2, ok2 := second.Payload(out)
			return ok2 && out2 == out
		},
		gen.AnyString(),
		gen.AlphaString(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
