package safety

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Rule is a formatting check applied to an already masked payload. Check
// returns a human-readable reason naming the correct alternative when the
// payload violates the rule. The reason must not quote the payload.
type Rule interface {
	Name() string
	Check(payload string) (reason string, violated bool)
}

type ruleFunc struct {
	name  string
	check func(string) (string, bool)
}

func (r ruleFunc) Name() string                         { return r.name }
func (r ruleFunc) Check(payload string) (string, bool) { return r.check(payload) }

// DefaultRules returns the built-in rendering rules.
func DefaultRules() []Rule {
	return []Rule{
		ruleFunc{"empty_payload", checkEmpty},
		ruleFunc{"control_characters", checkControl},
		ruleFunc{"bidi_override", checkBidi},
		ruleFunc{"unicode_normalization", checkNFC},
		ruleFunc{"unbalanced_code_fence", checkFences},
		ruleFunc{"literal_escape_sequence", checkLiteralEscapes},
	}
}

func checkEmpty(p string) (string, bool) {
	if strings.TrimSpace(p) == "" {
		return "payload is empty; provide non-whitespace text", true
	}
	return "", false
}

func checkControl(p string) (string, bool) {
	for _, r := range p {
		if (r < 0x20 && r != '\n' && r != '\t' && r != '\r') || r == 0x7f {
			return fmt.Sprintf("payload contains control character U+%04X; remove it or describe it in words", r), true
		}
	}
	return "", false
}

func checkBidi(p string) (string, bool) {
	for _, r := range p {
		if (r >= 0x202A && r <= 0x202E) || (r >= 0x2066 && r <= 0x2069) {
			return fmt.Sprintf("payload contains bidirectional control U+%04X; write the text in logical order without direction overrides", r), true
		}
	}
	return "", false
}

func checkNFC(p string) (string, bool) {
	if !norm.NFC.IsNormalString(p) {
		return "payload is not in Unicode NFC form; normalize it to NFC before sending", true
	}
	return "", false
}

func checkFences(p string) (string, bool) {
	open := false
	for _, line := range strings.Split(p, "\n") {
		if isFence(line) {
			open = !open
		}
	}
	if open {
		return "payload has an unclosed ``` code fence; close every fenced block with a matching ``` line", true
	}
	return "", false
}

func isFence(line string) bool {
	trimmed := strings.TrimLeft(line, " ")
	if len(line)-len(trimmed) > 3 {
		return false
	}
	return strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~")
}

func checkLiteralEscapes(p string) (string, bool) {
	prose := stripCode(p)
	if strings.Contains(prose, `\n`) {
		return `payload contains a literal \n sequence; use a real line break instead`, true
	}
	if strings.Contains(prose, `\t`) {
		return `payload contains a literal \t sequence; use spaces or a real tab instead`, true
	}
	return "", false
}

// stripCode drops fenced blocks and inline code spans, where escape
// sequences are legitimate content.
func stripCode(p string) string {
	var b strings.Builder
	inFence := false
	for _, line := range strings.Split(p, "\n") {
		if isFence(line) {
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}
		b.WriteString(inlineCode.ReplaceAllString(line, ""))
		b.WriteByte('\n')
	}
	return b.String()
}

var inlineCode = regexp.MustCompile("`[^`]*`")

// NewRegexRule builds a configurable rule that denies payloads matching expr.
func NewRegexRule(name, expr, reason string) (Rule, error) {
	if name == "" || reason == "" {
		return nil, fmt.Errorf("formatting rule needs a name and a reason")
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("formatting rule %s: %w", name, err)
	}
	return ruleFunc{name: name, check: func(p string) (string, bool) {
		if re.MatchString(p) {
			return reason, true
		}
		return "", false
	}}, nil
}
