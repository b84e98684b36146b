package safety

import (
	"fmt"
	"regexp"
	"unicode/utf8"
)

// Pattern is a structural secret shape, such as a fixed-prefix token.
type Pattern struct {
	Name string
	re   *regexp.Regexp
}

// NewPattern compiles a secret pattern.
func NewPattern(name, expr string) (Pattern, error) {
	if name == "" {
		return Pattern{}, fmt.Errorf("secret pattern name is required")
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return Pattern{}, fmt.Errorf("secret pattern %s: %w", name, err)
	}
	return Pattern{Name: name, re: re}, nil
}

// DefaultPatterns returns the built-in secret shapes.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{Name: "github_token", re: regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,255}\b`)},
		{Name: "github_pat", re: regexp.MustCompile(`\bgithub_pat_[A-Za-z0-9_]{22,255}\b`)},
		{Name: "aws_access_key_id", re: regexp.MustCompile(`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`)},
		{Name: "slack_token", re: regexp.MustCompile(`\bxox[abposr]-[A-Za-z0-9-]{10,}`)},
		{Name: "private_key", re: regexp.MustCompile(`(?s)-----BEGIN [A-Z ]*PRIVATE KEY-----.*?(?:-----END [A-Z ]*PRIVATE KEY-----|\z)`)},
		{Name: "api_key", re: regexp.MustCompile(`\bsk-(?:ant-|proj-)?[A-Za-z0-9_-]{20,}`)},
	}
}

// mask replaces every match with a placeholder that shows at most the first
// four characters of the match, and fewer for short matches.
func (p Pattern) mask(s string) (string, bool) {
	changed := false
	out := p.re.ReplaceAllStringFunc(s, func(m string) string {
		changed = true
		return "[MASKED:" + p.Name + " " + revealPrefix(m) + "…]"
	})
	return out, changed
}

func revealPrefix(m string) string {
	n := utf8.RuneCountInString(m) / 4
	if n > 4 {
		n = 4
	}
	i := 0
	for pos := range m {
		if i == n {
			return m[:pos]
		}
		i++
	}
	return m
}
