package safety

import (
	"log/slog"
	"os"
	"strings"
)

// Secret is a named credential whose value must never leave the process.
type Secret struct {
	Name  string
	Value string
}

// LogValue keeps secret values out of structured logs.
func (s Secret) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("name", s.Name),
		slog.String("value", "[REDACTED]"),
	)
}

// String keeps secret values out of fmt output.
func (s Secret) String() string {
	return "Secret(" + s.Name + ")"
}

// LoadSecrets reads the named environment variables once. Unset or empty
// variables are skipped. The secret name is the variable name.
func LoadSecrets(names ...string) []Secret {
	return loadSecrets(os.LookupEnv, names)
}

func loadSecrets(lookup func(string) (string, bool), names []string) []Secret {
	out := make([]Secret, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if v, ok := lookup(name); ok && v != "" {
			out = append(out, Secret{Name: name, Value: v})
		}
	}
	return out
}
