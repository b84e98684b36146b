package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/gatekeeper/pkg/archive"
	"github.com/Mindburn-Labs/gatekeeper/pkg/config"
)

const sample = `
version: "1.2.0"
repository: acme/widgets
authorization:
  allowed_actors: [alice, bob]
  generic_alias: Auto
  admission: 'event.surface == "pull_request"'
  rate_limit:
    quota: 3
    window: 30m
monitor:
  interval: 2s
  timeout: 1m
safety:
  secrets: [GITHUB_TOKEN]
  rules:
    - name: no_shouting
      pattern: '[A-Z]{20,}'
      reason: write in sentence case
providers:
  - name: claude
    kind: stdio
    keyword: Gen
    priority: 10
    command: gen-backend
  - name: sandboxed
    kind: wasm
    keyword: Lint
    module: /opt/lint.wasm
    memory_limit_bytes: 67108864
    timeout: 30s
archive:
  kind: s3
  bucket: receipts
`

func noEnv(string) (string, bool) { return "", false }

func TestParse_Sample(t *testing.T) {
	cfg, err := config.Parse([]byte(sample), noEnv)
	require.NoError(t, err)

	assert.Equal(t, "acme/widgets", cfg.Repository)
	assert.Equal(t, []string{"alice", "bob"}, cfg.Authorization.AllowedActors)
	assert.Equal(t, []string{"Approved"}, cfg.Authorization.Verbs, "default verb kept")
	assert.Equal(t, 3, cfg.Authorization.RateLimit.Quota)
	assert.Equal(t, 30*time.Minute, cfg.Authorization.RateLimit.Window)
	assert.Equal(t, 2*time.Second, cfg.Monitor.Interval)
	assert.Equal(t, []string{"[bot]"}, cfg.Monitor.BotSuffixes)
	assert.Equal(t, config.PinAncestor, cfg.Orchestrator.PinMode)
	require.Len(t, cfg.Providers, 2)
	assert.Equal(t, 30*time.Second, cfg.Providers[1].Timeout)
	assert.Equal(t, archive.KindS3, cfg.Archive.Kind)
	assert.Equal(t, "receipts", cfg.Archive.Bucket)
}

func TestParse_SchemaViolations(t *testing.T) {
	cases := map[string]string{
		"unknown key":      "version: 1.0.0\nrepository: a/b\nbogus: true\n",
		"bad repository":   "version: 1.0.0\nrepository: widgets\n",
		"bad duration":     "version: 1.0.0\nrepository: a/b\nmonitor: {interval: soon}\n",
		"bad provider":     "version: 1.0.0\nrepository: a/b\nproviders: [{name: x, kind: shell, keyword: X}]\n",
		"keyword brackets": "version: 1.0.0\nrepository: a/b\nproviders: [{name: x, kind: stdio, keyword: '[X]'}]\n",
		"missing version":  "repository: a/b\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := config.Parse([]byte(doc), noEnv)
			assert.ErrorContains(t, err, "schema violation")
		})
	}
}

func TestParse_UnsupportedVersion(t *testing.T) {
	_, err := config.Parse([]byte("version: 2.0.0\nrepository: a/b\n"), noEnv)
	assert.ErrorContains(t, err, "not supported")

	_, err = config.Parse([]byte("version: latest\nrepository: a/b\n"), noEnv)
	assert.ErrorContains(t, err, "config version")
}

func TestParse_CrossFieldValidation(t *testing.T) {
	doc := `
version: 1.0.0
repository: a/b
authorization:
  generic_alias: Gen
  ledger: {backend: redis}
providers:
  - {name: one, kind: stdio, keyword: Gen, command: x}
  - {name: two, kind: chat, keyword: Gen}
store: {kind: sqlite}
`
	_, err := config.Parse([]byte(doc), noEnv)
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "allowed_actors must not be empty")
	assert.Contains(t, msg, "redis_addr is required")
	assert.Contains(t, msg, `duplicate keyword "Gen"`)
	assert.Contains(t, msg, "base_url and model are required")
	assert.Contains(t, msg, "collides with a provider keyword")
	assert.Contains(t, msg, "store.dsn is required")
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gatekeeper.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	t.Setenv("GATEKEEPER_ALLOWED_ACTORS", "carol, dave ,")
	t.Setenv("GATEKEEPER_RATE_WINDOW", "2h")
	t.Setenv("GATEKEEPER_PIN_MODE", "exact")
	t.Setenv("GATEKEEPER_STORE", "postgres")
	t.Setenv("GATEKEEPER_STORE_DSN", "postgres://localhost/gk")
	t.Setenv("GATEKEEPER_OBSERVABILITY_ENABLED", "true")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"carol", "dave"}, cfg.Authorization.AllowedActors)
	assert.Equal(t, 2*time.Hour, cfg.Authorization.RateLimit.Window)
	assert.Equal(t, config.PinExact, cfg.Orchestrator.PinMode)
	assert.Equal(t, "postgres", cfg.Store.Kind)
	assert.True(t, cfg.Observability.Enabled)
}

func TestLoad_BadEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gatekeeper.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))
	t.Setenv("GATEKEEPER_RATE_QUOTA", "many")

	_, err := config.Load(path)
	assert.ErrorContains(t, err, "GATEKEEPER_RATE_QUOTA")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorContains(t, err, "read config")
}
