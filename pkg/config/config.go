// Package config loads the gatekeeper configuration file.
//
// Loading is fail-closed: the YAML document is validated against the
// embedded JSON Schema, its version is checked against SupportedVersions,
// GATEKEEPER_* environment variables are applied, and the result is checked
// by Validate. Any failure aborts startup.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/gatekeeper/pkg/archive"
	"github.com/Mindburn-Labs/gatekeeper/pkg/observability"
)

// SupportedVersions is the semver range of configuration files this build
// understands.
const SupportedVersions = ">= 1.0.0, < 2.0.0"

//go:embed schema.json
var schemaJSON []byte

const schemaURL = "https://gatekeeper.schemas.local/config.schema.json"

// Pin modes.
const (
	PinAncestor = "ancestor"
	PinExact    = "exact"
)

// Config is the whole configuration.
type Config struct {
	Version       string               `yaml:"version"`
	Repository    string               `yaml:"repository"`
	Authorization AuthorizationConfig  `yaml:"authorization"`
	Monitor       MonitorConfig        `yaml:"monitor"`
	Safety        SafetyConfig         `yaml:"safety"`
	Orchestrator  OrchestratorConfig   `yaml:"orchestrator"`
	Providers     []ProviderConfig     `yaml:"providers"`
	Platform      PlatformConfig       `yaml:"platform"`
	Store         StoreConfig          `yaml:"store"`
	Archive       archive.Config       `yaml:"archive"`
	Observability observability.Config `yaml:"observability"`
	Server        ServerConfig         `yaml:"server"`
}

// AuthorizationConfig configures the gate and its ledger.
type AuthorizationConfig struct {
	AllowedActors []string        `yaml:"allowed_actors"`
	Verbs         []string        `yaml:"verbs"`
	GenericAlias  string          `yaml:"generic_alias"`
	Admission     string          `yaml:"admission"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
	Ledger        LedgerConfig    `yaml:"ledger"`
}

// RateLimitConfig is the per-actor quota.
type RateLimitConfig struct {
	Quota  int           `yaml:"quota"`
	Window time.Duration `yaml:"window"`
}

// LedgerConfig selects the rate-limit ledger backend.
type LedgerConfig struct {
	Backend     string `yaml:"backend"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisPrefix string `yaml:"redis_prefix"`
}

// MonitorConfig configures comment polling.
type MonitorConfig struct {
	BotSuffixes    []string      `yaml:"bot_suffixes"`
	IgnoredAuthors []string      `yaml:"ignored_authors"`
	Interval       time.Duration `yaml:"interval"`
	Timeout        time.Duration `yaml:"timeout"`
}

// SafetyConfig configures the validator and the secrets it masks.
type SafetyConfig struct {
	MinSecretLength int `yaml:"min_secret_length"`
	// Secrets are environment variable names whose values are masked.
	Secrets  []string        `yaml:"secrets"`
	Patterns []PatternConfig `yaml:"patterns"`
	Rules    []RuleConfig    `yaml:"rules"`
}

// PatternConfig is an extra secret pattern.
type PatternConfig struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`
}

// RuleConfig is an extra formatting rule.
type RuleConfig struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`
	Reason  string `yaml:"reason"`
}

// OrchestratorConfig configures runs.
type OrchestratorConfig struct {
	ProviderTimeout time.Duration `yaml:"provider_timeout"`
	PinMode         string        `yaml:"pin_mode"`
	Workers         int           `yaml:"workers"`
	// BotIdentity is the account gatekeeper comments as. It is never treated
	// as a trigger source.
	BotIdentity string `yaml:"bot_identity"`
}

// ProviderConfig declares one capability provider.
type ProviderConfig struct {
	Name     string `yaml:"name"`
	Kind     string `yaml:"kind"`
	Keyword  string `yaml:"keyword"`
	Priority int    `yaml:"priority"`

	// stdio
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Env     []string `yaml:"env"`

	// chat
	BaseURL   string `yaml:"base_url"`
	APIKeyEnv string `yaml:"api_key_env"`
	Model     string `yaml:"model"`

	// wasm
	Module           string        `yaml:"module"`
	MemoryLimitBytes int64         `yaml:"memory_limit_bytes"`
	Timeout          time.Duration `yaml:"timeout"`
}

// PlatformConfig selects the hosting platform.
type PlatformConfig struct {
	Kind              string  `yaml:"kind"`
	BaseURL           string  `yaml:"base_url"`
	DefaultBranch     string  `yaml:"default_branch"`
	TokenEnv          string  `yaml:"token_env"`
	AppID             int64   `yaml:"app_id"`
	InstallationID    int64   `yaml:"installation_id"`
	PrivateKeyFile    string  `yaml:"private_key_file"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// StoreConfig selects the receipt store.
type StoreConfig struct {
	Kind string `yaml:"kind"`
	DSN  string `yaml:"dsn"`
}

// ServerConfig configures the HTTP entry point.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// Defaults returns a configuration with every optional field set.
func Defaults() *Config {
	obs := observability.DefaultConfig()
	return &Config{
		Version: "1.0.0",
		Authorization: AuthorizationConfig{
			Verbs:     []string{"Approved"},
			RateLimit: RateLimitConfig{Quota: 5, Window: time.Hour},
			Ledger:    LedgerConfig{Backend: "memory"},
		},
		Monitor: MonitorConfig{
			BotSuffixes: []string{"[bot]"},
			Interval:    5 * time.Second,
			Timeout:     10 * time.Minute,
		},
		Safety: SafetyConfig{MinSecretLength: 8},
		Orchestrator: OrchestratorConfig{
			ProviderTimeout: 5 * time.Minute,
			PinMode:         PinAncestor,
			Workers:         4,
			BotIdentity:     "gatekeeper[bot]",
		},
		Platform:      PlatformConfig{Kind: "github", DefaultBranch: "main", TokenEnv: "GITHUB_TOKEN"},
		Store:         StoreConfig{Kind: "none"},
		Archive:       archive.Config{Kind: archive.KindNone},
		Observability: *obs,
		Server:        ServerConfig{Addr: ":8080"},
	}
}

// Load reads, validates and resolves the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator supplied path
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data, os.LookupEnv)
}

// Parse validates data and applies environment overrides from lookup.
func Parse(data []byte, lookup func(string) (string, bool)) (*Config, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := validateSchema(doc); err != nil {
		return nil, err
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := checkVersion(cfg.Version); err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func validateSchema(doc any) error {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
			schemaErr = fmt.Errorf("config schema load failed: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(schemaURL)
	})
	if schemaErr != nil {
		return schemaErr
	}

	// Round-trip through JSON so numbers reach the validator as json.Number.
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("config is not representable as JSON: %w", err)
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("config is not representable as JSON: %w", err)
	}
	if err := compiledSchema.Validate(v); err != nil {
		return fmt.Errorf("config schema violation: %w", err)
	}
	return nil
}

func checkVersion(v string) error {
	version, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("config version %q: %w", v, err)
	}
	constraint, err := semver.NewConstraint(SupportedVersions)
	if err != nil {
		return err
	}
	if !constraint.Check(version) {
		return fmt.Errorf("config version %s is not supported (want %s)", version, SupportedVersions)
	}
	return nil
}

// Validate checks cross-field constraints the schema cannot express.
func (c *Config) Validate() error {
	var errs []error
	if strings.Count(c.Repository, "/") != 1 {
		errs = append(errs, fmt.Errorf("repository must be owner/name, got %q", c.Repository))
	}
	if len(c.Authorization.AllowedActors) == 0 {
		errs = append(errs, errors.New("authorization.allowed_actors must not be empty"))
	}
	if c.Authorization.RateLimit.Quota <= 0 || c.Authorization.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("authorization.rate_limit needs a positive quota and window"))
	}
	if c.Authorization.Ledger.Backend == "redis" && c.Authorization.Ledger.RedisAddr == "" {
		errs = append(errs, errors.New("authorization.ledger.redis_addr is required for the redis backend"))
	}
	if c.Monitor.Interval <= 0 || c.Monitor.Timeout < c.Monitor.Interval {
		errs = append(errs, errors.New("monitor.timeout must be at least one positive interval"))
	}
	if c.Orchestrator.PinMode != PinAncestor && c.Orchestrator.PinMode != PinExact {
		errs = append(errs, fmt.Errorf("orchestrator.pin_mode %q is not ancestor or exact", c.Orchestrator.PinMode))
	}
	keywords := make(map[string]struct{}, len(c.Providers))
	for _, p := range c.Providers {
		if _, dup := keywords[p.Keyword]; dup {
			errs = append(errs, fmt.Errorf("providers: duplicate keyword %q", p.Keyword))
		}
		keywords[p.Keyword] = struct{}{}
		switch p.Kind {
		case "stdio":
			if p.Command == "" {
				errs = append(errs, fmt.Errorf("provider %s: command is required", p.Name))
			}
		case "chat":
			if p.BaseURL == "" || p.Model == "" {
				errs = append(errs, fmt.Errorf("provider %s: base_url and model are required", p.Name))
			}
		case "wasm":
			if p.Module == "" {
				errs = append(errs, fmt.Errorf("provider %s: module is required", p.Name))
			}
		}
	}
	if _, clash := keywords[c.Authorization.GenericAlias]; clash && c.Authorization.GenericAlias != "" {
		errs = append(errs, fmt.Errorf("generic_alias %q collides with a provider keyword", c.Authorization.GenericAlias))
	}
	if (c.Store.Kind == "sqlite" || c.Store.Kind == "postgres") && c.Store.DSN == "" {
		errs = append(errs, fmt.Errorf("store.dsn is required for %s", c.Store.Kind))
	}
	return errors.Join(errs...)
}
