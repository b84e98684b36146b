package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix prefixes every override variable.
const EnvPrefix = "GATEKEEPER_"

// ApplyEnv overrides fields from GATEKEEPER_* variables. List values are
// comma separated.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	get := func(name string) (string, bool) {
		v, ok := lookup(EnvPrefix + name)
		if !ok || v == "" {
			return "", false
		}
		return v, true
	}

	str := func(name string, dst *string) {
		if v, ok := get(name); ok {
			*dst = v
		}
	}
	list := func(name string, dst *[]string) {
		if v, ok := get(name); ok {
			*dst = splitList(v)
		}
	}
	var errs []string
	integer := func(name string, dst *int) {
		if v, ok := get(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, EnvPrefix+name+": "+err.Error())
				return
			}
			*dst = n
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := get(name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, EnvPrefix+name+": "+err.Error())
				return
			}
			*dst = d
		}
	}

	str("REPOSITORY", &c.Repository)
	list("ALLOWED_ACTORS", &c.Authorization.AllowedActors)
	str("GENERIC_ALIAS", &c.Authorization.GenericAlias)
	integer("RATE_QUOTA", &c.Authorization.RateLimit.Quota)
	duration("RATE_WINDOW", &c.Authorization.RateLimit.Window)
	str("LEDGER_BACKEND", &c.Authorization.Ledger.Backend)
	str("REDIS_ADDR", &c.Authorization.Ledger.RedisAddr)
	duration("POLL_INTERVAL", &c.Monitor.Interval)
	duration("POLL_TIMEOUT", &c.Monitor.Timeout)
	list("SECRETS", &c.Safety.Secrets)
	str("PIN_MODE", &c.Orchestrator.PinMode)
	integer("WORKERS", &c.Orchestrator.Workers)
	duration("PROVIDER_TIMEOUT", &c.Orchestrator.ProviderTimeout)
	str("PLATFORM", &c.Platform.Kind)
	str("GITHUB_BASE_URL", &c.Platform.BaseURL)
	str("STORE", &c.Store.Kind)
	str("STORE_DSN", &c.Store.DSN)
	str("OTLP_ENDPOINT", &c.Observability.OTLPEndpoint)
	str("SERVER_ADDR", &c.Server.Addr)

	if v, ok := get("OBSERVABILITY_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, EnvPrefix+"OBSERVABILITY_ENABLED: "+err.Error())
		} else {
			c.Observability.Enabled = b
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment overrides: %s", strings.Join(errs, "; "))
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
