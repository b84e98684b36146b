package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/gatekeeper/pkg/archive"
	"github.com/Mindburn-Labs/gatekeeper/pkg/authz"
	"github.com/Mindburn-Labs/gatekeeper/pkg/capabilities"
	"github.com/Mindburn-Labs/gatekeeper/pkg/config"
	"github.com/Mindburn-Labs/gatekeeper/pkg/monitor"
	"github.com/Mindburn-Labs/gatekeeper/pkg/observability"
	"github.com/Mindburn-Labs/gatekeeper/pkg/orchestrator"
	"github.com/Mindburn-Labs/gatekeeper/pkg/platform"
	"github.com/Mindburn-Labs/gatekeeper/pkg/platform/github"
	"github.com/Mindburn-Labs/gatekeeper/pkg/platform/memory"
	"github.com/Mindburn-Labs/gatekeeper/pkg/ratelimit"
	"github.com/Mindburn-Labs/gatekeeper/pkg/safety"
	"github.com/Mindburn-Labs/gatekeeper/pkg/store"
)

// app is the fully wired runtime.
type app struct {
	orch     *orchestrator.Orchestrator
	receipts store.ReceiptStore
	obs      *observability.Provider
	closers  []func(context.Context) error
}

// Close releases everything build acquired, newest first.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](ctx))
	}
	return errors.Join(errs...)
}

func (a *app) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// build wires cfg into an orchestrator. Every dependency is checked at
// startup; a misconfigured component aborts instead of degrading.
func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()

	a.obs, err = observability.New(ctx, &cfg.Observability)
	if err != nil {
		return nil, err
	}
	a.onClose(a.obs.Shutdown)

	ledger, err := buildLedger(ctx, cfg, a)
	if err != nil {
		return nil, err
	}

	registry, err := buildRegistry(ctx, cfg, a)
	if err != nil {
		return nil, err
	}

	gate, err := authz.NewGate(authz.Config{
		AllowedActors: cfg.Authorization.AllowedActors,
		Repository:    cfg.Repository,
		Verbs:         cfg.Authorization.Verbs,
		Keywords:      registry.Keywords(),
		GenericAlias:  cfg.Authorization.GenericAlias,
		Admission:     cfg.Authorization.Admission,
		RateLimit:     ratelimit.Policy{Quota: cfg.Authorization.RateLimit.Quota, Window: cfg.Authorization.RateLimit.Window},
	}, ledger)
	if err != nil {
		return nil, err
	}
	gate.WithLogger(logger)

	validator, err := buildValidator(cfg.Safety)
	if err != nil {
		return nil, err
	}

	p, err := buildPlatform(cfg)
	if err != nil {
		return nil, err
	}

	mon := monitor.New(p, monitor.Config{
		AllowedActors:  cfg.Authorization.AllowedActors,
		BotSuffixes:    cfg.Monitor.BotSuffixes,
		IgnoredAuthors: append([]string{cfg.Orchestrator.BotIdentity}, cfg.Monitor.IgnoredAuthors...),
		Interval:       cfg.Monitor.Interval,
		Timeout:        cfg.Monitor.Timeout,
	}).WithLogger(logger)

	a.orch, err = orchestrator.New(p, gate, registry, mon, validator, orchestrator.Config{
		ProviderTimeout: cfg.Orchestrator.ProviderTimeout,
		PinMode:         orchestrator.PinMode(cfg.Orchestrator.PinMode),
		Secrets:         safety.LoadSecrets(secretNames(cfg)...),
	})
	if err != nil {
		return nil, err
	}
	a.orch.WithLogger(logger).WithObservability(a.obs)

	if a.receipts, err = buildStore(ctx, cfg.Store, a); err != nil {
		return nil, err
	}
	if a.receipts != nil {
		a.orch.WithReceipts(a.receipts)
	}

	sink, err := archive.New(ctx, cfg.Archive)
	if err != nil {
		return nil, err
	}
	if sink != nil {
		a.onClose(func(context.Context) error { return sink.Close() })
		a.orch.WithArchive(sink)
	}
	return a, nil
}

func buildLedger(ctx context.Context, cfg *config.Config, a *app) (ratelimit.Ledger, error) {
	if cfg.Authorization.Ledger.Backend != "redis" {
		return ratelimit.NewMemoryLedger(), nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Authorization.Ledger.RedisAddr})
	a.onClose(func(context.Context) error { return client.Close() })
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("rate-limit ledger: %w", err)
	}
	return ratelimit.NewRedisLedger(client, cfg.Authorization.Ledger.RedisPrefix), nil
}

func buildRegistry(ctx context.Context, cfg *config.Config, a *app) (*capabilities.Registry, error) {
	reg := capabilities.NewRegistry()
	for _, pc := range cfg.Providers {
		info := capabilities.Info{Name: pc.Name, Keyword: pc.Keyword, Priority: pc.Priority}
		var p capabilities.Provider
		switch pc.Kind {
		case "stdio":
			p = capabilities.NewStdioProvider(info, pc.Command, pc.Args, pc.Env)
		case "chat":
			var key string
			if pc.APIKeyEnv != "" {
				key = os.Getenv(pc.APIKeyEnv)
			}
			p = capabilities.NewChatProvider(info, pc.BaseURL, key, pc.Model)
		case "wasm":
			w, err := capabilities.NewWasmProviderFromFile(ctx, info, pc.Module, capabilities.WasmLimits{
				MemoryLimitBytes: pc.MemoryLimitBytes,
				Timeout:          pc.Timeout,
			})
			if err != nil {
				return nil, err
			}
			a.onClose(w.Close)
			p = w
		default:
			return nil, fmt.Errorf("provider %s: unknown kind %q", pc.Name, pc.Kind)
		}
		if err := reg.Register(p); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func buildValidator(sc config.SafetyConfig) (*safety.Validator, error) {
	vc := safety.Config{MinSecretLength: sc.MinSecretLength}
	if len(sc.Patterns) > 0 {
		vc.Patterns = safety.DefaultPatterns()
		for _, pc := range sc.Patterns {
			p, err := safety.NewPattern(pc.Name, pc.Pattern)
			if err != nil {
				return nil, err
			}
			vc.Patterns = append(vc.Patterns, p)
		}
	}
	for _, rc := range sc.Rules {
		r, err := safety.NewRegexRule(rc.Name, rc.Pattern, rc.Reason)
		if err != nil {
			return nil, err
		}
		vc.Rules = append(vc.Rules, r)
	}
	return safety.NewValidator(vc), nil
}

// secretNames adds the credentials gatekeeper itself holds to the configured
// secret sources, so they are masked without being listed twice.
func secretNames(cfg *config.Config) []string {
	names := append([]string(nil), cfg.Safety.Secrets...)
	if cfg.Platform.Kind == "github" && cfg.Platform.TokenEnv != "" {
		names = append(names, cfg.Platform.TokenEnv)
	}
	for _, p := range cfg.Providers {
		if p.APIKeyEnv != "" {
			names = append(names, p.APIKeyEnv)
		}
	}
	return names
}

func buildPlatform(cfg *config.Config) (platform.Platform, error) {
	pc := cfg.Platform
	if pc.Kind == "memory" {
		return memory.New(cfg.Repository, pc.DefaultBranch), nil
	}

	var tokens github.TokenSource
	if pc.AppID != 0 {
		pem, err := os.ReadFile(pc.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("github app key: %w", err)
		}
		src, err := github.NewAppTokenSource(pc.AppID, pc.InstallationID, pem, pc.BaseURL)
		if err != nil {
			return nil, err
		}
		tokens = src
	} else {
		token := os.Getenv(pc.TokenEnv)
		if token == "" {
			return nil, fmt.Errorf("github: %s is not set", pc.TokenEnv)
		}
		tokens = github.StaticToken(token)
	}
	return github.NewClient(github.Config{
		BaseURL:           pc.BaseURL,
		Repository:        cfg.Repository,
		RequestsPerSecond: pc.RequestsPerSecond,
		Burst:             pc.Burst,
	}, tokens)
}

func buildStore(ctx context.Context, sc config.StoreConfig, a *app) (store.ReceiptStore, error) {
	switch sc.Kind {
	case "memory":
		return store.NewMemoryStore(), nil
	case "sqlite":
		s, err := store.OpenSQLite(ctx, sc.DSN)
		if err != nil {
			return nil, err
		}
		a.onClose(func(context.Context) error { return s.Close() })
		return s, nil
	case "postgres":
		s, err := store.OpenPostgres(ctx, sc.DSN)
		if err != nil {
			return nil, err
		}
		a.onClose(func(context.Context) error { return s.Close() })
		return s, nil
	default:
		return nil, nil
	}
}
