// Package authz implements the authorization gate: it decides whether a
// trigger event may start an automated run.
//
// Checks run in a fixed order and the rate-limit ledger is touched only by
// events that pass every other check, so malformed or unauthorized comments
// cannot exhaust an actor's quota.
package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/Mindburn-Labs/gatekeeper/pkg/contracts"
	"github.com/Mindburn-Labs/gatekeeper/pkg/ratelimit"
)

// DefaultVerb is the trigger verb accepted when none is configured.
const DefaultVerb = "Approved"

// Config is the static authorization configuration. It is built once at
// startup and passed to NewGate.
type Config struct {
	AllowedActors []string
	Repository    string
	Verbs         []string
	// Keywords are the capability names accepted in a trigger phrase.
	Keywords []string
	// GenericAlias, when set, is accepted in place of a keyword and lets the
	// registry pick the provider.
	GenericAlias string
	// Admission is an optional CEL expression over `event`.
	Admission string
	RateLimit ratelimit.Policy
}

// Gate authorizes trigger events.
type Gate struct {
	actors    map[string]struct{}
	repo      string
	verbs     map[string]struct{}
	keywords  map[string]struct{}
	alias     string
	admission *admissionRule
	policy    ratelimit.Policy
	ledger    ratelimit.Ledger
	logger    *slog.Logger
}

// NewGate builds a gate. A nil ledger is a configuration error.
func NewGate(cfg Config, ledger ratelimit.Ledger) (*Gate, error) {
	if ledger == nil {
		return nil, errors.New("authz: a rate-limit ledger is required")
	}
	if cfg.Repository == "" {
		return nil, errors.New("authz: target repository is required")
	}
	if err := cfg.RateLimit.Validate(); err != nil {
		return nil, fmt.Errorf("authz: %w", err)
	}

	g := &Gate{
		actors:   toSet(cfg.AllowedActors),
		repo:     cfg.Repository,
		verbs:    toSet(cfg.Verbs),
		keywords: toSet(cfg.Keywords),
		alias:    cfg.GenericAlias,
		policy:   cfg.RateLimit,
		ledger:   ledger,
		logger:   slog.Default().With("component", "authz"),
	}
	if len(g.verbs) == 0 {
		g.verbs[DefaultVerb] = struct{}{}
	}
	if cfg.Admission != "" {
		rule, err := compileAdmission(cfg.Admission)
		if err != nil {
			return nil, fmt.Errorf("authz: %w", err)
		}
		g.admission = rule
	}
	return g, nil
}

// WithLogger overrides the gate logger.
func (g *Gate) WithLogger(logger *slog.Logger) *Gate {
	g.logger = logger.With("component", "authz")
	return g
}

// IsAllowedActor reports whether actor is on the static allow-list.
func (g *Gate) IsAllowedActor(actor string) bool {
	_, ok := g.actors[actor]
	return ok
}

// Authorize evaluates event and returns exactly one decision. It is
// synchronous and never retries.
func (g *Gate) Authorize(ctx context.Context, event contracts.TriggerEvent) contracts.AuthorizationDecision {
	trig, ok := g.ParseTrigger(event.RawText)
	if !ok {
		return contracts.AuthorizationDecision{Reason: contracts.ReasonNoTrigger}
	}
	deny := func(reason contracts.Reason) contracts.AuthorizationDecision {
		g.logger.InfoContext(ctx, "trigger denied",
			"actor", event.Actor,
			"repository", event.Repository,
			"surface_id", event.SurfaceID,
			"reason", reason,
		)
		return contracts.AuthorizationDecision{
			Reason:         reason,
			Verb:           trig.Verb,
			MatchedKeyword: trig.Keyword,
			Capability:     trig.Capability,
		}
	}

	if !g.IsAllowedActor(event.Actor) {
		return deny(contracts.ReasonUnauthorized)
	}
	if event.Repository != g.repo {
		return deny(contracts.ReasonWrongRepository)
	}
	if g.admission != nil {
		allowed, err := g.admission.allows(admissionInput(event, trig))
		if err != nil {
			g.logger.WarnContext(ctx, "admission rule failed, denying", "error", err)
		}
		if err != nil || !allowed {
			return deny(contracts.ReasonPolicyDenied)
		}
	}

	res, err := g.ledger.Reserve(ctx, event.Actor, g.policy)
	if err != nil {
		// Quota cannot be proven; fail closed.
		g.logger.ErrorContext(ctx, "rate-limit ledger unavailable", "error", err)
		return deny(contracts.ReasonRateLimited)
	}
	if !res.Allowed {
		g.logger.WarnContext(ctx, "rate limit exceeded",
			"actor", event.Actor,
			"used", res.Used,
			"retry_after", res.RetryAfter,
		)
		return deny(contracts.ReasonRateLimited)
	}

	return contracts.AuthorizationDecision{
		Allowed:        true,
		Reason:         contracts.ReasonAuthorized,
		Verb:           trig.Verb,
		MatchedKeyword: trig.Keyword,
		Capability:     trig.Capability,
	}
}

// Trigger is a parsed trigger phrase.
type Trigger struct {
	Verb    string
	Keyword string
	// Capability is the requested provider keyword, empty for the generic
	// alias.
	Capability string
}

var triggerPattern = regexp.MustCompile(`\[([^\[\]\s]+)\]\[([^\[\]\s]+)\]`)

// ParseTrigger finds the first well-formed trigger phrase in text. Verbs are
// matched case-sensitively, keywords exactly.
func (g *Gate) ParseTrigger(text string) (Trigger, bool) {
	for _, m := range triggerPattern.FindAllStringSubmatch(text, -1) {
		verb, kw := m[1], m[2]
		if _, ok := g.verbs[verb]; !ok {
			continue
		}
		if _, ok := g.keywords[kw]; ok {
			return Trigger{Verb: verb, Keyword: kw, Capability: kw}, true
		}
		if g.alias != "" && kw == g.alias {
			return Trigger{Verb: verb, Keyword: kw}, true
		}
	}
	return Trigger{}, false
}

// HasTrigger reports whether text carries a well-formed trigger phrase. It
// checks nothing else and reserves no quota.
func (g *Gate) HasTrigger(text string) bool {
	_, ok := g.ParseTrigger(text)
	return ok
}

func admissionInput(event contracts.TriggerEvent, trig Trigger) map[string]any {
	return map[string]any{
		"actor":      event.Actor,
		"repository": event.Repository,
		"surface":    string(event.Surface),
		"surface_id": int64(event.SurfaceID),
		"capability": trig.Keyword,
		"verb":       trig.Verb,
	}
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v != "" {
			set[v] = struct{}{}
		}
	}
	return set
}
