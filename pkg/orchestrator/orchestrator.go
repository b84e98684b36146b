// Package orchestrator runs the approval-pinned pipeline for one surface:
//
//	Received → Authorized → Dispatched → AwaitingAncestryCheck → Verified → Published
//	                                                             ↘ Rejected
//
// The approval is pinned to the branch head observed before the watch
// started. Nothing is published unless that commit is still an ancestor of
// the live head at the moment of action. Every terminal rejection posts
// exactly one comment, validated like any other outbound payload.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/gatekeeper/pkg/archive"
	"github.com/Mindburn-Labs/gatekeeper/pkg/capabilities"
	"github.com/Mindburn-Labs/gatekeeper/pkg/contracts"
	"github.com/Mindburn-Labs/gatekeeper/pkg/observability"
	"github.com/Mindburn-Labs/gatekeeper/pkg/platform"
	"github.com/Mindburn-Labs/gatekeeper/pkg/retry"
	"github.com/Mindburn-Labs/gatekeeper/pkg/safety"
	"github.com/Mindburn-Labs/gatekeeper/pkg/store"
)

// PinMode selects how strictly the approval commit is compared with the live
// head.
type PinMode string

const (
	// PinAncestor accepts a live head that descends from the approval commit.
	PinAncestor PinMode = "ancestor"
	// PinExact requires the live head to be the approval commit.
	PinExact PinMode = "exact"
)

// Outcome reasons beyond the authorization reasons.
const (
	ReasonSurfaceBusy         = "surface_busy"
	ReasonTimeout             = "timeout"
	ReasonCancelled           = "cancelled"
	ReasonProviderUnavailable = "provider_unavailable"
	ReasonProviderError       = "provider_error"
	ReasonInvalidChange       = "invalid_change"
	ReasonAncestryViolation   = "ancestry_violation"
	ReasonPublishFailed       = "publish_failed"
	ReasonPushVerification    = "push_verification_failed"
)

// DefaultProviderTimeout bounds one provider invocation.
const DefaultProviderTimeout = 5 * time.Minute

const backupTagPrefix = "gatekeeper/backup/"

// Authorizer decides whether a trigger event may run.
type Authorizer interface {
	Authorize(ctx context.Context, event contracts.TriggerEvent) contracts.AuthorizationDecision
	HasTrigger(text string) bool
}

// Resolver looks up capability providers.
type Resolver interface {
	Resolve(keyword string) (capabilities.Provider, bool)
	Default() (capabilities.Provider, bool)
}

// Watcher discovers trigger events on a surface.
type Watcher interface {
	Watch(ctx context.Context, surfaceID int, kind contracts.SurfaceKind, sinceCommit string, timeout time.Duration, accept func(contracts.TriggerEvent) bool) (contracts.TriggerEvent, error)
	Relevant(author string) bool
}

// Config configures an Orchestrator.
type Config struct {
	ProviderTimeout time.Duration
	PinMode         PinMode
	// WatchTimeout bounds ProcessSurface's wait for a trigger. Zero uses the
	// monitor's bound.
	WatchTimeout time.Duration
	// Secrets are masked in every outbound payload.
	Secrets []safety.Secret
	// ProviderRetry defaults to retry.ProviderPolicy.
	ProviderRetry retry.Policy
}

// Orchestrator composes the gate, registry, monitor and validator.
type Orchestrator struct {
	platform  platform.Platform
	gate      Authorizer
	registry  Resolver
	monitor   Watcher
	validator *safety.Validator
	cfg       Config

	locks    *surfaceLocks
	receipts store.ReceiptStore
	archive  archive.Sink
	obs      *observability.Provider
	logger   *slog.Logger
	clock    func() time.Time
	newRunID func() string
}

// New creates an orchestrator. All collaborators are required.
func New(p platform.Platform, gate Authorizer, registry Resolver, mon Watcher, validator *safety.Validator, cfg Config) (*Orchestrator, error) {
	if p == nil || gate == nil || registry == nil || mon == nil || validator == nil {
		return nil, errors.New("orchestrator: platform, gate, registry, monitor and validator are required")
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = DefaultProviderTimeout
	}
	switch cfg.PinMode {
	case "":
		cfg.PinMode = PinAncestor
	case PinAncestor, PinExact:
	default:
		return nil, fmt.Errorf("orchestrator: unknown pin mode %q", cfg.PinMode)
	}
	if cfg.ProviderRetry.MaxAttempts == 0 {
		cfg.ProviderRetry = retry.ProviderPolicy
	}
	return &Orchestrator{
		platform:  p,
		gate:      gate,
		registry:  registry,
		monitor:   mon,
		validator: validator,
		cfg:       cfg,
		locks:     newSurfaceLocks(),
		obs:       observability.Noop(),
		logger:    slog.Default().With("component", "orchestrator"),
		clock:     time.Now,
		newRunID:  uuid.NewString,
	}, nil
}

// WithLogger sets the logger.
func (o *Orchestrator) WithLogger(logger *slog.Logger) *Orchestrator {
	o.logger = logger.With("component", "orchestrator")
	return o
}

// WithClock overrides the clock for deterministic testing.
func (o *Orchestrator) WithClock(clock func() time.Time) *Orchestrator {
	o.clock = clock
	return o
}

// WithReceipts records a receipt for every run.
func (o *Orchestrator) WithReceipts(s store.ReceiptStore) *Orchestrator {
	o.receipts = s
	return o
}

// WithArchive ships every receipt to sink.
func (o *Orchestrator) WithArchive(sink archive.Sink) *Orchestrator {
	o.archive = sink
	return o
}

// WithObservability sets the telemetry provider.
func (o *Orchestrator) WithObservability(p *observability.Provider) *Orchestrator {
	if p != nil {
		o.obs = p
	}
	return o
}

// ProcessSurface waits for a trigger on surfaceID and runs it. A surface that
// is already being processed yields no_action immediately. The returned error
// is non-nil only when the run could not be carried out at all; rejections
// are outcomes, not errors.
func (o *Orchestrator) ProcessSurface(ctx context.Context, surfaceID int) (contracts.RunOutcome, error) {
	release, ok := o.locks.tryLock(surfaceID)
	if !ok {
		o.logger.InfoContext(ctx, "surface busy", "surface_id", surfaceID)
		return contracts.NoAction(ReasonSurfaceBusy), nil
	}
	defer release()

	surface, err := o.platform.ResolveBranch(ctx, surfaceID)
	if err != nil {
		return contracts.NoAction("surface_unresolved"), &contracts.TransportError{Op: "resolve_branch", Err: err}
	}
	// The approval is pinned to the head visible before any comment is read.
	h0, err := o.platform.GetBranchHead(ctx, surface.Branch)
	if err != nil {
		return contracts.NoAction("head_unresolved"), &contracts.TransportError{Op: "get_branch_head", Err: err}
	}

	// Relevant comments without a trigger phrase are passed over; the watch
	// keeps its cursor and moves to the next unseen comment.
	ev, err := o.monitor.Watch(ctx, surfaceID, surface.Kind, h0, o.cfg.WatchTimeout, func(c contracts.TriggerEvent) bool {
		return o.gate.HasTrigger(c.RawText)
	})
	switch {
	case errors.Is(err, contracts.ErrTimeout):
		o.logger.InfoContext(ctx, "no trigger before timeout", "surface_id", surfaceID)
		return contracts.NoAction(ReasonTimeout), nil
	case err != nil && ctx.Err() != nil:
		return contracts.NoAction(ReasonCancelled), ctx.Err()
	case err != nil:
		return contracts.NoAction("watch_failed"), err
	}

	return o.run(ctx, ev, surface, h0), nil
}

// ProcessEvent runs an already observed trigger event against
// approvalCommit.
func (o *Orchestrator) ProcessEvent(ctx context.Context, ev contracts.TriggerEvent, approvalCommit string) (contracts.RunOutcome, error) {
	release, ok := o.locks.tryLock(ev.SurfaceID)
	if !ok {
		return contracts.NoAction(ReasonSurfaceBusy), nil
	}
	defer release()

	surface, err := o.platform.ResolveBranch(ctx, ev.SurfaceID)
	if err != nil {
		return contracts.NoAction("surface_unresolved"), &contracts.TransportError{Op: "resolve_branch", Err: err}
	}
	return o.run(ctx, ev, surface, approvalCommit), nil
}

// Result is the outcome of one surface in ProcessSurfaces.
type Result struct {
	SurfaceID int
	Outcome   contracts.RunOutcome
	Err       error
}

// ProcessSurfaces processes surfaces concurrently with at most workers
// pipelines in flight. Results are in input order. A duplicate id is
// reported as surface_busy by whichever pipeline loses the lock.
func (o *Orchestrator) ProcessSurfaces(ctx context.Context, surfaceIDs []int, workers int) []Result {
	if workers < 1 {
		workers = 1
	}
	results := make([]Result, len(surfaceIDs))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, id := range surfaceIDs {
		g.Go(func() error {
			outcome, err := o.ProcessSurface(gctx, id)
			mu.Lock()
			results[i] = Result{SurfaceID: id, Outcome: outcome, Err: err}
			mu.Unlock()
			// Per-surface failures never cancel the other pipelines.
			return nil
		})
	}
	_ = g.Wait()
	return results
}
