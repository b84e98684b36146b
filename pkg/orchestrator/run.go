package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/gatekeeper/pkg/capabilities"
	"github.com/Mindburn-Labs/gatekeeper/pkg/contracts"
	"github.com/Mindburn-Labs/gatekeeper/pkg/platform"
	"github.com/Mindburn-Labs/gatekeeper/pkg/retry"
)

const securityNotice = "Security check failed: new commits were detected on this branch after approval. " +
	"Nothing was pushed; a fresh approval is required."

// run drives one trigger event through the state machine. It always returns
// a terminal outcome and records a receipt for it.
func (o *Orchestrator) run(ctx context.Context, ev contracts.TriggerEvent, surface contracts.Surface, approvalCommit string) (outcome contracts.RunOutcome) {
	rc := &contracts.RunReceipt{
		RunID:          o.newRunID(),
		SurfaceID:      ev.SurfaceID,
		Repository:     ev.Repository,
		Actor:          ev.Actor,
		State:          contracts.StateReceived,
		ApprovalCommit: approvalCommit,
		StartedAt:      o.clock(),
	}
	logger := o.logger.With("run_id", rc.RunID, "surface_id", ev.SurfaceID, "actor", ev.Actor)
	ctx, done := o.obs.TrackOperation(ctx, "orchestrator.run",
		attribute.String("repository", ev.Repository),
		attribute.Int("surface_id", ev.SurfaceID),
	)
	defer func() {
		outcome.RunID = rc.RunID
		o.finish(ctx, rc, outcome)
		var err error
		if outcome.Kind == contracts.OutcomeRejected {
			err = errors.New(outcome.Reason)
		}
		done(err)
	}()

	decision := o.gate.Authorize(ctx, ev)
	o.obs.RecordDecision(ctx, string(decision.Reason), decision.Allowed)
	if !decision.Allowed {
		if decision.Reason == contracts.ReasonNoTrigger {
			return contracts.NoAction(string(contracts.ReasonNoTrigger))
		}
		logger.InfoContext(ctx, "trigger denied", "error", decision.Err())
		return o.reject(ctx, rc, string(decision.Reason), denialMessage(ev.Actor, decision.Reason))
	}

	rc.State = contracts.StateAuthorized
	approval := contracts.ApprovalRecord{
		SurfaceID:      ev.SurfaceID,
		ApprovedBy:     ev.Actor,
		ApprovalCommit: approvalCommit,
		ApprovedAt:     ev.ObservedAt,
	}
	logger.InfoContext(ctx, "trigger approved", "verb", decision.Verb, "keyword", decision.MatchedKeyword, "approval_commit", approval.ApprovalCommit)

	provider, ok := o.provider(decision.Capability)
	if !ok {
		return o.reject(ctx, rc, ReasonProviderUnavailable,
			fmt.Sprintf("No capability provider is available for [%s]. Nothing was changed.", decision.MatchedKeyword))
	}
	rc.Capability = provider.Name()

	rc.State = contracts.StateDispatched
	req := o.buildRequest(ctx, rc.RunID, ev, surface, approvalCommit)
	change, err := o.invoke(ctx, provider, req)
	if err != nil {
		logger.WarnContext(ctx, "provider failed", "provider", provider.Name(), "error", err)
		return o.reject(ctx, rc, ReasonProviderError,
			fmt.Sprintf("The %s provider %s (run %s). Nothing was pushed.", provider.Name(), providerFailure(ctx, err), rc.RunID))
	}
	if err := change.Validate(); err != nil {
		logger.WarnContext(ctx, "provider returned an invalid change", "provider", provider.Name(), "error", err)
		return o.reject(ctx, rc, ReasonInvalidChange,
			fmt.Sprintf("The %s provider returned an unusable change (run %s). Nothing was pushed.", provider.Name(), rc.RunID))
	}
	change, masked := o.maskChange(change)
	if masked {
		logger.WarnContext(ctx, "secrets masked in generated change")
	}
	if rc.ChangeDigest, err = change.Digest(); err != nil {
		return o.reject(ctx, rc, ReasonInvalidChange,
			fmt.Sprintf("The generated change could not be recorded (run %s). Nothing was pushed.", rc.RunID))
	}

	rc.State = contracts.StateAwaitingAncestryCheck
	live, err := o.verifyAncestry(ctx, surface.Branch, approval.ApprovalCommit)
	if err != nil {
		logger.ErrorContext(ctx, "ancestry check failed", "error", err)
		return o.reject(ctx, rc, ReasonAncestryViolation, securityNotice)
	}

	rc.State = contracts.StateVerified
	sha, reason, err := o.publish(ctx, rc, surface.Branch, live, change)
	if err != nil {
		logger.ErrorContext(ctx, "publish failed", "branch", surface.Branch, "error", err)
		return o.reject(ctx, rc, reason,
			fmt.Sprintf("The change could not be published to %s (run %s).", surface.Branch, rc.RunID))
	}

	rc.State = contracts.StatePublished
	rc.PublishedCommit = sha
	o.post(ctx, rc, fmt.Sprintf("Published %s to %s using %s.", sha, surface.Branch, provider.Name()))
	return contracts.Published(sha)
}

func (o *Orchestrator) provider(capability string) (capabilities.Provider, bool) {
	if capability == "" {
		return o.registry.Default()
	}
	return o.registry.Resolve(capability)
}

// invoke calls the provider with a per-attempt deadline, retrying transient
// failures.
func (o *Orchestrator) invoke(ctx context.Context, p capabilities.Provider, req capabilities.Request) (*contracts.GeneratedChange, error) {
	var change *contracts.GeneratedChange
	ctx, done := o.obs.TrackOperation(ctx, "provider.invoke", attribute.String("provider", p.Name()))
	err := retry.Do(ctx, o.cfg.ProviderRetry, retry.Params{Scope: "provider", Key: req.RunID}, retryableProvider,
		func(ctx context.Context) error {
			attemptCtx, cancel := context.WithTimeout(ctx, o.cfg.ProviderTimeout)
			defer cancel()
			c, err := p.Invoke(attemptCtx, req)
			if err != nil {
				return err
			}
			if c == nil {
				return &contracts.ProviderError{Provider: p.Name(), Err: errors.New("empty result")}
			}
			change = c
			return nil
		})
	done(err)
	return change, err
}

// providerFailure names the class of a failed invocation for the user. The
// error text itself can carry backend output and is never included.
func providerFailure(ctx context.Context, err error) string {
	switch {
	case ctx.Err() != nil:
		return "was cancelled before it produced a change"
	case errors.Is(err, context.DeadlineExceeded):
		return "timed out before it produced a change"
	case contracts.IsTransient(err):
		return "hit a transient failure that persisted after retries"
	default:
		return "failed with a permanent error"
	}
}

func retryableProvider(err error) bool {
	return contracts.IsTransient(err) || errors.Is(err, context.DeadlineExceeded)
}

// verifyAncestry returns the live head once approvalCommit is proven to
// still govern it. Anything short of proof is a violation.
func (o *Orchestrator) verifyAncestry(ctx context.Context, branch, approvalCommit string) (string, error) {
	live, err := o.platform.GetBranchHead(ctx, branch)
	if err != nil {
		return "", &contracts.AncestrySecurityViolation{ApprovalCommit: approvalCommit, Err: err}
	}
	if approvalCommit == "" {
		return "", &contracts.AncestrySecurityViolation{Head: live, Err: errors.New("no approval commit")}
	}
	if o.cfg.PinMode == PinExact {
		if live != approvalCommit {
			return "", &contracts.AncestrySecurityViolation{ApprovalCommit: approvalCommit, Head: live}
		}
		return live, nil
	}
	ok, err := o.platform.IsAncestor(ctx, approvalCommit, live)
	if err != nil {
		return "", &contracts.AncestrySecurityViolation{ApprovalCommit: approvalCommit, Head: live, Err: err}
	}
	if !ok {
		return "", &contracts.AncestrySecurityViolation{ApprovalCommit: approvalCommit, Head: live}
	}
	return live, nil
}

// publish tags the live head, pushes on top of it and confirms the remote
// moved to the pushed commit. The returned reason is set on failure.
func (o *Orchestrator) publish(ctx context.Context, rc *contracts.RunReceipt, branch, live string, change *contracts.GeneratedChange) (string, string, error) {
	ctx, done := o.obs.TrackOperation(ctx, "platform.publish", attribute.String("branch", branch))
	var err error
	defer func() { done(err) }()

	tag := fmt.Sprintf("%s%d-%s", backupTagPrefix, rc.SurfaceID, shortID(rc.RunID))
	if err = o.platform.CreateBackupTag(ctx, tag, live); err != nil {
		return "", ReasonPublishFailed, &contracts.TransportError{Op: "create_backup_tag", Err: err}
	}
	sha, err := o.platform.Push(ctx, branch, live, change)
	if err != nil {
		if errors.Is(err, platform.ErrNotFastForward) {
			o.logger.WarnContext(ctx, "branch moved during push", "branch", branch)
		}
		err = &contracts.TransportError{Op: "push", Err: err}
		return "", ReasonPublishFailed, err
	}
	head, err := o.platform.GetBranchHead(ctx, branch)
	if err != nil {
		err = &contracts.TransportError{Op: "get_branch_head", Err: err}
		return "", ReasonPushVerification, err
	}
	if head != sha {
		err = &contracts.PushVerificationError{Expected: sha, Actual: head}
		return "", ReasonPushVerification, err
	}
	return sha, "", nil
}

// reject moves the run to Rejected and posts exactly one comment.
func (o *Orchestrator) reject(ctx context.Context, rc *contracts.RunReceipt, reason, message string) contracts.RunOutcome {
	rc.State = contracts.StateRejected
	rc.Reason = reason
	o.post(ctx, rc, message)
	return contracts.Rejected(reason)
}

// post validates body and comments it. A denied body is replaced by a notice
// carrying only the run ID. Posting failures are logged; they never change
// the outcome.
func (o *Orchestrator) post(ctx context.Context, rc *contracts.RunReceipt, body string) {
	verdict := o.validator.Validate(body, o.cfg.Secrets)
	o.obs.RecordVerdict(ctx, string(verdict.Decision), verdict.Rule)
	payload, ok := verdict.Payload(body)
	if !ok {
		o.logger.WarnContext(ctx, "outbound comment denied",
			"run_id", rc.RunID, "error", &contracts.ValidationDenial{Rule: verdict.Rule, Reason: verdict.Reason})
		payload = fmt.Sprintf("Run %s finished with status %s. Details were withheld by the output policy.", rc.RunID, rc.State)
	}
	if err := o.platform.PostComment(ctx, rc.SurfaceID, payload); err != nil {
		o.logger.ErrorContext(ctx, "post comment failed", "run_id", rc.RunID, "error", err)
	}
}

func (o *Orchestrator) finish(ctx context.Context, rc *contracts.RunReceipt, outcome contracts.RunOutcome) {
	rc.Outcome = outcome.Kind
	if rc.Reason == "" {
		rc.Reason = outcome.Reason
	}
	rc.FinishedAt = o.clock()
	o.obs.RecordOutcome(ctx, string(outcome.Kind), outcome.Reason)

	// Receipts outlive the request; a cancelled run is still recorded.
	ctx = context.WithoutCancel(ctx)
	if o.receipts != nil {
		if err := o.receipts.Store(ctx, rc); err != nil {
			o.logger.ErrorContext(ctx, "store receipt failed", "run_id", rc.RunID, "error", err)
		}
	}
	if o.archive != nil {
		if _, err := o.archive.Archive(ctx, rc); err != nil {
			o.logger.ErrorContext(ctx, "archive receipt failed", "run_id", rc.RunID, "error", err)
		}
	}
	o.logger.InfoContext(ctx, "run finished",
		"run_id", rc.RunID,
		"surface_id", rc.SurfaceID,
		"outcome", outcome.Kind,
		"reason", outcome.Reason,
		"state", rc.State,
	)
}

func denialMessage(actor string, reason contracts.Reason) string {
	switch reason {
	case contracts.ReasonRateLimited:
		return fmt.Sprintf("@%s the approval quota for this window is used up. Try again later.", actor)
	case contracts.ReasonWrongRepository:
		return "This trigger does not target the configured repository. Nothing was run."
	case contracts.ReasonPolicyDenied:
		return "This request is not admitted by the repository policy. Nothing was run."
	default:
		return fmt.Sprintf("@%s is not allowed to trigger code generation here.", actor)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
