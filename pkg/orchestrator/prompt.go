package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/gatekeeper/pkg/capabilities"
	"github.com/Mindburn-Labs/gatekeeper/pkg/contracts"
)

// buildRequest assembles the provider request from the surface, the trigger
// comment and earlier comments by relevant authors. Everything that leaves
// the process is masked.
func (o *Orchestrator) buildRequest(ctx context.Context, runID string, ev contracts.TriggerEvent, surface contracts.Surface, head string) capabilities.Request {
	var b strings.Builder
	fmt.Fprintf(&b, "Repository: %s\n", ev.Repository)
	fmt.Fprintf(&b, "Surface: %s #%d on branch %s at %s\n", ev.Surface, ev.SurfaceID, surface.Branch, head)
	if surface.Title != "" {
		fmt.Fprintf(&b, "Title: %s\n", surface.Title)
	}
	fmt.Fprintf(&b, "Requested by: %s\n\nRequest:\n%s\n", ev.Actor, strings.TrimSpace(ev.RawText))
	if body := strings.TrimSpace(surface.Body); body != "" {
		fmt.Fprintf(&b, "\nDescription:\n%s\n", body)
	}

	prompt, _ := o.validator.Mask(b.String(), o.cfg.Secrets)
	return capabilities.Request{
		RunID:      runID,
		Repository: ev.Repository,
		SurfaceID:  ev.SurfaceID,
		Branch:     surface.Branch,
		HeadCommit: head,
		Prompt:     prompt,
		Feedback:   o.feedback(ctx, ev),
	}
}

// feedback returns prior review comments, oldest first. A failed fetch only
// loses context, so it is logged and the run continues.
func (o *Orchestrator) feedback(ctx context.Context, ev contracts.TriggerEvent) []string {
	comments, err := o.platform.ListComments(ctx, ev.SurfaceID)
	if err != nil {
		o.logger.WarnContext(ctx, "feedback unavailable", "surface_id", ev.SurfaceID, "error", err)
		return nil
	}
	var out []string
	for _, c := range comments {
		if c.ID == ev.CommentID {
			break
		}
		if !o.monitor.Relevant(c.Author) {
			continue
		}
		masked, _ := o.validator.Mask(c.Author+": "+c.Body, o.cfg.Secrets)
		out = append(out, masked)
	}
	return out
}

// maskChange masks secrets in everything a push would publish.
func (o *Orchestrator) maskChange(change *contracts.GeneratedChange) (*contracts.GeneratedChange, bool) {
	out := &contracts.GeneratedChange{Files: make([]contracts.FileChange, len(change.Files))}
	msg, masked := o.validator.Mask(change.CommitMessage, o.cfg.Secrets)
	out.CommitMessage = msg
	for i, f := range change.Files {
		out.Files[i] = f
		if f.Delete {
			continue
		}
		content, hit := o.validator.Mask(f.Content, o.cfg.Secrets)
		out.Files[i].Content = content
		masked = masked || hit
	}
	return out, masked
}
