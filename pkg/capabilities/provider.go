// Package capabilities maps trigger keywords to code-generation backends.
//
// Providers are registered once at startup. The registry only looks them up;
// it never substitutes one provider for another.
package capabilities

import (
	"context"

	"github.com/Mindburn-Labs/gatekeeper/pkg/contracts"
)

// Provider is a pluggable code-generation backend.
type Provider interface {
	Name() string
	TriggerKeyword() string
	Priority() int
	// IsAvailable is consulted on every lookup and must be cheap.
	IsAvailable() bool
	// Invoke turns a request into a proposed change. Failures are returned as
	// *contracts.ProviderError.
	Invoke(ctx context.Context, req Request) (*contracts.GeneratedChange, error)
}

// Request is the uniform invocation payload. Prompt and feedback are masked
// before they reach a provider.
type Request struct {
	RunID      string   `json:"run_id"`
	Repository string   `json:"repository"`
	SurfaceID  int      `json:"surface_id"`
	Branch     string   `json:"branch"`
	HeadCommit string   `json:"head_commit"`
	Prompt     string   `json:"prompt"`
	Feedback   []string `json:"feedback,omitempty"`
}

// Info carries the static attributes shared by the concrete providers.
type Info struct {
	Name     string
	Keyword  string
	Priority int
}

// descriptor supplies the static Provider methods to the concrete providers.
type descriptor struct {
	info Info
}

func (d descriptor) Name() string           { return d.info.Name }
func (d descriptor) TriggerKeyword() string { return d.info.Keyword }
func (d descriptor) Priority() int          { return d.info.Priority }

func (d descriptor) providerError(transient bool, err error) error {
	return &contracts.ProviderError{Provider: d.info.Name, Transient: transient, Err: err}
}
