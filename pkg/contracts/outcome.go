package contracts

import "time"

// OutcomeKind is the terminal result of processing one surface.
type OutcomeKind string

// Outcome kinds.
const (
	OutcomeNoAction  OutcomeKind = "no_action"
	OutcomeRejected  OutcomeKind = "rejected"
	OutcomePublished OutcomeKind = "published"
)

// RunOutcome is returned to the caller of the orchestrator.
type RunOutcome struct {
	Kind      OutcomeKind `json:"kind"`
	Reason    string      `json:"reason,omitempty"`
	CommitSHA string      `json:"commit_sha,omitempty"`
	RunID     string      `json:"run_id,omitempty"`
}

// NoAction builds a no_action outcome.
func NoAction(reason string) RunOutcome {
	return RunOutcome{Kind: OutcomeNoAction, Reason: reason}
}

// Rejected builds a rejected outcome.
func Rejected(reason string) RunOutcome {
	return RunOutcome{Kind: OutcomeRejected, Reason: reason}
}

// Published builds a published outcome.
func Published(sha string) RunOutcome {
	return RunOutcome{Kind: OutcomePublished, CommitSHA: sha}
}

// RunState is a state of the per-event orchestration state machine.
type RunState string

// Run states.
const (
	StateReceived              RunState = "received"
	StateAuthorized            RunState = "authorized"
	StateDispatched            RunState = "dispatched"
	StateAwaitingAncestryCheck RunState = "awaiting_ancestry_check"
	StateVerified              RunState = "verified"
	StatePublished             RunState = "published"
	StateRejected              RunState = "rejected"
)

// RunReceipt is the audit record of one run. It never holds payload content or
// secret values.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type RunReceipt struct {
	RunID           string      `json:"run_id"`
	SurfaceID       int         `json:"surface_id"`
	Repository      string      `json:"repository"`
	Actor           string      `json:"actor,omitempty"`
	Capability      string      `json:"capability,omitempty"`
	State           RunState    `json:"state"`
	Outcome         OutcomeKind `json:"outcome"`
	Reason          string      `json:"reason,omitempty"`
	ApprovalCommit  string      `json:"approval_commit,omitempty"`
	PublishedCommit string      `json:"published_commit,omitempty"`
	ChangeDigest    string      `json:"change_digest,omitempty"`
	StartedAt       time.Time   `json:"started_at"`
	FinishedAt      time.Time   `json:"finished_at"`
}
