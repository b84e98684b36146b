// Package contracts holds the data model shared by the gatekeeper components:
// trigger events, authorization decisions, approval records, validation
// verdicts, generated changes, run outcomes and the error taxonomy.
package contracts

import (
	"time"
)

// SurfaceKind identifies the kind of conversation a trigger was posted on.
type SurfaceKind string

// Surface kinds.
const (
	SurfaceIssue       SurfaceKind = "issue"
	SurfacePullRequest SurfaceKind = "pull_request"
)

// Surface describes an issue or pull request together with the branch a
// change for it is published to.
type Surface struct {
	Kind   SurfaceKind `json:"kind"`
	Branch string      `json:"branch"`
	Title  string      `json:"title,omitempty"`
	Body   string      `json:"body,omitempty"`
}

// TriggerEvent is an inbound unit of work built by the monitor from a relevant
// comment. It is passed by value and never modified after construction.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type TriggerEvent struct {
	Actor        string      `json:"actor"`
	Repository   string      `json:"repository"`
	Surface      SurfaceKind `json:"surface"`
	SurfaceID    int         `json:"surface_id"`
	CommentID    int64       `json:"comment_id,omitempty"`
	RawText      string      `json:"raw_text"`
	ObservedAt   time.Time   `json:"observed_at"`
	SourceCommit string      `json:"source_commit,omitempty"`
}

// Comment is one entry of a surface's comment stream as reported by the
// hosting platform.
type Comment struct {
	ID        int64     `json:"id"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Commit is the commit metadata the core needs from the platform.
type Commit struct {
	SHA       string    `json:"sha"`
	Timestamp time.Time `json:"timestamp"`
}
