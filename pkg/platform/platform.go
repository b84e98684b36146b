// Package platform defines the hosting platform contract the gatekeeper
// consumes: comment streams, commit metadata, ancestry and publishing.
package platform

import (
	"context"
	"errors"

	"github.com/Mindburn-Labs/gatekeeper/pkg/contracts"
)

// ErrNotFound is returned when a surface, commit or branch does not exist.
var ErrNotFound = errors.New("platform: not found")

// ErrNotFastForward is returned when a push would rewrite the branch.
var ErrNotFastForward = errors.New("platform: update is not a fast-forward")

// Platform is the remote event source and sink. Implementations must be safe
// for concurrent use.
type Platform interface {
	// Repository returns the "owner/name" identifier of the target repository.
	Repository() string
	// ListComments returns the surface's comments ordered oldest first.
	ListComments(ctx context.Context, surfaceID int) ([]contracts.Comment, error)
	GetCommit(ctx context.Context, sha string) (contracts.Commit, error)
	GetBranchHead(ctx context.Context, branch string) (string, error)
	// IsAncestor reports whether candidate is head or one of its ancestors.
	IsAncestor(ctx context.Context, candidate, head string) (bool, error)
	PostComment(ctx context.Context, surfaceID int, body string) error
	// Push commits change on top of parent and moves branch to the new commit
	// without forcing. It returns the new commit SHA.
	Push(ctx context.Context, branch, parent string, change *contracts.GeneratedChange) (string, error)
	ResolveBranch(ctx context.Context, surfaceID int) (contracts.Surface, error)
	CreateBackupTag(ctx context.Context, name, sha string) error
}
