package github

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/Mindburn-Labs/gatekeeper/pkg/contracts"
)

const commentsPageSize = 100

type apiComment struct {
	ID        int64     `json:"id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
	User      struct {
		Login string `json:"login"`
	} `json:"user"`
}

// ListComments implements platform.Platform. GitHub returns issue comments
// in ascending creation order.
func (c *Client) ListComments(ctx context.Context, surfaceID int) ([]contracts.Comment, error) {
	var out []contracts.Comment
	for page := 1; ; page++ {
		var batch []apiComment
		path := c.repoPath("/issues/%d/comments?per_page=%d&page=%d", surfaceID, commentsPageSize, page)
		if err := c.do(ctx, "list comments", http.MethodGet, path, nil, &batch, true); err != nil {
			return nil, err
		}
		for _, a := range batch {
			out = append(out, contracts.Comment{ID: a.ID, Author: a.User.Login, Body: a.Body, CreatedAt: a.CreatedAt})
		}
		if len(batch) < commentsPageSize {
			return out, nil
		}
	}
}

// GetCommit implements platform.Platform. The committer date is used, since
// that is when the commit landed in the branch history.
func (c *Client) GetCommit(ctx context.Context, sha string) (contracts.Commit, error) {
	var out struct {
		SHA    string `json:"sha"`
		Commit struct {
			Committer struct {
				Date time.Time `json:"date"`
			} `json:"committer"`
		} `json:"commit"`
	}
	if err := c.do(ctx, "get commit", http.MethodGet, c.repoPath("/commits/%s", url.PathEscape(sha)), nil, &out, true); err != nil {
		return contracts.Commit{}, err
	}
	return contracts.Commit{SHA: out.SHA, Timestamp: out.Commit.Committer.Date}, nil
}

type gitRef struct {
	Object struct {
		SHA string `json:"sha"`
	} `json:"object"`
}

// GetBranchHead implements platform.Platform.
func (c *Client) GetBranchHead(ctx context.Context, branch string) (string, error) {
	var ref gitRef
	if err := c.do(ctx, "get branch head", http.MethodGet, c.repoPath("/git/ref/heads/%s", branch), nil, &ref, true); err != nil {
		return "", err
	}
	return ref.Object.SHA, nil
}

// IsAncestor implements platform.Platform with the compare API: head is
// "ahead" of or "identical" to candidate exactly when candidate is an
// ancestor of head.
func (c *Client) IsAncestor(ctx context.Context, candidate, head string) (bool, error) {
	var out struct {
		Status string `json:"status"`
	}
	path := c.repoPath("/compare/%s...%s?per_page=1", url.PathEscape(candidate), url.PathEscape(head))
	if err := c.do(ctx, "compare", http.MethodGet, path, nil, &out, true); err != nil {
		return false, err
	}
	switch out.Status {
	case "ahead", "identical":
		return true, nil
	case "behind", "diverged":
		return false, nil
	default:
		return false, fmt.Errorf("github compare: unexpected status %q", out.Status)
	}
}

// PostComment implements platform.Platform.
func (c *Client) PostComment(ctx context.Context, surfaceID int, body string) error {
	in := map[string]string{"body": body}
	return c.do(ctx, "post comment", http.MethodPost, c.repoPath("/issues/%d/comments", surfaceID), in, nil, false)
}

type treeEntry struct {
	Path string  `json:"path"`
	Mode string  `json:"mode"`
	Type string  `json:"type"`
	SHA  *string `json:"sha"`
}

// Push implements platform.Platform through the Git Data API: blobs, a tree
// based on the parent's tree, a commit with parent as its only parent, then
// a non-forced ref update.
func (c *Client) Push(ctx context.Context, branch, parent string, change *contracts.GeneratedChange) (string, error) {
	var parentCommit struct {
		Tree struct {
			SHA string `json:"sha"`
		} `json:"tree"`
	}
	if err := c.do(ctx, "get parent", http.MethodGet, c.repoPath("/git/commits/%s", parent), nil, &parentCommit, true); err != nil {
		return "", err
	}

	entries := make([]treeEntry, 0, len(change.Files))
	for _, f := range change.Files {
		entry := treeEntry{Path: f.Path, Mode: "100644", Type: "blob"}
		if !f.Delete {
			var blob struct {
				SHA string `json:"sha"`
			}
			in := map[string]string{"content": f.Content, "encoding": "utf-8"}
			if err := c.do(ctx, "create blob", http.MethodPost, c.repoPath("/git/blobs"), in, &blob, true); err != nil {
				return "", err
			}
			entry.SHA = &blob.SHA
		}
		entries = append(entries, entry)
	}

	var tree struct {
		SHA string `json:"sha"`
	}
	treeIn := map[string]any{"base_tree": parentCommit.Tree.SHA, "tree": entries}
	if err := c.do(ctx, "create tree", http.MethodPost, c.repoPath("/git/trees"), treeIn, &tree, true); err != nil {
		return "", err
	}

	var created struct {
		SHA string `json:"sha"`
	}
	commitIn := map[string]any{"message": change.CommitMessage, "tree": tree.SHA, "parents": []string{parent}}
	if err := c.do(ctx, "create commit", http.MethodPost, c.repoPath("/git/commits"), commitIn, &created, true); err != nil {
		return "", err
	}

	refIn := map[string]any{"sha": created.SHA, "force": false}
	if err := c.do(ctx, "update ref", http.MethodPatch, c.repoPath("/git/refs/heads/%s", branch), refIn, nil, false); err != nil {
		return "", err
	}
	return created.SHA, nil
}

// ResolveBranch implements platform.Platform. Pull requests publish to their
// head branch; issues publish to the repository default branch.
func (c *Client) ResolveBranch(ctx context.Context, surfaceID int) (contracts.Surface, error) {
	var issue struct {
		Title       string `json:"title"`
		Body        string `json:"body"`
		PullRequest *struct {
			URL string `json:"url"`
		} `json:"pull_request"`
	}
	if err := c.do(ctx, "get issue", http.MethodGet, c.repoPath("/issues/%d", surfaceID), nil, &issue, true); err != nil {
		return contracts.Surface{}, err
	}

	if issue.PullRequest != nil {
		var pr struct {
			Head struct {
				Ref  string `json:"ref"`
				Repo struct {
					FullName string `json:"full_name"`
				} `json:"repo"`
			} `json:"head"`
		}
		if err := c.do(ctx, "get pull request", http.MethodGet, c.repoPath("/pulls/%d", surfaceID), nil, &pr, true); err != nil {
			return contracts.Surface{}, err
		}
		if pr.Head.Repo.FullName != c.repo {
			return contracts.Surface{}, fmt.Errorf("github: pull request %d head lives in %s, not %s", surfaceID, pr.Head.Repo.FullName, c.repo)
		}
		return contracts.Surface{Kind: contracts.SurfacePullRequest, Branch: pr.Head.Ref, Title: issue.Title, Body: issue.Body}, nil
	}

	var repo struct {
		DefaultBranch string `json:"default_branch"`
	}
	if err := c.do(ctx, "get repository", http.MethodGet, "/repos/"+c.repo, nil, &repo, true); err != nil {
		return contracts.Surface{}, err
	}
	return contracts.Surface{Kind: contracts.SurfaceIssue, Branch: repo.DefaultBranch, Title: issue.Title, Body: issue.Body}, nil
}

// CreateBackupTag implements platform.Platform with a lightweight tag ref.
func (c *Client) CreateBackupTag(ctx context.Context, name, sha string) error {
	in := map[string]string{"ref": "refs/tags/" + name, "sha": sha}
	return c.do(ctx, "create tag", http.MethodPost, c.repoPath("/git/refs"), in, nil, false)
}
