// Package memory is an in-process hosting platform with a real commit graph.
// It backs dry runs and tests.
package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Mindburn-Labs/gatekeeper/pkg/contracts"
	"github.com/Mindburn-Labs/gatekeeper/pkg/platform"
)

type commit struct {
	sha       string
	parents   []string
	message   string
	timestamp time.Time
	tree      map[string]string
}

type surface struct {
	kind     contracts.SurfaceKind
	branch   string
	title    string
	body     string
	comments []contracts.Comment
}

// Platform implements platform.Platform in memory.
type Platform struct {
	mu       sync.Mutex
	repo     string
	commits  map[string]*commit
	branches map[string]string
	tags     map[string]string
	surfaces map[int]*surface
	posted   map[int][]string
	failures map[string][]error
	nextID   int64
	seq      int
	lostPush bool
	clock    func() time.Time
}

var _ platform.Platform = (*Platform)(nil)

// New creates a repository with a single root commit on defaultBranch.
func New(repo, defaultBranch string) *Platform {
	p := &Platform{
		repo:     repo,
		commits:  make(map[string]*commit),
		branches: make(map[string]string),
		tags:     make(map[string]string),
		surfaces: make(map[int]*surface),
		posted:   make(map[int][]string),
		failures: make(map[string][]error),
		clock:    time.Now,
	}
	root := p.newCommit(nil, "initial commit", map[string]string{})
	p.branches[defaultBranch] = root.sha
	return p
}

// WithClock overrides the clock for deterministic testing.
func (p *Platform) WithClock(clock func() time.Time) *Platform {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clock = clock
	return p
}

// Repository implements platform.Platform.
func (p *Platform) Repository() string { return p.repo }

// OpenSurface registers an issue or pull request targeting branch. The branch
// is created from from when it does not exist.
func (p *Platform) OpenSurface(id int, kind contracts.SurfaceKind, branch, from, title, body string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.branches[branch]; !ok {
		base, ok := p.branches[from]
		if !ok {
			return fmt.Errorf("branch %s: %w", from, platform.ErrNotFound)
		}
		p.branches[branch] = base
	}
	p.surfaces[id] = &surface{kind: kind, branch: branch, title: title, body: body}
	return nil
}

// Commit appends a commit to branch and returns its SHA.
func (p *Platform) Commit(branch, message string, files map[string]string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	head, ok := p.branches[branch]
	if !ok {
		return "", fmt.Errorf("branch %s: %w", branch, platform.ErrNotFound)
	}
	tree := cloneTree(p.commits[head].tree)
	for k, v := range files {
		tree[k] = v
	}
	c := p.newCommit([]string{head}, message, tree)
	p.branches[branch] = c.sha
	return c.sha, nil
}

// ForceBranch moves branch to an unrelated history rooted at a fresh commit,
// simulating a rewrite.
func (p *Platform) ForceBranch(branch, message string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.newCommit(nil, message, map[string]string{})
	p.branches[branch] = c.sha
	return c.sha
}

// AddComment appends a comment to a surface.
func (p *Platform) AddComment(surfaceID int, author, body string) contracts.Comment {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addComment(surfaceID, author, body)
}

func (p *Platform) addComment(surfaceID int, author, body string) contracts.Comment {
	s := p.surface(surfaceID)
	p.nextID++
	c := contracts.Comment{ID: p.nextID, Author: author, Body: body, CreatedAt: p.tick()}
	s.comments = append(s.comments, c)
	return c
}

// FailNext makes the next call of op return err. op is the method name.
func (p *Platform) FailNext(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[op] = append(p.failures[op], err)
}

// LosePushes makes Push report success without moving the branch.
func (p *Platform) LosePushes(lost bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lostPush = lost
}

// Posted returns the comments posted through PostComment on a surface.
func (p *Platform) Posted(surfaceID int) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.posted[surfaceID]...)
}

// Tags returns a copy of the tag table.
func (p *Platform) Tags() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]string, len(p.tags))
	for k, v := range p.tags {
		out[k] = v
	}
	return out
}

// File returns the content of path at sha.
func (p *Platform) File(sha, path string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.commits[sha]
	if !ok {
		return "", false
	}
	v, ok := c.tree[path]
	return v, ok
}

// ListComments implements platform.Platform.
func (p *Platform) ListComments(_ context.Context, surfaceID int) ([]contracts.Comment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failure("ListComments"); err != nil {
		return nil, err
	}
	s, ok := p.surfaces[surfaceID]
	if !ok {
		return nil, fmt.Errorf("surface %d: %w", surfaceID, platform.ErrNotFound)
	}
	return append([]contracts.Comment(nil), s.comments...), nil
}

// GetCommit implements platform.Platform.
func (p *Platform) GetCommit(_ context.Context, sha string) (contracts.Commit, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failure("GetCommit"); err != nil {
		return contracts.Commit{}, err
	}
	c, ok := p.commits[sha]
	if !ok {
		return contracts.Commit{}, fmt.Errorf("commit %s: %w", sha, platform.ErrNotFound)
	}
	return contracts.Commit{SHA: c.sha, Timestamp: c.timestamp}, nil
}

// GetBranchHead implements platform.Platform.
func (p *Platform) GetBranchHead(_ context.Context, branch string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failure("GetBranchHead"); err != nil {
		return "", err
	}
	sha, ok := p.branches[branch]
	if !ok {
		return "", fmt.Errorf("branch %s: %w", branch, platform.ErrNotFound)
	}
	return sha, nil
}

// IsAncestor implements platform.Platform with a breadth-first walk of the
// parent links.
func (p *Platform) IsAncestor(_ context.Context, candidate, head string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failure("IsAncestor"); err != nil {
		return false, err
	}
	if _, ok := p.commits[candidate]; !ok {
		return false, fmt.Errorf("commit %s: %w", candidate, platform.ErrNotFound)
	}
	if _, ok := p.commits[head]; !ok {
		return false, fmt.Errorf("commit %s: %w", head, platform.ErrNotFound)
	}

	queue := []string{head}
	seen := map[string]bool{head: true}
	for len(queue) > 0 {
		sha := queue[0]
		queue = queue[1:]
		if sha == candidate {
			return true, nil
		}
		for _, parent := range p.commits[sha].parents {
			if !seen[parent] {
				seen[parent] = true
				queue = append(queue, parent)
			}
		}
	}
	return false, nil
}

// PostComment implements platform.Platform. The comment is also appended to
// the surface stream under the "gatekeeper[bot]" identity.
func (p *Platform) PostComment(_ context.Context, surfaceID int, body string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failure("PostComment"); err != nil {
		return err
	}
	if _, ok := p.surfaces[surfaceID]; !ok {
		return fmt.Errorf("surface %d: %w", surfaceID, platform.ErrNotFound)
	}
	p.posted[surfaceID] = append(p.posted[surfaceID], body)
	p.addComment(surfaceID, "gatekeeper[bot]", body)
	return nil
}

// Push implements platform.Platform.
func (p *Platform) Push(_ context.Context, branch, parent string, change *contracts.GeneratedChange) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failure("Push"); err != nil {
		return "", err
	}
	head, ok := p.branches[branch]
	if !ok {
		return "", fmt.Errorf("branch %s: %w", branch, platform.ErrNotFound)
	}
	if head != parent {
		return "", fmt.Errorf("push to %s on %s (head %s): %w", branch, short(parent), short(head), platform.ErrNotFastForward)
	}

	tree := cloneTree(p.commits[parent].tree)
	for _, f := range change.Files {
		if f.Delete {
			delete(tree, f.Path)
			continue
		}
		tree[f.Path] = f.Content
	}
	c := p.newCommit([]string{parent}, change.CommitMessage, tree)
	if !p.lostPush {
		p.branches[branch] = c.sha
	}
	return c.sha, nil
}

// ResolveBranch implements platform.Platform.
func (p *Platform) ResolveBranch(_ context.Context, surfaceID int) (contracts.Surface, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failure("ResolveBranch"); err != nil {
		return contracts.Surface{}, err
	}
	s, ok := p.surfaces[surfaceID]
	if !ok {
		return contracts.Surface{}, fmt.Errorf("surface %d: %w", surfaceID, platform.ErrNotFound)
	}
	return contracts.Surface{Kind: s.kind, Branch: s.branch, Title: s.title, Body: s.body}, nil
}

// CreateBackupTag implements platform.Platform. Existing tags are never moved.
func (p *Platform) CreateBackupTag(_ context.Context, name, sha string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failure("CreateBackupTag"); err != nil {
		return err
	}
	if _, ok := p.commits[sha]; !ok {
		return fmt.Errorf("commit %s: %w", sha, platform.ErrNotFound)
	}
	if existing, ok := p.tags[name]; ok && existing != sha {
		return fmt.Errorf("tag %s already exists at %s", name, short(existing))
	}
	p.tags[name] = sha
	return nil
}

func (p *Platform) surface(id int) *surface {
	s, ok := p.surfaces[id]
	if !ok {
		s = &surface{kind: contracts.SurfaceIssue}
		p.surfaces[id] = s
	}
	return s
}

func (p *Platform) failure(op string) error {
	queue := p.failures[op]
	if len(queue) == 0 {
		return nil
	}
	p.failures[op] = queue[1:]
	return queue[0]
}

// tick returns strictly increasing timestamps even with a frozen clock, so
// comment order and timestamp order agree.
func (p *Platform) tick() time.Time {
	p.seq++
	return p.clock().Add(time.Duration(p.seq) * time.Millisecond)
}

func (p *Platform) newCommit(parents []string, message string, tree map[string]string) *commit {
	ts := p.tick()
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%d\x00", strings.Join(parents, ","), message, ts.UnixNano())
	keys := make([]string, 0, len(tree))
	for k := range tree {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "%s\x00%s\x00", k, tree[k])
	}
	c := &commit{
		sha:       hex.EncodeToString(h.Sum(nil))[:40],
		parents:   parents,
		message:   message,
		timestamp: ts,
		tree:      tree,
	}
	p.commits[c.sha] = c
	return c
}

func cloneTree(t map[string]string) map[string]string {
	out := make(map[string]string, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

func short(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
