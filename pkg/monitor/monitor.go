// Package monitor discovers trigger comments by polling a surface's comment
// stream.
//
// A watch starts with a full scan. With a since-commit, every existing
// comment newer than that commit is considered, so an approval posted between
// the push and the start of the watch is not missed. Later cycles inspect
// only comments beyond the last observed count, oldest first.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Mindburn-Labs/gatekeeper/pkg/contracts"
)

// Defaults.
const (
	DefaultInterval  = 5 * time.Second
	DefaultTimeout   = 10 * time.Minute
	DefaultBotSuffix = "[bot]"
)

// EventSource is the part of the hosting platform the monitor reads.
type EventSource interface {
	Repository() string
	ListComments(ctx context.Context, surfaceID int) ([]contracts.Comment, error)
	GetCommit(ctx context.Context, sha string) (contracts.Commit, error)
}

// Config configures a Monitor.
type Config struct {
	AllowedActors []string
	// BotSuffixes mark automation identities; defaults to "[bot]".
	BotSuffixes []string
	// IgnoredAuthors are never relevant, typically the gatekeeper's own
	// identity.
	IgnoredAuthors []string
	Interval       time.Duration
	// Timeout is both the default and the upper bound of a watch.
	Timeout time.Duration
}

// Monitor polls an EventSource.
type Monitor struct {
	source   EventSource
	actors   map[string]struct{}
	ignored  map[string]struct{}
	suffixes []string
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	clock    func() time.Time
	wait     func(ctx context.Context, d time.Duration) error
}

// New creates a monitor.
func New(source EventSource, cfg Config) *Monitor {
	m := &Monitor{
		source:   source,
		actors:   make(map[string]struct{}),
		ignored:  make(map[string]struct{}),
		suffixes: cfg.BotSuffixes,
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		logger:   slog.Default().With("component", "monitor"),
		clock:    time.Now,
		wait:     sleepCtx,
	}
	for _, a := range cfg.AllowedActors {
		m.actors[a] = struct{}{}
	}
	for _, a := range cfg.IgnoredAuthors {
		m.ignored[a] = struct{}{}
	}
	if len(m.suffixes) == 0 {
		m.suffixes = []string{DefaultBotSuffix}
	}
	if m.interval <= 0 {
		m.interval = DefaultInterval
	}
	if m.timeout <= 0 {
		m.timeout = DefaultTimeout
	}
	return m
}

// WithLogger overrides the monitor logger.
func (m *Monitor) WithLogger(logger *slog.Logger) *Monitor {
	m.logger = logger.With("component", "monitor")
	return m
}

// WithClock overrides the clock for deterministic testing.
func (m *Monitor) WithClock(clock func() time.Time) *Monitor {
	m.clock = clock
	return m
}

// WithWait overrides the wait between cycles, mainly for tests.
func (m *Monitor) WithWait(wait func(ctx context.Context, d time.Duration) error) *Monitor {
	m.wait = wait
	return m
}

// Cursor is the per-watch state carried between single-shot checks.
type Cursor struct {
	Kind        contracts.SurfaceKind
	SinceCommit string

	initialized bool
	seen        int
}

// Seen returns the number of comments already inspected.
func (c *Cursor) Seen() int { return c.seen }

// Relevant reports whether a comment author may produce a trigger event.
func (m *Monitor) Relevant(author string) bool {
	if _, ok := m.ignored[author]; ok {
		return false
	}
	if _, ok := m.actors[author]; ok {
		return true
	}
	for _, s := range m.suffixes {
		if strings.HasSuffix(author, s) {
			return true
		}
	}
	return false
}

// Check performs one cycle. The first call on a fresh cursor is the initial
// scan. It returns the oldest relevant unseen comment, if any.
func (m *Monitor) Check(ctx context.Context, surfaceID int, cur *Cursor) (contracts.TriggerEvent, bool, error) {
	comments, err := m.source.ListComments(ctx, surfaceID)
	if err != nil {
		return contracts.TriggerEvent{}, false, fmt.Errorf("list comments: %w", err)
	}

	if !cur.initialized {
		return m.initialScan(ctx, surfaceID, cur, comments)
	}

	if len(comments) < cur.seen {
		m.logger.WarnContext(ctx, "comment count decreased, resetting baseline",
			"surface_id", surfaceID, "seen", cur.seen, "count", len(comments))
		cur.seen = len(comments)
		return contracts.TriggerEvent{}, false, nil
	}

	for i := cur.seen; i < len(comments); i++ {
		c := comments[i]
		cur.seen = i + 1
		if m.Relevant(c.Author) {
			return m.event(surfaceID, cur, c), true, nil
		}
		m.skip(ctx, surfaceID, c)
	}
	return contracts.TriggerEvent{}, false, nil
}

func (m *Monitor) initialScan(ctx context.Context, surfaceID int, cur *Cursor, comments []contracts.Comment) (contracts.TriggerEvent, bool, error) {
	if cur.SinceCommit == "" {
		cur.initialized = true
		cur.seen = len(comments)
		return contracts.TriggerEvent{}, false, nil
	}

	commit, err := m.source.GetCommit(ctx, cur.SinceCommit)
	if err != nil {
		return contracts.TriggerEvent{}, false, fmt.Errorf("resolve since commit: %w", err)
	}
	cur.initialized = true
	cur.seen = len(comments)

	for i, c := range comments {
		if !c.CreatedAt.After(commit.Timestamp) {
			continue
		}
		if m.Relevant(c.Author) {
			cur.seen = i + 1
			return m.event(surfaceID, cur, c), true, nil
		}
		m.skip(ctx, surfaceID, c)
	}
	return contracts.TriggerEvent{}, false, nil
}

func (m *Monitor) skip(ctx context.Context, surfaceID int, c contracts.Comment) {
	m.logger.DebugContext(ctx, "skipping comment from irrelevant author",
		"surface_id", surfaceID, "comment_id", c.ID, "author", c.Author)
}

func (m *Monitor) event(surfaceID int, cur *Cursor, c contracts.Comment) contracts.TriggerEvent {
	kind := cur.Kind
	if kind == "" {
		kind = contracts.SurfaceIssue
	}
	return contracts.TriggerEvent{
		Actor:        c.Author,
		Repository:   m.source.Repository(),
		Surface:      kind,
		SurfaceID:    surfaceID,
		CommentID:    c.ID,
		RawText:      c.Body,
		ObservedAt:   m.clock(),
		SourceCommit: cur.SinceCommit,
	}
}

// Watch runs Check every interval until a relevant comment that accept
// admits appears, or timeout/interval cycles have elapsed, in which case it
// returns contracts.ErrTimeout. A relevant comment accept refuses is passed
// over and the same cursor moves on to the next unseen comment; a nil accept
// admits every relevant comment. Check failures are logged and the next cycle
// runs. A timeout of zero or above the configured bound uses the bound.
func (m *Monitor) Watch(ctx context.Context, surfaceID int, kind contracts.SurfaceKind, sinceCommit string, timeout time.Duration, accept func(contracts.TriggerEvent) bool) (contracts.TriggerEvent, error) {
	if timeout <= 0 || timeout > m.timeout {
		timeout = m.timeout
	}
	cycles := int(timeout / m.interval)
	if cycles < 1 {
		cycles = 1
	}

	cur := &Cursor{Kind: kind, SinceCommit: sinceCommit}
	for cycle := 0; cycle < cycles; cycle++ {
		if cycle > 0 {
			if err := m.wait(ctx, m.interval); err != nil {
				return contracts.TriggerEvent{}, err
			}
		}
		ev, ok, err := m.drain(ctx, surfaceID, cur, accept)
		if err != nil {
			if ctx.Err() != nil {
				return contracts.TriggerEvent{}, ctx.Err()
			}
			m.logger.WarnContext(ctx, "poll cycle failed", "surface_id", surfaceID, "cycle", cycle, "error", err)
			continue
		}
		if ok {
			m.logger.InfoContext(ctx, "relevant comment found",
				"surface_id", surfaceID, "comment_id", ev.CommentID, "actor", ev.Actor, "cycle", cycle)
			return ev, nil
		}
	}
	return contracts.TriggerEvent{}, contracts.ErrTimeout
}

// drain checks cur until it yields an accepted event or runs out of unseen
// comments.
func (m *Monitor) drain(ctx context.Context, surfaceID int, cur *Cursor, accept func(contracts.TriggerEvent) bool) (contracts.TriggerEvent, bool, error) {
	for {
		ev, ok, err := m.Check(ctx, surfaceID, cur)
		if err != nil || !ok {
			return ev, ok, err
		}
		if accept == nil || accept(ev) {
			return ev, true, nil
		}
		m.logger.DebugContext(ctx, "relevant comment not accepted, continuing",
			"surface_id", surfaceID, "comment_id", ev.CommentID, "actor", ev.Actor)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
