package capabilities

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/gatekeeper/pkg/contracts"
)

type stubProvider struct {
	descriptor
	available atomic.Bool
}

func newStub(name, keyword string, priority int, available bool) *stubProvider {
	p := &stubProvider{descriptor: descriptor{info: Info{Name: name, Keyword: keyword, Priority: priority}}}
	p.available.Store(available)
	return p
}

func (p *stubProvider) IsAvailable() bool { return p.available.Load() }

func (p *stubProvider) Invoke(context.Context, Request) (*contracts.GeneratedChange, error) {
	return &contracts.GeneratedChange{Files: []contracts.FileChange{{Path: p.info.Name}}, CommitMessage: p.info.Name}, nil
}

func TestRegistry_ResolveExact(t *testing.T) {
	r := NewRegistry()
	gen := newStub("generator", "Gen", 1, true)
	require.NoError(t, r.Register(gen))

	p, ok := r.Resolve("Gen")
	require.True(t, ok)
	assert.Equal(t, "generator", p.Name())

	_, ok = r.Resolve("gen")
	assert.False(t, ok, "keywords are case-sensitive")
	_, ok = r.Resolve("Missing")
	assert.False(t, ok)
}

func TestRegistry_AvailabilityRecheckedOnEveryCall(t *testing.T) {
	r := NewRegistry()
	gen := newStub("generator", "Gen", 1, true)
	require.NoError(t, r.Register(gen))

	_, ok := r.Resolve("Gen")
	require.True(t, ok)

	gen.available.Store(false)
	_, ok = r.Resolve("Gen")
	assert.False(t, ok)
	_, ok = r.Default()
	assert.False(t, ok)

	gen.available.Store(true)
	_, ok = r.Resolve("Gen")
	assert.True(t, ok)
}

func TestRegistry_DefaultPriorityAndTies(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(newStub("low", "Low", 1, true)))
	require.NoError(t, r.Register(newStub("first-high", "HighA", 5, true)))
	require.NoError(t, r.Register(newStub("second-high", "HighB", 5, true)))
	require.NoError(t, r.Register(newStub("offline", "Top", 9, false)))

	p, ok := r.Default()
	require.True(t, ok)
	assert.Equal(t, "first-high", p.Name())

	var names []string
	for _, p := range r.ListAvailable() {
		names = append(names, p.Name())
	}
	assert.Equal(t, []string{"first-high", "second-high", "low"}, names)
	assert.Equal(t, []string{"Low", "HighA", "HighB", "Top"}, r.Keywords())
}

func TestRegistry_RejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(newStub("a", "Gen", 1, true)))
	assert.Error(t, r.Register(newStub("b", "Gen", 2, true)))
	assert.Error(t, r.Register(newStub("c", "", 2, true)))
	assert.Error(t, r.Register(nil))
}
