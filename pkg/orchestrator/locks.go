package orchestrator

import "sync"

// surfaceLocks is a set of per-surface try-locks. A surface is never held by
// two runs at once; distinct surfaces never contend.
type surfaceLocks struct {
	mu   sync.Mutex
	held map[int]struct{}
}

func newSurfaceLocks() *surfaceLocks {
	return &surfaceLocks{held: make(map[int]struct{})}
}

// tryLock acquires id without blocking. The returned release must be called
// exactly once.
func (l *surfaceLocks) tryLock(id int) (release func(), ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[id]; busy {
		return nil, false
	}
	l.held[id] = struct{}{}
	return func() {
		l.mu.Lock()
		delete(l.held, id)
		l.mu.Unlock()
	}, true
}
