// Package commitmgr coordinates fences and the commits that apply them: a
// registry of in-flight fences, a FIFO of commits ready to run, and the
// adjacent-only merge policy that lets several compatible fences land as a
// single apply pass.
package commitmgr

import (
	"sync"

	"github.com/sirupsen/logrus"

	"fencekv/pkg/cache"
	"fencekv/pkg/commit"
	"fencekv/pkg/errkind"
	"fencekv/pkg/fence"
)

// Manager owns the fence registry and the ready queue of commits built from
// fences that reached their participant count.
type Manager struct {
	cache cache.Cache

	commitOpts []commit.Option

	mu         sync.Mutex
	fences     map[string]*fence.Fence
	ready      []*commit.Commit
	noopStores int64

	log *logrus.Entry
}

// New creates a Manager driving commits against c. Any commit.Option passed
// here is applied to every commit the manager creates, e.g. commit.WithMaxLinkDepth.
func New(c cache.Cache, opts ...commit.Option) *Manager {
	return &Manager{
		cache:      c,
		commitOpts: opts,
		fences:     make(map[string]*fence.Fence),
		log:        logrus.WithField("component", "commitmgr"),
	}
}

// WithLogger replaces the manager's logger, e.g. to attach caller-specific
// fields before any fence is registered.
func (m *Manager) WithLogger(log *logrus.Entry) *Manager {
	m.log = log
	return m
}

// AddFence registers f under its name. It is an error for the name to
// already be registered.
func (m *Manager) AddFence(f *fence.Fence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.fences[f.Name]; exists {
		return errkind.New(errkind.AlreadyExists, "fence %q already registered", f.Name)
	}
	m.fences[f.Name] = f
	m.log.WithField("fence", f.Name).Debug("fence registered")
	return nil
}

// LookupFence returns the fence registered under name, if any.
func (m *Manager) LookupFence(name string) (*fence.Fence, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.fences[name]
	return f, ok
}

// RemoveFence drops the fence registered under name. A no-op if absent.
func (m *Manager) RemoveFence(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.fences, name)
}

// ProcessFenceRequest checks whether f has reached its participant count
// and, if so, creates a commit for it and appends it to the ready queue.
func (m *Manager) ProcessFenceRequest(f *fence.Fence) {
	if !f.Eligible() {
		return
	}
	c := commit.New(f, m.cache, append([]commit.Option{commit.WithNoopStores(&m.noopStores)}, m.commitOpts...)...)

	m.mu.Lock()
	m.ready = append(m.ready, c)
	m.mu.Unlock()
	m.log.WithField("fence", f.Name).WithField("ops", len(f.Ops)).Debug("fence eligible, commit queued")
}

// CommitsReady reports whether the head of the ready queue exists and isn't
// currently blocked on a load or flush.
func (m *Manager) CommitsReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ready) > 0 && !m.ready[0].Blocked()
}

// GetReadyCommit returns the head of the ready queue if CommitsReady.
func (m *Manager) GetReadyCommit() (*commit.Commit, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.ready) == 0 || m.ready[0].Blocked() {
		return nil, false
	}
	return m.ready[0], true
}

// RemoveCommit drops c from the ready queue once the caller is done with it
// (normally after it reaches commit.Finished or commit.Error).
func (m *Manager) RemoveCommit(c *commit.Commit) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, rc := range m.ready {
		if rc == c {
			m.ready = append(m.ready[:i], m.ready[i+1:]...)
			return
		}
	}
}

// NoopStores returns the number of store operations that found an
// already-valid cache entry, elided rather than rewritten.
func (m *Manager) NoopStores() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.noopStores
}

// ClearNoopStores resets the no-op counter, e.g. between stats windows.
func (m *Manager) ClearNoopStores() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.noopStores = 0
}

// MergeReadyCommits folds as many adjacent, mergeable commits at the front
// of the ready queue into the first one as it can. Only the commit at the
// head qualifies as a merge target, and only while it hasn't progressed
// past ApplyOps — once a commit starts storing, appending more ops to its
// fence would race with the unroll pass already reading it. Fences are
// merged in queue order only: merging non-adjacent fences could let a
// later write apply before an earlier one, since ops from fence #1 and
// fence #3 could then land together ahead of fence #2's.
func (m *Manager) MergeReadyCommits() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.ready) == 0 {
		return
	}
	head := m.ready[0]
	if head.Err() != nil || head.State() > commit.StateApplyOps || head.Fence.HasFlag(fence.NoMerge) {
		return
	}

	i := 1
	for i < len(m.ready) && fence.Merge(head.Fence, m.ready[i].Fence) {
		i++
	}
	if i > 1 {
		m.log.WithField("fence", head.Fence.Name).WithField("merged", i-1).Debug("merged adjacent donor fences")
	}
	// m.ready[1:i] were folded into head's fence and are dropped; whatever
	// comes after the first unmergeable donor stays queued in order.
	m.ready = append([]*commit.Commit{head}, m.ready[i:]...)
}
