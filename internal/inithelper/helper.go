/*
Package inithelper implements the Cluster Manager Init Helper (§4.2): the two-phase ordering state
machine that warms up primary clusters before secondary ones, and invokes the manager's "initialized"
callback exactly once after every statically-declared cluster has completed its first warm-up.

Built around the bug-903 regression scenario (§8.6): a secondary cluster's initialize() may
synchronously call back into removeCluster for itself (or any other cluster), and that must not
corrupt the in-progress traversal of the secondary list.
*/
package inithelper

import "sync"

// Phase determines when a cluster is warmed up relative to the others: every Primary cluster starts
// warming up as soon as it is added, while every Secondary cluster waits until all Primary clusters
// have signaled readiness.
type Phase int

const (
	Primary Phase = iota
	Secondary
)

// State is one of the four states the Init Helper can be in, per §4.2.
type State int

const (
	Loading State = iota
	WaitingForStaticInitialize
	WaitingForSecondaryInitialize
	AllClustersInitialized
)

func (s State) String() string {
	switch s {
	case Loading:
		return "Loading"
	case WaitingForStaticInitialize:
		return "WaitingForStaticInitialize"
	case WaitingForSecondaryInitialize:
		return "WaitingForSecondaryInitialize"
	case AllClustersInitialized:
		return "AllClustersInitialized"
	default:
		return "Unknown"
	}
}

// Cluster is the subset of the Cluster runtime entity (§3) the Init Helper needs: something with a
// name, an init phase, and a one-shot initialize operation.
type Cluster interface {
	Name() string
	InitPhase() Phase
	// Initialize must invoke done exactly once, synchronously or asynchronously, when the cluster has
	// reached steady state. Initialize itself may call back into the owning Helper (e.g. RemoveCluster)
	// before returning; the Helper tolerates this (§8.6).
	Initialize(done func())
}

// Helper drives the two-phase warm-up ordering described in §4.2. It is not safe for concurrent use
// by multiple goroutines without external synchronization beyond what Helper itself provides; in
// practice it is only ever driven from the cluster manager's single main-thread dispatcher (§5), so
// its internal lock exists to make reentrant calls (a cluster's Initialize calling back into the
// Helper) safe rather than to support true concurrent access.
type Helper struct {
	mu sync.Mutex

	state State

	primaryPending   map[string]struct{}
	secondaryPending map[string]struct{}
	secondary        *stableList[Cluster]

	initializedCb func()
}

// New returns a Helper in the Loading state.
func New() *Helper {
	return &Helper{
		primaryPending:   make(map[string]struct{}),
		secondaryPending: make(map[string]struct{}),
		secondary:        newStableList[Cluster](),
	}
}

// State returns the Helper's current state. Exposed for tests and diagnostics.
func (h *Helper) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// AddCluster registers c with the Helper, per the transition table in §4.2:
//   - In Loading, a Primary cluster starts immediately; a Secondary cluster is enqueued.
//   - In WaitingForStaticInitialize, a Primary cluster starts immediately (joining the still-open
//     primary phase); a Secondary cluster is enqueued for the eventual secondary sweep.
//   - In WaitingForSecondaryInitialize or AllClustersInitialized, any cluster starts immediately via
//     the late-state path: its done callback is a per-cluster event only and never re-triggers the
//     manager-level initialized callback (this is also how addOrUpdatePrimaryCluster's dynamic
//     CDS-driven adds behave, per §4.4).
func (h *Helper) AddCluster(c Cluster) {
	h.mu.Lock()

	switch h.state {
	case Loading, WaitingForStaticInitialize:
		if c.InitPhase() == Primary {
			h.primaryPending[c.Name()] = struct{}{}
			h.mu.Unlock()
			c.Initialize(func() { h.primaryDone(c.Name()) })
			return
		}
		h.secondary.Append(c.Name(), c)
		h.mu.Unlock()
		return
	default: // WaitingForSecondaryInitialize, AllClustersInitialized
		h.mu.Unlock()
		c.Initialize(func() {})
		return
	}
}

// OnStaticLoadComplete signals that every statically-declared cluster has been passed to AddCluster.
// If no primary clusters are pending (including the degenerate case of zero primary clusters), this
// immediately advances to the secondary sweep.
func (h *Helper) OnStaticLoadComplete() {
	h.mu.Lock()
	if h.state != Loading {
		h.mu.Unlock()
		return
	}
	h.state = WaitingForStaticInitialize
	if len(h.primaryPending) == 0 {
		h.advanceToSecondary()
		return
	}
	h.mu.Unlock()
}

func (h *Helper) primaryDone(name string) {
	h.mu.Lock()
	delete(h.primaryPending, name)
	if h.state == WaitingForStaticInitialize && len(h.primaryPending) == 0 {
		h.advanceToSecondary()
		return
	}
	h.mu.Unlock()
}

// advanceToSecondary transitions to WaitingForSecondaryInitialize and starts every enqueued secondary
// cluster exactly once, in insertion order (the tie-break rule in §4.2). Must be called with h.mu
// held; it releases the lock itself, since Initialize may call back into the Helper.
func (h *Helper) advanceToSecondary() {
	h.state = WaitingForSecondaryInitialize
	// Seed the full pending set before starting any Initialize call. Otherwise a secondary cluster
	// that completes synchronously could make the pending set look empty while later entries in this
	// same sweep haven't even started, firing the manager-level callback too early.
	for _, name := range h.secondary.PendingNames() {
		h.secondaryPending[name] = struct{}{}
	}
	h.mu.Unlock()

	h.secondary.Each(func(name string, c Cluster) {
		c.Initialize(func() { h.secondaryDone(name) })
	})

	h.mu.Lock()
	h.maybeFinishSecondaryPhase()
}

func (h *Helper) secondaryDone(name string) {
	h.mu.Lock()
	delete(h.secondaryPending, name)
	h.maybeFinishSecondaryPhase()
}

// maybeFinishSecondaryPhase must be called with h.mu held; it releases the lock before returning.
func (h *Helper) maybeFinishSecondaryPhase() {
	if h.state == WaitingForSecondaryInitialize && len(h.secondaryPending) == 0 {
		h.state = AllClustersInitialized
		cb := h.initializedCb
		h.initializedCb = nil
		h.mu.Unlock()
		if cb != nil {
			cb()
		}
		return
	}
	h.mu.Unlock()
}

// RemoveCluster drops c from every tracking set the Helper maintains. It is always safe to call,
// including from within c's own Initialize callback (§8.6, the bug-903 regression): the secondary
// list is tombstoned by name rather than spliced, so a traversal paused inside Initialize is
// unaffected.
func (h *Helper) RemoveCluster(c Cluster) {
	h.mu.Lock()
	name := c.Name()
	delete(h.primaryPending, name)
	delete(h.secondaryPending, name)
	h.secondary.Remove(name)

	switch h.state {
	case WaitingForStaticInitialize:
		if len(h.primaryPending) == 0 {
			h.advanceToSecondary()
			return
		}
	case WaitingForSecondaryInitialize:
		h.maybeFinishSecondaryPhase()
		return
	}
	h.mu.Unlock()
}

// SetInitializedCb registers the callback to invoke once every primary and secondary cluster has
// completed its first warm-up. If the Helper has already reached AllClustersInitialized, cb runs
// synchronously before SetInitializedCb returns, per §4.2.
func (h *Helper) SetInitializedCb(cb func()) {
	h.mu.Lock()
	if h.state == AllClustersInitialized {
		h.mu.Unlock()
		cb()
		return
	}
	h.initializedCb = cb
	h.mu.Unlock()
}
