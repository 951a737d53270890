package clustermanager

import (
	"sync"
	"sync/atomic"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mtakigiku/envoy/internal/connpool"
	"github.com/mtakigiku/envoy/internal/dispatcher"
	"github.com/mtakigiku/envoy/internal/inithelper"
	"github.com/mtakigiku/envoy/internal/registry"
	"github.com/mtakigiku/envoy/internal/subscription"
	"github.com/mtakigiku/envoy/internal/upstream"
)

// registryEntry is the value stored in Manager.primary (§3 "Primary registry entry").
type registryEntry struct {
	cluster *upstream.Cluster
	static  bool
}

// primaryPhase decides a cluster's Init Helper phase from the bootstrap document: the local cluster
// and the clusters named by cds_config/sds_config are Primary, since they host the control-plane
// connections everything else depends on (§4.2 Rationale); every other static cluster is Secondary.
func primaryPhase(b Bootstrap, name string) inithelper.Phase {
	if name == "" {
		return inithelper.Secondary
	}
	if name == b.LocalClusterName {
		return inithelper.Primary
	}
	if b.CDS != nil && name == b.CDS.ClusterName {
		return inithelper.Primary
	}
	if b.SDS != nil && name == b.SDS.ClusterName {
		return inithelper.Primary
	}
	return inithelper.Secondary
}

// WorkerView is a per-worker, read-only projection of the cluster set plus that worker's connection
// pool cache (§3 "Thread-local cluster view"). Production code registers one WorkerView per worker
// thread via Manager.RegisterWorker; the manager never touches a WorkerView's fields directly after
// registration, only posts closures onto its dispatcher (§5, §9).
type WorkerView struct {
	dispatcher *dispatcher.Dispatcher
	pools      *connpool.Cache

	snapshot atomic.Pointer[map[string]*upstream.Cluster]
}

func newWorkerView(d *dispatcher.Dispatcher, poolFactory connpool.Factory) *WorkerView {
	v := &WorkerView{dispatcher: d, pools: connpool.NewCache(poolFactory)}
	empty := map[string]*upstream.Cluster{}
	v.snapshot.Store(&empty)
	return v
}

// Get returns the Cluster named name as of this worker's latest acknowledged snapshot, or nil.
func (v *WorkerView) Get(name string) *upstream.Cluster {
	m := *v.snapshot.Load()
	return m[name]
}

func (v *WorkerView) installSnapshot(m map[string]*upstream.Cluster) {
	v.snapshot.Store(&m)
}

// Manager is the Cluster Manager primary registry (§4.4): the authoritative cluster-name-keyed
// registry, the Init Helper driving warm-up order, and the publication path to every worker's
// WorkerView. All mutating methods are intended to run on a single owning goroutine (the "main"
// dispatcher thread in production); registry itself tolerates concurrent reads from other goroutines
// (stats, admin) via the same discipline as internal/registry.Map.
type Manager struct {
	mu      sync.Mutex // serializes mutating calls and worker (de)registration.
	primary registry.Map[string, *registryEntry]

	factory    upstream.Factory
	initHelper *inithelper.Helper
	stats      *Stats

	workersMu sync.Mutex
	workers   []*WorkerView

	poolFactory connpool.Factory

	localClusterName string
	cds              *cdsConsumer
	cdsDialer        subscription.Dialer
	node             *corev3.Node

	totalClusters atomic.Int64
}

// Option configures optional Manager collaborators at construction.
type Option func(*Manager)

// WithPrometheusRegisterer registers Manager's Stats under reg instead of leaving them unregistered.
func WithPrometheusRegisterer(reg prometheus.Registerer) Option {
	return func(m *Manager) { m.stats = NewStats(reg) }
}

// WithConnPoolFactory overrides how a WorkerView allocates a new connection pool. Defaults to a pool
// that is always idle and runs every drained callback immediately, since this module does not
// implement a real transport (§1 Non-goals).
func WithConnPoolFactory(f connpool.Factory) Option {
	return func(m *Manager) { m.poolFactory = f }
}

// WithCDSDialer supplies the Dialer the CDS consumer uses when bootstrap.CDS names a cluster (the RPC
// subscription variant) rather than a filesystem path. node identifies this proxy in the DiscoveryRequests
// it sends.
func WithCDSDialer(dialer subscription.Dialer, node *corev3.Node) Option {
	return func(m *Manager) {
		m.cdsDialer = dialer
		m.node = node
	}
}

// NewManager validates bootstrap, builds every static cluster through factory, drives them through
// the Init Helper's primary/secondary warm-up, and — if bootstrap.CDS is set — constructs and starts
// the CDS subscription, per the "Static load order" in §4.4.
func NewManager(bootstrap Bootstrap, factory upstream.Factory, opts ...Option) (*Manager, error) {
	if err := validateBootstrap(bootstrap); err != nil {
		return nil, err
	}

	m := &Manager{
		factory:          factory,
		initHelper:       inithelper.New(),
		localClusterName: bootstrap.LocalClusterName,
		poolFactory:      noopPoolFactory,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.stats == nil {
		m.stats = NewStats(nil)
	}

	for _, def := range bootstrap.Clusters {
		c, err := factory.Build(def, primaryPhase(bootstrap, def.Name), false)
		if err != nil {
			return nil, semanticErrorf(def.Name, "%v", err)
		}
		c.SetHostChangeCb(m.hostChangeCbFor(def.Name))
		m.primary.Compute(def.Name, func(string) *registryEntry {
			return &registryEntry{cluster: c, static: true}
		}, func(string, *registryEntry) {})
		m.totalClusters.Add(1)
		m.stats.ClusterAdded.Inc()
		m.initHelper.AddCluster(c)
	}
	m.stats.TotalClusters.Set(float64(m.totalClusters.Load()))

	if bootstrap.CDS != nil {
		cds, err := newCDSConsumer(m, *bootstrap.CDS, m.cdsDialer, m.node)
		if err != nil {
			return nil, err
		}
		m.cds = cds
		m.initHelper.AddCluster(cds)
	}

	m.initHelper.OnStaticLoadComplete()

	return m, nil
}

func noopPoolFactory(*upstream.Host, upstream.Priority, connpool.Protocol) connpool.Pool {
	return noopPool{}
}

type noopPool struct{}

func (noopPool) AddDrainedCallback(cb func()) {
	if cb != nil {
		cb()
	}
}

// SetInitializedCb registers cb to run once every statically-declared cluster (and, if configured, the
// CDS consumer) has completed its first warm-up (§3 invariant, §4.2).
func (m *Manager) SetInitializedCb(cb func()) {
	m.initHelper.SetInitializedCb(cb)
}

// RegisterWorker creates a WorkerView bound to d, seeds it with the current cluster snapshot, and
// returns it. Call once per worker thread at startup.
func (m *Manager) RegisterWorker(d *dispatcher.Dispatcher) *WorkerView {
	v := newWorkerView(d, m.poolFactory)

	m.workersMu.Lock()
	m.workers = append(m.workers, v)
	m.workersMu.Unlock()

	v.installSnapshot(m.snapshotLocked())
	return v
}

func (m *Manager) snapshotLocked() map[string]*upstream.Cluster {
	snap := make(map[string]*upstream.Cluster)
	m.primary.Range(func(name string, e *registryEntry) bool {
		snap[name] = e.cluster
		return true
	})
	return snap
}

// publish posts the current cluster snapshot to every registered worker (§5 "Thread-local posts").
func (m *Manager) publish() {
	snap := m.snapshotLocked()
	m.workersMu.Lock()
	workers := append([]*WorkerView(nil), m.workers...)
	m.workersMu.Unlock()

	for _, v := range workers {
		v := v
		v.dispatcher.Post(func() { v.installSnapshot(snap) })
	}
}

// AddOrUpdatePrimaryCluster implements §4.4: returns true if anything changed, false if a cluster by
// this name with an identical content hash already exists, or if the name collides with a static
// cluster.
func (m *Manager) AddOrUpdatePrimaryCluster(def upstream.Definition) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var collidesWithStatic bool
	var unchanged bool
	m.primary.ComputeIfPresent(def.Name, func(_ string, e *registryEntry) {
		if e.static {
			collidesWithStatic = true
			return
		}
		if e.cluster.Hash() == def.Hash() {
			unchanged = true
		}
	})
	if collidesWithStatic {
		return false, nil
	}
	if unchanged {
		return false, nil
	}

	c, err := m.factory.Build(def, inithelper.Secondary, true)
	if err != nil {
		return false, semanticErrorf(def.Name, "%v", err)
	}
	c.SetHostChangeCb(m.hostChangeCbFor(def.Name))

	var modified bool
	var old *upstream.Cluster
	m.primary.Compute(def.Name,
		func(string) *registryEntry { return &registryEntry{cluster: c, static: false} },
		func(_ string, e *registryEntry) {
			if e.cluster != c {
				modified = true
				old = e.cluster
				e.cluster = c
			}
		},
	)

	if modified {
		m.stats.ClusterModified.Inc()
	} else {
		m.stats.ClusterAdded.Inc()
		m.totalClusters.Add(1)
	}
	m.stats.TotalClusters.Set(float64(m.totalClusters.Load()))

	// A modified cluster's old entity is replaced atomically (§3 "cluster-definition mutation replaces
	// the entity atomically"); its in-flight DNS resolution is canceled the same way a removed cluster's
	// is (§5 "in-flight DNS queries ... are canceled when their owning cluster is removed").
	if old != nil {
		m.initHelper.RemoveCluster(old)
		old.Shutdown()
	}

	// Late-state path: the Init Helper starts c immediately and its done callback is a per-cluster
	// event only (§4.2, §4.4).
	m.initHelper.AddCluster(c)
	m.publish()

	return true, nil
}

// RemovePrimaryCluster implements §4.4: returns false if name is unknown or names a static cluster.
func (m *Manager) RemovePrimaryCluster(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed *upstream.Cluster
	var isStatic bool
	m.primary.DeleteIf(name, func(_ string, e *registryEntry) bool {
		if e.static {
			isStatic = true
			return false
		}
		removed = e.cluster
		return true
	})
	if isStatic || removed == nil {
		return false
	}

	m.initHelper.RemoveCluster(removed)
	removed.Shutdown()

	m.totalClusters.Add(-1)
	m.stats.ClusterRemoved.Inc()
	m.stats.TotalClusters.Set(float64(m.totalClusters.Load()))

	m.publishRemoval(name)
	return true
}

// publishRemoval posts a "forget this cluster" message to every worker: each installs the new
// snapshot (which no longer names the cluster) and drains every pool it held for it (§4.4 "Host
// removal → pool drain", "removePrimaryCluster").
func (m *Manager) publishRemoval(name string) {
	snap := m.snapshotLocked()
	m.workersMu.Lock()
	workers := append([]*WorkerView(nil), m.workers...)
	m.workersMu.Unlock()

	for _, v := range workers {
		v := v
		v.dispatcher.Post(func() {
			v.installSnapshot(snap)
			v.pools.DrainCluster(name, nil)
		})
	}
}

// hostChangeCbFor returns the callback a Cluster named name should invoke, via SetHostChangeCb,
// whenever its host set drops hosts (§4.4 "Host removal → pool drain"). It is called from whatever
// goroutine published the new HostSet — a DNS resolver's own goroutine, for StrictDNS/LogicalDNS — so
// it does not touch the primary registry itself; it only posts a drain closure to every worker,
// the same cross-thread handoff publishRemoval uses for whole-cluster removal.
func (m *Manager) hostChangeCbFor(name string) func(removed []*upstream.Host) {
	return func(removed []*upstream.Host) {
		m.publishHostRemoval(name, removed)
	}
}

// publishHostRemoval posts, to every worker, a closure that drains and evicts every pool that worker
// cached for one of the removed hosts under cluster name (§4.4 "Host removal → pool drain", §8
// scenario 5: two pools for one disappearing host each fire exactly one drain callback).
func (m *Manager) publishHostRemoval(name string, removed []*upstream.Host) {
	if len(removed) == 0 {
		return
	}

	m.workersMu.Lock()
	workers := append([]*WorkerView(nil), m.workers...)
	m.workersMu.Unlock()

	for _, v := range workers {
		v := v
		v.dispatcher.Post(func() {
			for _, h := range removed {
				v.pools.DrainHost(name, h.Key(), nil)
			}
		})
	}
}

// Clusters returns the name of every cluster currently in the primary registry, for stats/admin
// callers. The CDS consumer does not use it; it diffs against its own set of API-added names (§4.5).
func (m *Manager) Clusters() []string {
	var names []string
	m.primary.Range(func(name string, _ *registryEntry) bool {
		names = append(names, name)
		return true
	})
	return names
}

// TotalClusters returns the current value of the cluster_manager.total_clusters gauge (§8 testable
// properties: "total_clusters gauge equals |static| + |apiAdded − apiRemoved| at quiescence").
func (m *Manager) TotalClusters() int {
	return int(m.totalClusters.Load())
}

// Shutdown cancels every cluster's in-flight DNS resolution, stops the CDS subscription if any, and
// stops every worker dispatcher (§9 supplemented feature, grounded on cds_api_impl.cc's destructor
// path: the control-plane stream and any in-flight resolver queries are torn down, not merely
// abandoned).
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cds != nil {
		m.cds.stop()
	}
	m.primary.Range(func(_ string, e *registryEntry) bool {
		e.cluster.Shutdown()
		return true
	})

	m.workersMu.Lock()
	workers := append([]*WorkerView(nil), m.workers...)
	m.workersMu.Unlock()
	for _, v := range workers {
		v.dispatcher.Stop()
	}
}
