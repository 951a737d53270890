package upstream

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/mtakigiku/envoy/internal/inithelper"
)

// DiscoveryType is how a cluster's host set is populated (§3).
type DiscoveryType int

const (
	Static DiscoveryType = iota
	StrictDNS
	LogicalDNS
	OriginalDst
	EDS
)

func (t DiscoveryType) String() string {
	switch t {
	case Static:
		return "STATIC"
	case StrictDNS:
		return "STRICT_DNS"
	case LogicalDNS:
		return "LOGICAL_DNS"
	case OriginalDst:
		return "ORIGINAL_DST"
	case EDS:
		return "EDS"
	default:
		return "UNKNOWN"
	}
}

// LBType names a load-balancer policy. Only RoundRobin is actually implemented by this module (§1
// Non-goals: load-balancer algorithms beyond their interface); the others are accepted as valid
// configuration so a definition can name them, and the factory rejects anything outside this set.
type LBType int

const (
	RoundRobin LBType = iota
	LeastRequest
	RingHash
	Random
)

func (t LBType) String() string {
	switch t {
	case RoundRobin:
		return "ROUND_ROBIN"
	case LeastRequest:
		return "LEAST_REQUEST"
	case RingHash:
		return "RING_HASH"
	case Random:
		return "RANDOM"
	default:
		return "UNKNOWN"
	}
}

// HealthCheckType names which protocol an active health checker speaks.
type HealthCheckType int

const (
	HTTPHealthCheck HealthCheckType = iota
	TCPHealthCheck
	GRPCHealthCheck
)

// HealthCheck is the declarative descriptor for active health checking (§3). The algorithm itself is
// an external collaborator (§1 Non-goals); this module only carries the configuration through.
type HealthCheck struct {
	Type               HealthCheckType
	Timeout            string
	Interval           string
	UnhealthyThreshold uint32
	HealthyThreshold   uint32
}

// OutlierDetection is the declarative descriptor for outlier ejection (§3), carried through to the
// external outlier-detector collaborator the same way HealthCheck is.
type OutlierDetection struct {
	Consecutive5xx uint32
	BaseEjectionMS uint32
}

// CircuitBreakerThresholds bounds concurrent resource usage for one priority band (§3).
type CircuitBreakerThresholds struct {
	Priority           Priority
	MaxConnections     uint32
	MaxPendingRequests uint32
	MaxRequests        uint32
}

// StaticHost is one bootstrap-declared endpoint (§6: per-cluster "hosts[]").
type StaticHost struct {
	Address string
	Weight  uint32
}

// Definition is the declarative, comparable record a cluster is built from (§3 "Cluster definition").
// It is immutable once constructed; addOrUpdatePrimaryCluster compares two Definitions by Hash to
// decide whether a change is real.
type Definition struct {
	Name                         string
	Type                         DiscoveryType
	LBPolicy                     LBType
	ConnectTimeoutMS             uint32
	PerConnectionBufferLimitByte uint32
	Hosts                        []StaticHost
	DNSResolvers                 []string
	HealthCheck                  *HealthCheck
	OutlierDetection             *OutlierDetection
	CircuitBreakers              []CircuitBreakerThresholds
	TLSContext                   *TLSContextConfig
}

// Hash returns a stable content hash of d, used by addOrUpdatePrimaryCluster (§4.4) to decide whether
// a re-submitted definition is actually a no-op. Two Definitions that are field-for-field equal always
// hash the same; the converse is not guaranteed (it is a hash, not a structural comparison), which
// matches the source's own "loader_version_hash" approach (§3 "Primary registry entry").
func (d Definition) Hash() uint64 {
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%d|%d|%d|%d|", d.Name, d.Type, d.LBPolicy, d.ConnectTimeoutMS, d.PerConnectionBufferLimitByte)

	hosts := append([]StaticHost(nil), d.Hosts...)
	sort.Slice(hosts, func(i, j int) bool { return hosts[i].Address < hosts[j].Address })
	for _, h := range hosts {
		fmt.Fprintf(&b, "h(%s,%d);", h.Address, h.Weight)
	}

	resolvers := append([]string(nil), d.DNSResolvers...)
	sort.Strings(resolvers)
	for _, r := range resolvers {
		fmt.Fprintf(&b, "r(%s);", r)
	}

	if d.HealthCheck != nil {
		fmt.Fprintf(&b, "hc(%d,%s,%s,%d,%d);", d.HealthCheck.Type, d.HealthCheck.Timeout, d.HealthCheck.Interval, d.HealthCheck.UnhealthyThreshold, d.HealthCheck.HealthyThreshold)
	}
	if d.OutlierDetection != nil {
		fmt.Fprintf(&b, "od(%d,%d);", d.OutlierDetection.Consecutive5xx, d.OutlierDetection.BaseEjectionMS)
	}

	cbs := append([]CircuitBreakerThresholds(nil), d.CircuitBreakers...)
	sort.Slice(cbs, func(i, j int) bool { return cbs[i].Priority < cbs[j].Priority })
	for _, cb := range cbs {
		fmt.Fprintf(&b, "cb(%d,%d,%d,%d);", cb.Priority, cb.MaxConnections, cb.MaxPendingRequests, cb.MaxRequests)
	}

	if d.TLSContext != nil {
		fmt.Fprintf(&b, "tls(%s);", d.TLSContext.SNI)
	}

	return xxhash.Sum64String(b.String())
}

// Cluster is the runtime entity built from a Definition (§3 "Cluster runtime entity"). Its mutating
// methods are called from the main dispatcher thread (the test goroutine in unit tests), except
// UpdateHostSet, which a StrictDNS/LogicalDNS cluster's resolver calls from its own goroutine; every
// field is guarded by a mutex so that readers on other goroutines never observe a torn update.
type Cluster struct {
	mu sync.RWMutex

	def  Definition
	hash uint64

	priority PrioritySet
	lb       LoadBalancer

	phase       inithelper.Phase
	addedViaApi bool

	initOnce         sync.Once
	initializeCb     func()
	hostSetPublished bool
	pendingInitDone  func()
	dnsCancel        func()
	bufferLimitByte  uint32

	hostChangeCb func(removed []*Host)
}

// NewCluster builds a Cluster runtime entity from def. lb is the load balancer to bind; callers
// typically get this from Factory.Build rather than constructing a Cluster directly.
func NewCluster(def Definition, phase inithelper.Phase, addedViaApi bool, lb LoadBalancer) *Cluster {
	c := &Cluster{
		def:             def,
		hash:            def.Hash(),
		priority:        *NewPrioritySet(),
		lb:              lb,
		phase:           phase,
		addedViaApi:     addedViaApi,
		bufferLimitByte: def.PerConnectionBufferLimitByte,
	}
	return c
}

// Name implements inithelper.Cluster.
func (c *Cluster) Name() string { return c.def.Name }

// InitPhase implements inithelper.Cluster.
func (c *Cluster) InitPhase() inithelper.Phase { return c.phase }

// Initialize implements inithelper.Cluster. It runs done exactly once; subsequent calls (there should
// be none under correct Init Helper use, but defensive code elsewhere may still call twice) are
// no-ops, matching the "single-shot single-consumer" design note in §9.
//
// A StrictDNS/LogicalDNS cluster has no hosts yet the first time Initialize runs — its resolver hasn't
// reported back — so firing done immediately would let the manager-level initialized callback observe
// an empty cluster. For those discovery types, done is held until the first UpdateHostSet call
// reports the resolver's first successful resolution. Every other type fires done right away: a
// Static cluster's HostSet is published by the factory before Initialize is called, and OriginalDst/EDS
// clusters are never given a HostSet by this module.
func (c *Cluster) Initialize(done func()) {
	c.mu.Lock()
	if (c.def.Type == StrictDNS || c.def.Type == LogicalDNS) && !c.hostSetPublished {
		c.pendingInitDone = done
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.fireInitDone(done)
}

func (c *Cluster) fireInitDone(done func()) {
	c.initOnce.Do(func() {
		c.initializeCb = done
		if done != nil {
			done()
		}
	})
}

// Definition returns the Definition this Cluster was built from.
func (c *Cluster) Definition() Definition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.def
}

// Hash returns the content hash of the Definition this Cluster currently reflects.
func (c *Cluster) Hash() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hash
}

// AddedViaApi reports whether this Cluster originated from CDS rather than static bootstrap (§3
// "addedViaApi flag").
func (c *Cluster) AddedViaApi() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.addedViaApi
}

// BufferLimitBytes returns the per-connection buffer limit to apply to connections handed out for
// this cluster (§4.4 "tcpConnForCluster ... Buffer limit from the cluster definition is applied").
func (c *Cluster) BufferLimitBytes() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bufferLimitByte
}

// SetDNSCancel stores the cancel handle for this cluster's in-flight DNS resolution, so it can be
// invoked when the cluster is removed (§5 "Cancellation and timeout").
func (c *Cluster) SetDNSCancel(cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dnsCancel = cancel
}

// Shutdown cancels any in-flight DNS resolution owned by this cluster. Called when the cluster is
// removed from the primary registry.
func (c *Cluster) Shutdown() {
	c.mu.Lock()
	cancel := c.dnsCancel
	c.dnsCancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// UpdateHostSet publishes a new HostSet for priority and returns the hosts that disappeared as a
// result, for the caller to drain pools for (§4.4 "Host removal → pool drain"). If this is the
// cluster's first published HostSet and Initialize is waiting on it (a DNS discovery type's first
// resolution), done is released here instead. If a host-change hook is registered (SetHostChangeCb),
// it runs with the removed hosts so the owning Manager can post the corresponding drains to workers.
func (c *Cluster) UpdateHostSet(set *HostSet) []*Host {
	c.mu.Lock()
	removed := c.priority.Update(set)
	c.hostSetPublished = true
	pendingDone := c.pendingInitDone
	c.pendingInitDone = nil
	cb := c.hostChangeCb
	c.mu.Unlock()

	if pendingDone != nil {
		c.fireInitDone(pendingDone)
	}
	if cb != nil && len(removed) > 0 {
		cb(removed)
	}
	return removed
}

// SetHostChangeCb registers cb to run, with the list of hosts that just disappeared, every time
// UpdateHostSet publishes a HostSet that dropped one or more hosts. The owning Manager uses this to
// post a pool-drain closure to every worker (§4.4 "Host removal → pool drain", §8 scenario 5).
func (c *Cluster) SetHostChangeCb(cb func(removed []*Host)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hostChangeCb = cb
}

// HostSet returns the current HostSet for priority.
func (c *Cluster) HostSet(priority Priority) *HostSet {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.priority.Get(priority)
}

// ChooseHost selects a host from priority's HostSet via this cluster's load balancer.
func (c *Cluster) ChooseHost(priority Priority, ctx LoadBalancerContext) *Host {
	c.mu.RLock()
	set := c.priority.Get(priority)
	lb := c.lb
	c.mu.RUnlock()
	return lb.ChooseHost(set, ctx)
}

// ReplaceDefinition swaps in a new Definition (and its derived hash), for the "cluster-definition
// mutation replaces the entity atomically" lifecycle transition in §3. The caller is responsible for
// deciding, via Hash comparison, that the swap is worth doing.
func (c *Cluster) ReplaceDefinition(def Definition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.def = def
	c.hash = def.Hash()
	c.bufferLimitByte = def.PerConnectionBufferLimitByte
}
