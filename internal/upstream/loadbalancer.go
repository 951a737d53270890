package upstream

import "sync/atomic"

// LoadBalancerContext carries the per-request hints a load balancer may use for hashing or affinity
// (§4.4: "select a host via the cluster's load balancer (passing context for hashing/affinity)"). The
// core only ever passes this through; it never inspects the fields itself.
type LoadBalancerContext struct {
	HashKey string
}

// LoadBalancer chooses a host from a HostSet. Concrete algorithms (round robin, least request, ring
// hash, random) live outside this module's scope (§1 Non-goals: "load-balancer algorithms beyond
// their interface"); this package only needs the interface and one trivial implementation so that
// cluster construction has something to bind.
type LoadBalancer interface {
	// ChooseHost returns a healthy host from set, or nil if none is healthy.
	ChooseHost(set *HostSet, ctx LoadBalancerContext) *Host
}

// RoundRobinLoadBalancer is the simple, stateful default: it cycles through the currently healthy
// hosts of whichever HostSet it is given, independent of ctx.
type RoundRobinLoadBalancer struct {
	next atomic.Uint64
}

// NewRoundRobinLoadBalancer returns a LoadBalancer with fresh round-robin state.
func NewRoundRobinLoadBalancer() *RoundRobinLoadBalancer {
	return &RoundRobinLoadBalancer{}
}

func (lb *RoundRobinLoadBalancer) ChooseHost(set *HostSet, _ LoadBalancerContext) *Host {
	healthy := set.HealthyHosts()
	if len(healthy) == 0 {
		return nil
	}
	i := lb.next.Add(1) - 1
	return healthy[i%uint64(len(healthy))]
}

// NoOpLoadBalancer never selects a host. It backs the Validation Factory (§4.3): a validation-mode
// cluster must behave as though it has no healthy hosts, since it never actually resolves DNS or
// receives EDS pushes.
type NoOpLoadBalancer struct{}

func (NoOpLoadBalancer) ChooseHost(*HostSet, LoadBalancerContext) *Host { return nil }
