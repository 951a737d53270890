package upstream

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/mtakigiku/envoy/internal/inithelper"
)

// FactoryError is the single fatal error kind the factory reports for any construction failure (§4.3:
// "unknown discovery type, unknown load-balancer type, unknown health-check type, bad endpoint URL,
// schema violation — all reported as a single fatal error kind carrying a human-readable message").
type FactoryError struct {
	ClusterName string
	Reason      string
}

func (e *FactoryError) Error() string {
	return fmt.Sprintf("upstream: cannot build cluster %q: %s", e.ClusterName, e.Reason)
}

// Factory builds a Cluster runtime entity from a Definition. Exactly two implementations exist:
// ClusterFactory, used at normal startup and by the CDS consumer, and ValidationFactory, used by the
// config-validation entry point (§4.3).
type Factory interface {
	Build(def Definition, phase inithelper.Phase, addedViaApi bool) (*Cluster, error)
}

// ClusterFactory is the production Factory. It validates def, resolves its discovery type into an
// initial HostSet (synchronously for Static, via the DNS resolver for StrictDNS/LogicalDNS), binds a
// load balancer, and allocates a TLS context when the definition names one. Build does not open any
// access log: AccessLogManager is carried on the factory, but no construction path calls it.
type ClusterFactory struct {
	DNSResolverFactory func(refreshInterval time.Duration) DNSResolver
	TLSContextManager  TLSContextManager
	AccessLogManager   AccessLogManager
}

// NewClusterFactory returns a ClusterFactory wired to production collaborators.
func NewClusterFactory() *ClusterFactory {
	return &ClusterFactory{
		DNSResolverFactory: func(interval time.Duration) DNSResolver { return NewPeriodicDNSResolver(interval) },
		TLSContextManager:  StandardTLSContextManager{},
		AccessLogManager:   NewFileAccessLogManager(),
	}
}

func (f *ClusterFactory) Build(def Definition, phase inithelper.Phase, addedViaApi bool) (*Cluster, error) {
	if err := validateDefinition(def); err != nil {
		return nil, err
	}

	lb, err := buildLoadBalancer(def.LBPolicy)
	if err != nil {
		return nil, &FactoryError{ClusterName: def.Name, Reason: err.Error()}
	}

	if def.TLSContext != nil {
		if _, err := f.TLSContextManager.CreateContext(*def.TLSContext); err != nil {
			return nil, &FactoryError{ClusterName: def.Name, Reason: fmt.Sprintf("TLS context: %v", err)}
		}
	}

	c := NewCluster(def, phase, addedViaApi, lb)

	switch def.Type {
	case Static:
		hosts := make([]*Host, 0, len(def.Hosts))
		for _, sh := range def.Hosts {
			hosts = append(hosts, NewHost(sh.Address, sh.Address, "", sh.Weight))
		}
		c.UpdateHostSet(NewHostSet(Default, hosts))

	case StrictDNS, LogicalDNS:
		// The resolver's callback runs on the resolver's own goroutine, not the main dispatcher thread;
		// UpdateHostSet's own locking makes the swap itself safe, and the caller chain from there
		// (Manager.hostChangeCbFor → Post) is what gets the resulting host-removal drain onto each
		// worker's dispatcher instead of touching its pool cache directly. UpdateHostSet also releases
		// Cluster.Initialize's done callback on this first call, since a DNS cluster has no hosts at all
		// until its resolver reports back at least once.
		resolver := f.DNSResolverFactory(5 * time.Second)
		var cancels []func()
		for _, name := range def.DNSResolvers {
			cancel := resolver.Resolve(context.Background(), name, func(addresses []string) {
				hosts := make([]*Host, 0, len(addresses))
				for _, addr := range addresses {
					hosts = append(hosts, NewHost(addr, name, "", 1))
				}
				c.UpdateHostSet(NewHostSet(Default, hosts))
			})
			cancels = append(cancels, cancel)
		}
		c.SetDNSCancel(func() {
			for _, cancel := range cancels {
				cancel()
			}
		})

	case OriginalDst, EDS:
		// Populated later by the request path (OriginalDst) or an EDS subscription (EDS); neither is
		// wired by this module (§1 Non-goals).
	}

	return c, nil
}

func validateDefinition(def Definition) error {
	if def.Name == "" {
		return &FactoryError{ClusterName: def.Name, Reason: "name must not be empty"}
	}
	switch def.Type {
	case Static, StrictDNS, LogicalDNS, OriginalDst, EDS:
	default:
		return &FactoryError{ClusterName: def.Name, Reason: fmt.Sprintf("unknown discovery type %d", def.Type)}
	}

	if def.Type == Static {
		for _, h := range def.Hosts {
			if _, _, err := net.SplitHostPort(h.Address); err != nil {
				return &FactoryError{ClusterName: def.Name, Reason: fmt.Sprintf("bad endpoint address %q: %v", h.Address, err)}
			}
		}
	}
	if (def.Type == StrictDNS || def.Type == LogicalDNS) && len(def.DNSResolvers) == 0 {
		return &FactoryError{ClusterName: def.Name, Reason: "DNS discovery type requires at least one resolver name"}
	}

	if def.HealthCheck != nil {
		switch def.HealthCheck.Type {
		case HTTPHealthCheck, TCPHealthCheck, GRPCHealthCheck:
		default:
			return &FactoryError{ClusterName: def.Name, Reason: fmt.Sprintf("unknown health check type %d", def.HealthCheck.Type)}
		}
	}

	return nil
}

func buildLoadBalancer(t LBType) (LoadBalancer, error) {
	switch t {
	case RoundRobin, LeastRequest, RingHash, Random:
		// Only round-robin selection is actually implemented (§1 Non-goals: load-balancer algorithms
		// beyond their interface); the other named policies bind the same selector so a definition that
		// names them is still schema-valid and functional, just not differentiated.
		return NewRoundRobinLoadBalancer(), nil
	default:
		return nil, fmt.Errorf("unknown load balancer type %d", t)
	}
}

// ValidationFactory is the Factory used by the config-validation entry point (§4.3). It performs the
// same schema validation as ClusterFactory, but never touches the network: no DNS resolution, no TLS
// context allocation, and the resulting Cluster is bound to a NoOpLoadBalancer so that it can never
// report a healthy host.
type ValidationFactory struct{}

func (ValidationFactory) Build(def Definition, phase inithelper.Phase, addedViaApi bool) (*Cluster, error) {
	if err := validateDefinition(def); err != nil {
		return nil, err
	}
	if _, err := buildLoadBalancer(def.LBPolicy); err != nil {
		return nil, &FactoryError{ClusterName: def.Name, Reason: err.Error()}
	}
	return NewCluster(def, phase, addedViaApi, NoOpLoadBalancer{}), nil
}
