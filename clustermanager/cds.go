package clustermanager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	clusterv3 "github.com/envoyproxy/go-control-plane/envoy/config/cluster/v3"
	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"

	"github.com/mtakigiku/envoy/ads"
	"github.com/mtakigiku/envoy/internal/inithelper"
	"github.com/mtakigiku/envoy/internal/subscription"
	"github.com/mtakigiku/envoy/internal/upstream"
	"github.com/mtakigiku/envoy/internal/utils"
)

// cdsName is the pseudonym the CDS consumer registers itself under with the Init Helper, so that the
// manager-level initialized callback also waits for the first CDS update or failure (§4.5 "Fire the
// CDS's own initialized callback on the first successful update"). A real cluster happening to share
// this name would collide in the Init Helper's tracking maps; cdsConfig validation could reject that,
// but in practice no bootstrap names a cluster this way.
const cdsName = "envoy.cds_consumer"

// cdsConsumer is the thin glue object described in §4.5: it owns a Subscription[Cluster] and
// implements the onConfigUpdate/onConfigUpdateFailed diff-and-apply logic against the primary
// registry. It also implements inithelper.Cluster so the Init Helper can gate manager-level
// initialization on its first update, exactly like a Secondary cluster.
type cdsConsumer struct {
	manager *Manager
	config  CDSConfig
	sub     subscription.Subscription
	stats   *subscription.Stats

	mu       sync.Mutex
	apiAdded utils.Set[string]

	doneOnce sync.Once
	doneCb   func()

	cancel context.CancelFunc
}

func newCDSConsumer(m *Manager, cfg CDSConfig, dialer subscription.Dialer, node *corev3.Node) (*cdsConsumer, error) {
	c := &cdsConsumer{manager: m, config: cfg, apiAdded: utils.NewSet[string]()}
	c.stats = subscription.NewStats(nil, "cds")

	callbacks := subscription.Callbacks{
		OnConfigUpdate:       c.onConfigUpdate,
		OnConfigUpdateFailed: c.onConfigUpdateFailed,
	}

	switch {
	case cfg.Path != "":
		c.sub = subscription.NewFilesystemSubscription(cfg.Path, callbacks, c.stats)
	case cfg.ClusterName != "":
		if dialer == nil {
			return nil, schemaErrorf("cds_config.cluster %q is set but no CDS dialer was configured (WithCDSDialer)", cfg.ClusterName)
		}
		c.sub = subscription.NewRPCSubscription(node, dialer, callbacks, c.stats)
	default:
		return nil, schemaErrorf("cds_config must set either a path or a cluster")
	}

	return c, nil
}

// Name implements inithelper.Cluster.
func (c *cdsConsumer) Name() string { return cdsName }

// InitPhase implements inithelper.Cluster. CDS always warms up as a Secondary participant, after the
// primary clusters (which, per bootstrap convention, include the cluster CDS itself connects through)
// are ready.
func (c *cdsConsumer) InitPhase() inithelper.Phase { return inithelper.Secondary }

// Initialize implements inithelper.Cluster: it starts the subscription and remembers done, to be
// invoked exactly once by onConfigUpdate or onConfigUpdateFailed.
func (c *cdsConsumer) Initialize(done func()) {
	c.doneCb = done

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	if err := c.sub.Start(ctx, []string{ads.WildcardSubscription}); err != nil {
		slog.Error("cds: failed to start subscription", "error", err)
		c.fireDoneOnce()
	}
}

func (c *cdsConsumer) stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.sub.Stop()
}

func (c *cdsConsumer) fireDoneOnce() {
	c.doneOnce.Do(func() {
		if c.doneCb != nil {
			c.doneCb()
		}
	})
}

// onConfigUpdate implements §4.5 steps 1-4: diff against the previously API-added set, add/update
// every named cluster, remove anything that dropped out, then fire the CDS initialized callback.
func (c *cdsConsumer) onConfigUpdate(resources []*ads.Resource[*ads.Cluster]) {
	next := utils.NewSet[string]()

	for _, r := range resources {
		def, err := clusterProtoToDefinition(r.Resource)
		if err != nil {
			// Keep the name in the API-added set so a previously accepted cluster of this name stays
			// registered: the malformed update is rejected, not treated as a removal.
			next.Add(r.Name)
			slog.Warn("cds: rejecting malformed cluster", "cluster", r.Name, "error", err)
			continue
		}
		next.Add(def.Name)
		if _, err := c.manager.AddOrUpdatePrimaryCluster(def); err != nil {
			slog.Warn("cds: rejected cluster update", "cluster", def.Name, "error", err)
		}
	}

	c.mu.Lock()
	previous := c.apiAdded
	c.apiAdded = next
	c.mu.Unlock()

	for name := range previous {
		if !next.Contains(name) {
			c.manager.RemovePrimaryCluster(name)
		}
	}

	c.fireDoneOnce()
}

// onConfigUpdateFailed implements §4.5's documented "fire the CDS initialized callback anyway", per
// the open-question decision recorded in DESIGN.md: the manager must not block startup forever on an
// unreachable control plane.
func (c *cdsConsumer) onConfigUpdateFailed(err error) {
	slog.Warn("cds: subscription update failed", "error", err)
	c.fireDoneOnce()
}

// clusterProtoToDefinition translates a wire Cluster resource into the Definition type the factory
// consumes, grounded on the field set cds_api_impl.cc hands to the cluster factory after validation.
func clusterProtoToDefinition(c *clusterv3.Cluster) (upstream.Definition, error) {
	def := upstream.Definition{
		Name:                         c.GetName(),
		PerConnectionBufferLimitByte: c.GetPerConnectionBufferLimitBytes().GetValue(),
	}
	if t := c.GetConnectTimeout(); t != nil {
		def.ConnectTimeoutMS = uint32(t.AsDuration().Milliseconds())
	}

	switch c.GetType() {
	case clusterv3.Cluster_STATIC:
		def.Type = upstream.Static
	case clusterv3.Cluster_STRICT_DNS:
		def.Type = upstream.StrictDNS
	case clusterv3.Cluster_LOGICAL_DNS:
		def.Type = upstream.LogicalDNS
	case clusterv3.Cluster_ORIGINAL_DST:
		def.Type = upstream.OriginalDst
	case clusterv3.Cluster_EDS:
		def.Type = upstream.EDS
	default:
		return upstream.Definition{}, fmt.Errorf("unsupported cluster discovery type %v", c.GetType())
	}

	switch c.GetLbPolicy() {
	case clusterv3.Cluster_ROUND_ROBIN:
		def.LBPolicy = upstream.RoundRobin
	case clusterv3.Cluster_LEAST_REQUEST:
		def.LBPolicy = upstream.LeastRequest
	case clusterv3.Cluster_RING_HASH:
		def.LBPolicy = upstream.RingHash
	case clusterv3.Cluster_RANDOM:
		def.LBPolicy = upstream.Random
	default:
		def.LBPolicy = upstream.RoundRobin
	}

	for _, endpoints := range c.GetLoadAssignment().GetEndpoints() {
		for _, lbEndpoint := range endpoints.GetLbEndpoints() {
			socket := lbEndpoint.GetEndpoint().GetAddress().GetSocketAddress()
			if socket == nil {
				continue
			}
			addr := fmt.Sprintf("%s:%d", socket.GetAddress(), socket.GetPortValue())
			weight := lbEndpoint.GetLoadBalancingWeight().GetValue()
			if weight == 0 {
				weight = 1
			}
			if def.Type == upstream.StrictDNS || def.Type == upstream.LogicalDNS {
				def.DNSResolvers = append(def.DNSResolvers, socket.GetAddress())
			} else {
				def.Hosts = append(def.Hosts, upstream.StaticHost{Address: addr, Weight: weight})
			}
		}
	}

	return def, nil
}
