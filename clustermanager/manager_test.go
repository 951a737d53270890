package clustermanager

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mtakigiku/envoy/internal/connpool"
	"github.com/mtakigiku/envoy/internal/dispatcher"
	"github.com/mtakigiku/envoy/internal/upstream"
)

// manualDNSResolver is a DNSResolver test double that only reports addresses when trigger is called,
// so a test can drive host-set churn on a StrictDNS/LogicalDNS cluster deterministically (§8 scenario 5).
type manualDNSResolver struct {
	cb func(addresses []string)
}

func (r *manualDNSResolver) Resolve(_ context.Context, _ string, cb func(addresses []string)) (cancel func()) {
	r.cb = cb
	return func() {}
}

func (r *manualDNSResolver) trigger(addresses []string) {
	if r.cb != nil {
		r.cb(addresses)
	}
}

func staticDef(name string, addrs ...string) upstream.Definition {
	def := upstream.Definition{Name: name, Type: upstream.Static}
	for _, a := range addrs {
		def.Hosts = append(def.Hosts, upstream.StaticHost{Address: a, Weight: 1})
	}
	return def
}

// TestStaticOnlyGoodConfig is scenario 1 from §8: three static clusters, local_cluster_name set to one
// of them, construction succeeds and total_clusters reflects three clusters.
func TestStaticOnlyGoodConfig(t *testing.T) {
	b := Bootstrap{
		LocalClusterName: "new_cluster",
		Clusters: []upstream.Definition{
			staticDef("cluster_1", "127.0.0.1:80"),
			staticDef("cluster_2", "127.0.0.1:81"),
			staticDef("new_cluster", "127.0.0.1:82"),
		},
	}

	m, err := NewManager(b, upstream.NewClusterFactory())
	require.NoError(t, err)
	require.Equal(t, 3, m.TotalClusters())
}

// TestLocalClusterNotInListFailsConstruction is scenario 2 from §8.
func TestLocalClusterNotInListFailsConstruction(t *testing.T) {
	b := Bootstrap{
		LocalClusterName: "new_cluster",
		Clusters: []upstream.Definition{
			staticDef("cluster_1", "127.0.0.1:80"),
		},
	}

	_, err := NewManager(b, upstream.NewClusterFactory())
	require.Error(t, err)

	var cmErr *Error
	require.ErrorAs(t, err, &cmErr)
	require.Equal(t, ConfigSchemaViolation, cmErr.Kind)
}

// TestDuplicateNameFailsConstruction is scenario 3 from §8.
func TestDuplicateNameFailsConstruction(t *testing.T) {
	b := Bootstrap{
		Clusters: []upstream.Definition{
			staticDef("cluster_1", "127.0.0.1:80"),
			staticDef("cluster_1", "127.0.0.1:81"),
		},
	}

	_, err := NewManager(b, upstream.NewClusterFactory())
	require.Error(t, err)
}

// TestDynamicAddModifyRemove is scenario 4 from §8.
func TestDynamicAddModifyRemove(t *testing.T) {
	m, err := NewManager(Bootstrap{}, upstream.NewClusterFactory())
	require.NoError(t, err)

	def := staticDef("fake", "127.0.0.1:80")

	changed, err := m.AddOrUpdatePrimaryCluster(def)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, 1, m.TotalClusters())

	changed, err = m.AddOrUpdatePrimaryCluster(def)
	require.NoError(t, err)
	require.False(t, changed, "identical hash must be a no-op")
	require.Equal(t, 1, m.TotalClusters())

	modifiedDef := def
	modifiedDef.PerConnectionBufferLimitByte = 12345
	changed, err = m.AddOrUpdatePrimaryCluster(modifiedDef)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, 1, m.TotalClusters())

	require.True(t, m.RemovePrimaryCluster("fake"))
	require.Equal(t, 0, m.TotalClusters())
}

func TestAddOrUpdatePrimaryClusterRejectsStaticNameCollision(t *testing.T) {
	b := Bootstrap{Clusters: []upstream.Definition{staticDef("cluster_1", "127.0.0.1:80")}}
	m, err := NewManager(b, upstream.NewClusterFactory())
	require.NoError(t, err)

	changed, err := m.AddOrUpdatePrimaryCluster(staticDef("cluster_1", "127.0.0.1:90"))
	require.NoError(t, err)
	require.False(t, changed)
}

func TestRemovePrimaryClusterRejectsStaticCluster(t *testing.T) {
	b := Bootstrap{Clusters: []upstream.Definition{staticDef("cluster_1", "127.0.0.1:80")}}
	m, err := NewManager(b, upstream.NewClusterFactory())
	require.NoError(t, err)

	require.False(t, m.RemovePrimaryCluster("cluster_1"))
	require.Equal(t, 1, m.TotalClusters())
}

func TestRemovePrimaryClusterUnknownReturnsFalse(t *testing.T) {
	m, err := NewManager(Bootstrap{}, upstream.NewClusterFactory())
	require.NoError(t, err)
	require.False(t, m.RemovePrimaryCluster("nope"))
}

// TestWorkerViewDrainOnRemove is part of scenario 4's drain requirement: removing a cluster with an
// outstanding pool must drain it.
func TestWorkerViewDrainOnRemove(t *testing.T) {
	var drained bool
	m, err := NewManager(Bootstrap{}, upstream.NewClusterFactory(), WithConnPoolFactory(
		func(*upstream.Host, upstream.Priority, connpool.Protocol) connpool.Pool {
			return &trackingPool{onDrain: func() { drained = true }}
		},
	))
	require.NoError(t, err)

	d := dispatcher.New(8)
	defer d.Stop()
	view := m.RegisterWorker(d)

	_, err = m.AddOrUpdatePrimaryCluster(staticDef("fake", "127.0.0.1:80"))
	require.NoError(t, err)

	require.NoError(t, d.PostAndWait(context.Background(), func() {}))

	pool := m.HTTPConnPoolForCluster(view, "fake", upstream.Default, connpool.HTTP1, upstream.LoadBalancerContext{})
	require.NotNil(t, pool)

	require.True(t, m.RemovePrimaryCluster("fake"))
	require.NoError(t, d.PostAndWait(context.Background(), func() {}))

	require.True(t, drained)
}

// TestWorkerViewDrainOnHostRemoval is scenario 5 from §8: when one host disappears from a
// StrictDNS/LogicalDNS cluster's host set, exactly the pools cached for that host are drained, without
// touching the other host's pools or waiting for a whole-cluster removal.
func TestWorkerViewDrainOnHostRemoval(t *testing.T) {
	resolver := &manualDNSResolver{}
	factory := &upstream.ClusterFactory{
		DNSResolverFactory: func(time.Duration) upstream.DNSResolver { return resolver },
		TLSContextManager:  upstream.StandardTLSContextManager{},
		AccessLogManager:   upstream.NewFileAccessLogManager(),
	}

	var drained int32
	m, err := NewManager(Bootstrap{}, factory, WithConnPoolFactory(
		func(*upstream.Host, upstream.Priority, connpool.Protocol) connpool.Pool {
			return &trackingPool{onDrain: func() { atomic.AddInt32(&drained, 1) }}
		},
	))
	require.NoError(t, err)

	d := dispatcher.New(8)
	defer d.Stop()
	view := m.RegisterWorker(d)

	def := upstream.Definition{Name: "dns1", Type: upstream.StrictDNS, DNSResolvers: []string{"svc"}}
	_, err = m.AddOrUpdatePrimaryCluster(def)
	require.NoError(t, err)

	resolver.trigger([]string{"10.0.0.1", "10.0.0.2"})
	require.NoError(t, d.PostAndWait(context.Background(), func() {}))

	// Round robin cycles the two healthy hosts, so two successive selections allocate a pool per host.
	poolA := m.HTTPConnPoolForCluster(view, "dns1", upstream.Default, connpool.HTTP1, upstream.LoadBalancerContext{})
	poolB := m.HTTPConnPoolForCluster(view, "dns1", upstream.Default, connpool.HTTP1, upstream.LoadBalancerContext{})
	require.NotNil(t, poolA)
	require.NotNil(t, poolB)

	resolver.trigger([]string{"10.0.0.2"})
	require.NoError(t, d.PostAndWait(context.Background(), func() {}))

	require.EqualValues(t, 1, atomic.LoadInt32(&drained), "only the disappeared host's pool is drained")
}

type trackingPool struct {
	onDrain func()
}

func (p *trackingPool) AddDrainedCallback(cb func()) {
	if p.onDrain != nil {
		p.onDrain()
	}
	cb()
}
