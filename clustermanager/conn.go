package clustermanager

import (
	"context"
	"net"
	"time"

	"github.com/mtakigiku/envoy/internal/connpool"
	"github.com/mtakigiku/envoy/internal/upstream"
)

// HTTPConnPoolForCluster implements §4.4: look up name in view, select a host via the cluster's load
// balancer, and return the cached pool for (host, priority, protocol), allocating one if absent. A nil
// pool means name is absent from view or has no healthy host; the upstream_cx_none_healthy counter is
// incremented on every such miss.
func (m *Manager) HTTPConnPoolForCluster(view *WorkerView, name string, priority upstream.Priority, protocol connpool.Protocol, lbCtx upstream.LoadBalancerContext) connpool.Pool {
	cluster := view.Get(name)
	if cluster == nil {
		m.stats.UpstreamCxNoneHealthy.WithLabelValues(name).Inc()
		return nil
	}

	host := cluster.ChooseHost(priority, lbCtx)
	if host == nil {
		m.stats.UpstreamCxNoneHealthy.WithLabelValues(name).Inc()
		return nil
	}

	key := connpool.Key{Cluster: name, Host: host.Key(), Priority: priority, Protocol: protocol}
	return view.pools.GetOrCreate(key, host)
}

// TCPConn is the result of TCPConnForCluster: the dialed connection (nil if no healthy host) and the
// host it was dialed to.
type TCPConn struct {
	Conn net.Conn
	Host *upstream.Host
}

// TCPConnForCluster implements §4.4: dials a plain TCP connection to a host selected from name's
// default-priority host set, applying the cluster's configured per-connection buffer limit (§1
// Non-goals: the limit is surfaced, not enforced here — enforcement belongs to the filter chain's
// buffer management, an external collaborator). Returns ErrUnknownCluster if name is absent from view
// — the one case that is a caller bug rather than a data-plane event (§7 "Caller misuse").
func (m *Manager) TCPConnForCluster(ctx context.Context, view *WorkerView, name string) (*TCPConn, error) {
	cluster := view.Get(name)
	if cluster == nil {
		return nil, ErrUnknownCluster(name)
	}

	host := cluster.ChooseHost(upstream.Default, upstream.LoadBalancerContext{})
	if host == nil {
		return &TCPConn{}, nil
	}

	dialer := net.Dialer{Timeout: connectTimeout(cluster)}
	conn, err := dialer.DialContext(ctx, "tcp", host.Address)
	if err != nil {
		return nil, err
	}

	if limit := cluster.BufferLimitBytes(); limit > 0 {
		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetWriteBuffer(int(limit))
		}
	}

	return &TCPConn{Conn: conn, Host: host}, nil
}

// AsyncClient is the minimal surface HTTPAsyncClientForCluster hands to the request path: enough to
// issue a request against the cluster's dialed transport without the caller needing to know the host
// it resolved to. The HTTP/1 and HTTP/2 codec stack itself is an external collaborator (§1 Non-goals).
type AsyncClient struct {
	Host *upstream.Host
	Pool connpool.Pool
}

// HTTPAsyncClientForCluster implements the §6 collaborator contract entry of the same name (a
// SUPPLEMENTED FEATURE: not detailed further than its name in the base spec). Like TCPConnForCluster,
// an unknown cluster name is caller misuse; a present cluster with no healthy host returns a nil
// AsyncClient and no error, matching httpConnPoolForCluster's treatment of the same condition.
func (m *Manager) HTTPAsyncClientForCluster(view *WorkerView, name string) (*AsyncClient, error) {
	cluster := view.Get(name)
	if cluster == nil {
		return nil, ErrUnknownCluster(name)
	}

	host := cluster.ChooseHost(upstream.Default, upstream.LoadBalancerContext{})
	if host == nil {
		m.stats.UpstreamCxNoneHealthy.WithLabelValues(name).Inc()
		return nil, nil
	}

	key := connpool.Key{Cluster: name, Host: host.Key(), Priority: upstream.Default, Protocol: connpool.HTTP1}
	return &AsyncClient{Host: host, Pool: view.pools.GetOrCreate(key, host)}, nil
}

func connectTimeout(c *upstream.Cluster) time.Duration {
	ms := c.Definition().ConnectTimeoutMS
	if ms == 0 {
		return 5 * time.Second
	}
	return time.Duration(ms) * time.Millisecond
}
