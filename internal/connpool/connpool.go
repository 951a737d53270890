/*
Package connpool implements the per-worker connection-pool cache (§3 "Thread-local cluster view",
§4.4 "Host removal → pool drain"): a cache mapping (cluster, host, priority, protocol) to a live
connection pool, and the drain bookkeeping that runs when a host disappears or a cluster is removed.
*/
package connpool

import (
	"fmt"
	"sync"

	"github.com/mtakigiku/envoy/internal/upstream"
)

// Protocol names the downstream protocol a pool was allocated for, since HTTP/1 and HTTP/2 requests
// to the same host are never multiplexed onto the same pool (§3 ConnPoolMap key).
type Protocol int

const (
	HTTP1 Protocol = iota
	HTTP2
)

// Key identifies one cached pool.
type Key struct {
	Cluster  string
	Host     string
	Priority upstream.Priority
	Protocol Protocol
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%d/%d", k.Cluster, k.Host, k.Priority, k.Protocol)
}

// Pool is the subset of a real HTTP connection pool's interface the cache needs: a one-shot drain
// notification (§6 "Connection pool: addDrainedCallback(cb) invoked when the pool holds no in-flight
// requests"). The transport implementation (HTTP/1, HTTP/2 multiplexing, request queuing) is an
// external collaborator (§1 Non-goals: "the HTTP/1 and HTTP/2 codec stack").
type Pool interface {
	// AddDrainedCallback registers cb to run exactly once, the next time this pool has no in-flight
	// requests and is safe to discard. If the pool is already idle, cb may run synchronously.
	AddDrainedCallback(cb func())
}

// Factory allocates a new Pool for host under priority/protocol. Production code binds this to the
// real connection-pool implementation; tests bind a fake that records allocation and drain calls.
type Factory func(host *upstream.Host, priority upstream.Priority, protocol Protocol) Pool

// Cache is the per-worker connection-pool cache for one worker thread. It is owned by exactly one
// goroutine (§5 "clusters, hosts, and pools are owned by exactly one thread"); the mutex exists only
// to make that ownership assumption explicit and catch accidental cross-goroutine use in tests, not to
// support real concurrent access.
type Cache struct {
	mu      sync.Mutex
	factory Factory
	pools   map[Key]Pool
}

// NewCache returns an empty Cache that allocates pools via factory.
func NewCache(factory Factory) *Cache {
	return &Cache{factory: factory, pools: make(map[Key]Pool)}
}

// GetOrCreate returns the cached pool for key, allocating one via the Cache's Factory if absent.
func (c *Cache) GetOrCreate(key Key, host *upstream.Host) Pool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.pools[key]; ok {
		return p
	}
	p := c.factory(host, key.Priority, key.Protocol)
	c.pools[key] = p
	return p
}

// DrainAndEvict registers a drain callback on the cached pool for key (if any) that removes it from
// the cache once drained, and returns whether a pool was found. Used both when a single host
// disappears from a cluster's host set and, for every key belonging to a cluster, when the cluster
// itself is removed (§4.4).
func (c *Cache) DrainAndEvict(key Key, onDrained func()) bool {
	c.mu.Lock()
	p, ok := c.pools[key]
	c.mu.Unlock()
	if !ok {
		return false
	}

	p.AddDrainedCallback(func() {
		c.mu.Lock()
		delete(c.pools, key)
		c.mu.Unlock()
		if onDrained != nil {
			onDrained()
		}
	})
	return true
}

// DrainHost drains and evicts every cached pool keyed on host, across every priority and protocol, for
// the given cluster. Returns the number of pools drained. Used when a cluster's host set update
// reports host as removed (§4.4, §8 scenario 5).
func (c *Cache) DrainHost(clusterName, hostKey string, onEachDrained func()) int {
	c.mu.Lock()
	var keys []Key
	for k := range c.pools {
		if k.Cluster == clusterName && k.Host == hostKey {
			keys = append(keys, k)
		}
	}
	c.mu.Unlock()

	for _, k := range keys {
		c.DrainAndEvict(k, onEachDrained)
	}
	return len(keys)
}

// DrainCluster drains and evicts every cached pool belonging to clusterName. Used when the cluster
// itself is removed from the primary registry (§4.4 "removePrimaryCluster").
func (c *Cache) DrainCluster(clusterName string, onAllDrained func()) {
	c.mu.Lock()
	var keys []Key
	for k := range c.pools {
		if k.Cluster == clusterName {
			keys = append(keys, k)
		}
	}
	c.mu.Unlock()

	if len(keys) == 0 {
		if onAllDrained != nil {
			onAllDrained()
		}
		return
	}

	var remaining sync.WaitGroup
	remaining.Add(len(keys))
	for _, k := range keys {
		c.DrainAndEvict(k, func() { remaining.Done() })
	}

	if onAllDrained != nil {
		go func() {
			remaining.Wait()
			onAllDrained()
		}()
	}
}

// Len returns the number of pools currently cached. Exposed for tests.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pools)
}
