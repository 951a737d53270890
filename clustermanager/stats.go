package clustermanager

import "github.com/prometheus/client_golang/prometheus"

// Stats holds the cluster-manager-wide metrics named in §4.4: three add/modify/remove counters, a
// total-clusters gauge, and the none-healthy counter §7 calls out for host-set churn. Per-cluster
// counters (the "cluster.<name>.*" namespace in §4.4) are allocated lazily, one CounterVec label set
// per cluster, rather than one metric family per cluster name.
type Stats struct {
	ClusterAdded    prometheus.Counter
	ClusterModified prometheus.Counter
	ClusterRemoved  prometheus.Counter
	TotalClusters   prometheus.Gauge

	UpstreamCxNoneHealthy *prometheus.CounterVec
}

// NewStats registers the cluster-manager metrics under reg. reg may be nil for tests that don't care
// about scrape exposition.
func NewStats(reg prometheus.Registerer) *Stats {
	s := &Stats{
		ClusterAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cluster_manager", Name: "cluster_added_total", Help: "Total clusters added.",
		}),
		ClusterModified: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cluster_manager", Name: "cluster_modified_total", Help: "Total clusters modified in place.",
		}),
		ClusterRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cluster_manager", Name: "cluster_removed_total", Help: "Total clusters removed.",
		}),
		TotalClusters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cluster_manager", Name: "total_clusters", Help: "Current number of registered clusters.",
		}),
		UpstreamCxNoneHealthy: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cluster", Name: "upstream_cx_none_healthy_total", Help: "Pool requests that found no healthy host.",
		}, []string{"cluster"}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{s.ClusterAdded, s.ClusterModified, s.ClusterRemoved, s.TotalClusters, s.UpstreamCxNoneHealthy} {
			if err := reg.Register(c); err != nil {
				if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
					panic(err)
				}
			}
		}
	}

	return s
}
