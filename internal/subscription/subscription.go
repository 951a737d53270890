/*
Package subscription implements the Resource Subscription framework (§4.1): a polymorphic,
one-consumer stream of the current cluster list, fed by either a watched file or a control-plane ADS
stream. Scoped, like package ads, to the Cluster Discovery Service: a generic resource-kind parameter
would never be instantiated with anything but clusters in this tree, so this package hard-codes that
type rather than carrying a generic nothing else uses.
*/
package subscription

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mtakigiku/envoy/ads"
)

// Callbacks is the one-consumer callback contract every Subscription variant delivers to (§4.1).
// OnConfigUpdate must be idempotent and always carries the entire current resource set, never a diff;
// the consumer (the CDS glue in clustermanager) recomputes its own diff against its registry.
// OnConfigUpdateFailed must never tear down the manager.
type Callbacks struct {
	OnConfigUpdate       func(resources []*ads.Resource[*ads.Cluster])
	OnConfigUpdateFailed func(err error)
}

// Subscription is the capability set every variant implements (§4.1, §9: "tagged unions with a small
// capability set, not deep class hierarchies").
type Subscription interface {
	// Start begins delivering updates for initialResourceNames. For the wildcard subscription the CDS
	// consumer always uses ([ads.WildcardSubscription]), the set is moot; Start exists as a distinct call
	// from the constructor so tests can observe the pre-start state.
	Start(ctx context.Context, initialResourceNames []string) error
	// UpdateResources changes the subscribed resource-name set without tearing down the stream.
	UpdateResources(resourceNames []string)
	// Stop releases any resources (watches, streams, goroutines) the Subscription holds.
	Stop()
}

// Stats are the per-subscription counters §4.1 calls for ("a stat counter tracks attempts, successes,
// rejections ... and failures"), as prometheus counters that NewStats registers when given a
// Registerer. The CDS consumer builds its Stats with a nil Registerer, so its counters are not
// registered alongside the cluster manager's own metrics (clustermanager/stats.go).
type Stats struct {
	Attempts   prometheus.Counter
	Successes  prometheus.Counter
	Rejections prometheus.Counter
	Failures   prometheus.Counter
}

// NewStats registers (or reuses, if already registered) the four subscription counters for the given
// subscription name under reg. reg may be nil, in which case the counters still work but are never
// exposed to a scrape.
func NewStats(reg prometheus.Registerer, name string) *Stats {
	opts := func(metric, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{
			Namespace:   "envoy",
			Subsystem:   "subscription",
			Name:        metric,
			Help:        help,
			ConstLabels: prometheus.Labels{"subscription": name},
		}
	}

	s := &Stats{
		Attempts:   prometheus.NewCounter(opts("update_attempt_total", "Total update attempts.")),
		Successes:  prometheus.NewCounter(opts("update_success_total", "Total successful updates.")),
		Rejections: prometheus.NewCounter(opts("update_rejected_total", "Total updates rejected as semantically invalid.")),
		Failures:   prometheus.NewCounter(opts("update_failure_total", "Total transport or parse failures.")),
	}

	if reg != nil {
		for _, c := range []*prometheus.Counter{&s.Attempts, &s.Successes, &s.Rejections, &s.Failures} {
			if err := reg.Register(*c); err != nil {
				if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
					if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
						*c = existing
					}
					continue
				}
			}
		}
	}

	return s
}
