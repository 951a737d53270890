package upstream

import (
	"context"
	"net"
	"time"
)

// DNSResolver resolves a hostname to a list of addresses, repeatedly, for the lifetime of a
// strict/logical-DNS cluster (§6: "resolve(name, family, cb) → cancel_handle where cb(addresses) may
// be invoked zero or more times over the resolver's life").
type DNSResolver interface {
	// Resolve starts resolving name and invokes cb with the current address list every time a lookup
	// completes, until the returned cancel function is called. cb may be invoked from a goroutine other
	// than the caller of Resolve.
	Resolve(ctx context.Context, name string, cb func(addresses []string)) (cancel func())
}

// PeriodicDNSResolver is a net.Resolver-backed DNSResolver that re-resolves name on a fixed interval.
// It is the concrete resolver the factory binds for StrictDNS/LogicalDNS clusters when no test double
// is supplied; DNS itself is an external collaborator (§1 Non-goals: "no re-specification of ... DNS"),
// so this is intentionally the thinnest wrapper around net.Resolver that satisfies the contract in §6.
type PeriodicDNSResolver struct {
	Interval time.Duration
	lookup   func(ctx context.Context, name string) ([]string, error)
}

// NewPeriodicDNSResolver returns a resolver that re-resolves every interval using the system resolver.
func NewPeriodicDNSResolver(interval time.Duration) *PeriodicDNSResolver {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	r := &PeriodicDNSResolver{Interval: interval}
	r.lookup = func(ctx context.Context, name string) ([]string, error) {
		return net.DefaultResolver.LookupHost(ctx, name)
	}
	return r
}

func (r *PeriodicDNSResolver) Resolve(ctx context.Context, name string, cb func(addresses []string)) (cancel func()) {
	ctx, cancelFn := context.WithCancel(ctx)

	resolveOnce := func() {
		addrs, err := r.lookup(ctx, name)
		if err != nil {
			return
		}
		cb(addrs)
	}

	go func() {
		resolveOnce()
		ticker := time.NewTicker(r.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				resolveOnce()
			}
		}
	}()

	return cancelFn
}

// StaticDNSResolver is a test double that returns a fixed, updatable address list on demand instead of
// issuing real lookups. Production code never constructs one directly; it calls back exactly once,
// synchronously, per Resolve call, so factory/cluster tests get a deterministic first resolution. It
// never reports a later change; tests that drive host-set churn use a resolver they trigger by hand.
type StaticDNSResolver struct {
	Addresses []string
}

func (r *StaticDNSResolver) Resolve(_ context.Context, _ string, cb func(addresses []string)) (cancel func()) {
	cb(r.Addresses)
	return func() {}
}
