/*
Package upstream models the runtime side of a cluster (§3): hosts, host sets, load balancers, and the
Cluster entity the Init Helper drives through warm-up. The concurrency idioms (lock-free reads, owner
thread writes) follow the same sync.Map/atomic discipline used throughout this module.
*/
package upstream

import "sync/atomic"

// HealthFlag is a bit in a Host's health bitmask. A Host is considered healthy only when no flag is
// set; this mirrors Envoy's coalesced health-flags model, where multiple independent subsystems
// (active health checking, outlier detection, EDS-reported health) can each veto a host without
// clobbering each other's vote.
type HealthFlag uint32

const (
	// FailedActiveHC is set while active health checking considers the host unhealthy.
	FailedActiveHC HealthFlag = 1 << iota
	// FailedOutlierCheck is set while outlier detection has ejected the host.
	FailedOutlierCheck
	// FailedEDSHealth is set when the control plane reports the host as UNHEALTHY or DRAINING.
	FailedEDSHealth
)

// Host is an immutable-after-construction upstream endpoint (§3). Address, hostname, locality and
// weight never change once the Host is built; its health bitmask is the one mutable field, since
// health checking, outlier detection and EDS health pushes all need to flip it without the owning
// cluster replacing the Host (and therefore invalidating every pool keyed on its identity) on every
// health transition.
type Host struct {
	Address  string
	Hostname string
	Locality string
	Weight   uint32

	health atomic.Uint32
}

// NewHost returns a Host with no health flags set (i.e. healthy).
func NewHost(address, hostname, locality string, weight uint32) *Host {
	if weight == 0 {
		weight = 1
	}
	return &Host{Address: address, Hostname: hostname, Locality: locality, Weight: weight}
}

// Healthy reports whether no health flag is currently set.
func (h *Host) Healthy() bool {
	return h.health.Load() == 0
}

// SetHealthFlag raises flag. Safe to call concurrently with Healthy and with other SetHealthFlag or
// ClearHealthFlag calls, including from a different subsystem's goroutine than the one that
// constructed the Host.
func (h *Host) SetHealthFlag(flag HealthFlag) {
	for {
		old := h.health.Load()
		next := old | uint32(flag)
		if next == old || h.health.CompareAndSwap(old, next) {
			return
		}
	}
}

// ClearHealthFlag lowers flag.
func (h *Host) ClearHealthFlag(flag HealthFlag) {
	for {
		old := h.health.Load()
		next := old &^ uint32(flag)
		if next == old || h.health.CompareAndSwap(old, next) {
			return
		}
	}
}

// Key identifies a Host for the purposes of connection-pool caching (§4.4: "(Host, Priority,
// downstream_protocol)"). Two distinct *Host values for the same address are never alive at once
// within one cluster's host set, so address is a sufficient identity key.
func (h *Host) Key() string {
	return h.Address
}
