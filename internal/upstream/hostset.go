package upstream

// Priority is a traffic priority band. Clusters maintain one HostSet per priority (§3: "a resource
// manager per priority"); pools are cached per (host, priority, protocol) for the same reason.
type Priority int

const (
	Default Priority = iota
	High
)

// HostSet is an immutable snapshot of the hosts backing one priority band of a cluster. A cluster
// publishes a new HostSet (rather than mutating one in place) whenever its host list changes, so that
// a worker holding a reference to an older HostSet never observes a half-updated list; this is the
// "immutable snapshot" publication discipline described in §5 and §9.
type HostSet struct {
	Priority Priority
	Hosts    []*Host
}

// NewHostSet returns a HostSet that owns a private copy of hosts, so the caller's slice can be reused
// or mutated afterward without affecting the snapshot.
func NewHostSet(priority Priority, hosts []*Host) *HostSet {
	owned := make([]*Host, len(hosts))
	copy(owned, hosts)
	return &HostSet{Priority: priority, Hosts: owned}
}

// HealthyHosts returns the subset of Hosts currently reporting healthy. Recomputed on every call,
// since health flags can flip underneath an otherwise-immutable HostSet.
func (s *HostSet) HealthyHosts() []*Host {
	healthy := make([]*Host, 0, len(s.Hosts))
	for _, h := range s.Hosts {
		if h.Healthy() {
			healthy = append(healthy, h)
		}
	}
	return healthy
}

// Contains reports whether a host with the given key is present in this HostSet, regardless of
// health. Used to detect host disappearance (§4.4, §8 scenario 5) when a new HostSet is published.
func (s *HostSet) Contains(key string) bool {
	for _, h := range s.Hosts {
		if h.Key() == key {
			return true
		}
	}
	return false
}

// Removed returns the hosts present in old but absent from s, by key. Used to drive pool-drain
// decisions when a cluster's host set shrinks (§4.4 "Host removal → pool drain").
func (s *HostSet) Removed(old *HostSet) []*Host {
	if old == nil {
		return nil
	}
	var removed []*Host
	for _, h := range old.Hosts {
		if !s.Contains(h.Key()) {
			removed = append(removed, h)
		}
	}
	return removed
}

// PrioritySet is the full set of HostSets for a cluster, one per priority currently in use.
type PrioritySet struct {
	sets map[Priority]*HostSet
}

// NewPrioritySet returns an empty PrioritySet.
func NewPrioritySet() *PrioritySet {
	return &PrioritySet{sets: make(map[Priority]*HostSet)}
}

// Get returns the HostSet for priority, or an empty one if none has been published yet.
func (p *PrioritySet) Get(priority Priority) *HostSet {
	if s, ok := p.sets[priority]; ok {
		return s
	}
	return &HostSet{Priority: priority}
}

// Update replaces the HostSet for priority and returns the hosts that were present before the update
// but are absent afterward, for the caller to drain.
func (p *PrioritySet) Update(next *HostSet) (removed []*Host) {
	prev := p.sets[next.Priority]
	removed = next.Removed(prev)
	p.sets[next.Priority] = next
	return removed
}

// Priorities returns the priorities with a published HostSet, in no particular order.
func (p *PrioritySet) Priorities() []Priority {
	out := make([]Priority, 0, len(p.sets))
	for pr := range p.sets {
		out = append(out, pr)
	}
	return out
}
