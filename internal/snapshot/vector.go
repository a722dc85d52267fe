package snapshot

// VectorClock maps an instance id to the highest sequence merged from that
// instance. A snapshot's vector clock must dominate every log record it
// claims to subsume.
type VectorClock map[string]uint64

// Get returns the highest merged sequence for an instance, or 0 if none.
func (vc VectorClock) Get(instanceID string) uint64 {
	return vc[instanceID]
}

// Observe records that seq from instanceID has been merged, keeping the
// highest sequence seen per instance.
func (vc VectorClock) Observe(instanceID string, seq uint64) {
	if seq > vc[instanceID] {
		vc[instanceID] = seq
	}
}

// Dominates reports whether vc is at least as advanced as other on every
// entry.
func (vc VectorClock) Dominates(other VectorClock) bool {
	for id, seq := range other {
		if vc[id] < seq {
			return false
		}
	}
	return true
}

// Merge folds other into vc, keeping the higher sequence per instance.
func (vc VectorClock) Merge(other VectorClock) {
	for id, seq := range other {
		vc.Observe(id, seq)
	}
}

// Clone returns an independent copy.
func (vc VectorClock) Clone() VectorClock {
	out := make(VectorClock, len(vc))
	for id, seq := range vc {
		out[id] = seq
	}
	return out
}
