package crdt

// VectorClock maps each participant to a monotonically increasing counter.
// Event A causally precedes event B iff A's clock is component-wise <= B's
// and strictly less in at least one component. Clocks where neither
// precedes the other are concurrent.
type VectorClock map[NodeID]uint64

// NewVectorClock creates an empty vector clock
func NewVectorClock() VectorClock {
	return make(VectorClock)
}

// Increment advances the counter for the given node
func (vc VectorClock) Increment(node NodeID) {
	vc[node]++
}

// Update merges another clock into this one, taking the component-wise
// maximum
func (vc VectorClock) Update(other VectorClock) {
	for node, value := range other {
		if value > vc[node] {
			vc[node] = value
		}
	}
}

// HappensBefore reports whether vc causally precedes other. Equal clocks
// do not happen before each other.
func (vc VectorClock) HappensBefore(other VectorClock) bool {
	strictlyLess := false
	for node, value := range vc {
		otherValue := other[node]
		if value > otherValue {
			return false
		}
		if value < otherValue {
			strictlyLess = true
		}
	}
	// Components present only in other count as strictly greater there
	if !strictlyLess {
		for node := range other {
			if _, ok := vc[node]; !ok && other[node] > 0 {
				strictlyLess = true
				break
			}
		}
	}
	return strictlyLess
}

// Concurrent reports whether neither clock causally precedes the other
func (vc VectorClock) Concurrent(other VectorClock) bool {
	return !vc.HappensBefore(other) && !other.HappensBefore(vc)
}

// Clone creates an independent copy of the clock
func (vc VectorClock) Clone() VectorClock {
	clone := make(VectorClock, len(vc))
	for node, value := range vc {
		clone[node] = value
	}
	return clone
}

// Equal reports whether both clocks have identical components
func (vc VectorClock) Equal(other VectorClock) bool {
	if len(vc) != len(other) {
		// Zero-valued components make length an unreliable shortcut
		for node, value := range vc {
			if other[node] != value {
				return false
			}
		}
		for node, value := range other {
			if vc[node] != value {
				return false
			}
		}
		return true
	}
	for node, value := range vc {
		if other[node] != value {
			return false
		}
	}
	return true
}
