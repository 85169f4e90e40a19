package crdt

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// LWWRegister is a last-write-wins register. Writes carry a timestamp and
// the writer's node ID; the newest write wins, with the node ID breaking
// timestamp ties so all replicas converge on the same value.
type LWWRegister struct {
	mu        sync.RWMutex
	value     interface{}
	timestamp time.Time
	nodeID    NodeID
}

// NewLWWRegister creates an empty LWW-Register
func NewLWWRegister() *LWWRegister {
	return &LWWRegister{}
}

// Set writes a value; older writes are ignored
func (r *LWWRegister) Set(value interface{}, timestamp time.Time, nodeID NodeID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if timestamp.After(r.timestamp) || (timestamp.Equal(r.timestamp) && nodeID > r.nodeID) {
		r.value = value
		r.timestamp = timestamp
		r.nodeID = nodeID
		return true
	}
	return false
}

// Get returns the current value
func (r *LWWRegister) Get() interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.value
}

// GetWithMetadata returns the value with its timestamp and writer
func (r *LWWRegister) GetWithMetadata() (interface{}, time.Time, NodeID) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.value, r.timestamp, r.nodeID
}

// Merge combines this register with another
func (r *LWWRegister) Merge(other CRDT) error {
	otherReg, ok := other.(*LWWRegister)
	if !ok {
		return errors.Errorf("cannot merge LWWRegister with %T", other)
	}

	otherReg.mu.RLock()
	value, timestamp, nodeID := otherReg.value, otherReg.timestamp, otherReg.nodeID
	otherReg.mu.RUnlock()

	r.Set(value, timestamp, nodeID)
	return nil
}

// Clone creates a deep copy of the register
func (r *LWWRegister) Clone() CRDT {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return &LWWRegister{
		value:     r.value,
		timestamp: r.timestamp,
		nodeID:    r.nodeID,
	}
}

// GetType returns the CRDT type name
func (r *LWWRegister) GetType() string {
	return "LWWRegister"
}
