package crdt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLWWRegister(t *testing.T) {
	t.Run("Newer write wins", func(t *testing.T) {
		r := NewLWWRegister()
		base := time.Now()

		assert.True(t, r.Set("first", base, "node1"))
		assert.True(t, r.Set("second", base.Add(time.Second), "node2"))
		assert.Equal(t, "second", r.Get())
	})

	t.Run("Older write is ignored", func(t *testing.T) {
		r := NewLWWRegister()
		base := time.Now()

		r.Set("current", base, "node1")
		assert.False(t, r.Set("stale", base.Add(-time.Second), "node2"))
		assert.Equal(t, "current", r.Get())
	})

	t.Run("Node ID breaks timestamp ties", func(t *testing.T) {
		r := NewLWWRegister()
		ts := time.Now()

		r.Set("a", ts, "node1")
		assert.True(t, r.Set("b", ts, "node2"))
		assert.False(t, r.Set("c", ts, "node0"))
		assert.Equal(t, "b", r.Get())
	})

	t.Run("Merge converges", func(t *testing.T) {
		base := time.Now()

		r1 := NewLWWRegister()
		r1.Set("from-r1", base.Add(time.Second), "node1")

		r2 := NewLWWRegister()
		r2.Set("from-r2", base, "node2")

		assert.NoError(t, r1.Merge(r2))
		assert.Equal(t, "from-r1", r1.Get())

		assert.NoError(t, r2.Merge(r1))
		assert.Equal(t, "from-r1", r2.Get())
	})

	t.Run("Merge rejects foreign types", func(t *testing.T) {
		r := NewLWWRegister()
		assert.Error(t, r.Merge(fakeCRDT{}))
	})

	t.Run("Clone is independent", func(t *testing.T) {
		r := NewLWWRegister()
		ts := time.Now()
		r.Set("value", ts, "node1")

		clone := r.Clone().(*LWWRegister)
		clone.Set("changed", ts.Add(time.Second), "node2")

		assert.Equal(t, "value", r.Get())
		assert.Equal(t, "changed", clone.Get())
	})
}

type fakeCRDT struct{}

func (fakeCRDT) Merge(other CRDT) error { return nil }
func (fakeCRDT) Clone() CRDT            { return fakeCRDT{} }
func (fakeCRDT) GetType() string        { return "fake" }
