// Package metrics defines the passive observer interface the pool reports
// allocation, recycle, and routing events to. It never drives behavior; a
// pool with no recorder configured uses Nop, which discards everything.
package metrics

import "time"

// Recorder receives fire-and-forget notifications from a pool. Every method
// must return quickly and must not call back into the pool that invoked it.
type Recorder interface {
	// RecordAllocationSuccessAndLatency is called once per on-demand
	// allocator call that returns a usable resource, with the wall-clock time
	// the allocator took. The eager allocations made at construction are not
	// recorded.
	RecordAllocationSuccessAndLatency(d time.Duration)
	// RecordAllocationFailureAndLatency is called once per on-demand
	// allocator call that returned an error.
	RecordAllocationFailureAndLatency(d time.Duration)
	// RecordRecycled is called each time a released slot is returned to the
	// idle set rather than destroyed.
	RecordRecycled()
	// RecordResetLatency is called once per release-handler invocation, with
	// its wall-clock duration, regardless of outcome.
	RecordResetLatency(d time.Duration)
	// RecordDestroyLatency is called once per destroy-handler invocation,
	// with its wall-clock duration, regardless of outcome.
	RecordDestroyLatency(d time.Duration)
	// RecordSlowPath is called by the affinity engine each time an acquire
	// falls through to the central pending queue.
	RecordSlowPath()
	// RecordFastPath is called by the affinity engine each time an acquire
	// is satisfied directly from the caller's own sub-queue.
	RecordFastPath()
}

// Nop is a Recorder that discards every event. It is the default when a
// Config carries no MetricsRecorder.
type Nop struct{}

func (Nop) RecordAllocationSuccessAndLatency(time.Duration) {}
func (Nop) RecordAllocationFailureAndLatency(time.Duration) {}
func (Nop) RecordRecycled()                                 {}
func (Nop) RecordResetLatency(time.Duration)                {}
func (Nop) RecordDestroyLatency(time.Duration)              {}
func (Nop) RecordSlowPath()                                 {}
func (Nop) RecordFastPath()                                 {}

var _ Recorder = Nop{}
