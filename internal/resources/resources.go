// Package resources samples lightweight process-level signals (in-flight
// request count, goroutine count). The admission step records admitted
// requests here; its accept-or-503 decision rests on the admission
// semaphore alone and does not read these signals.
//
// This is an internal gauge, not a metrics-emission sink -- it uses
// runtime.NumGoroutine() and an atomic in-flight counter rather than
// OS-level resource detection.
package resources

import (
	"runtime"
	"sync/atomic"
)

// Monitor tracks how many requests are currently admitted and exposes a
// cheap snapshot of process load.
type Monitor struct {
	inFlight atomic.Int64
}

// New builds an empty Monitor.
func New() *Monitor {
	return &Monitor{}
}

// Enter records one more admitted request and returns a function that
// must be called exactly once when that request finishes, regardless of
// outcome (success, error, panic recovered at the task boundary).
func (m *Monitor) Enter() func() {
	m.inFlight.Add(1)
	done := int32(0)
	return func() {
		if atomic.CompareAndSwapInt32(&done, 0, 1) {
			m.inFlight.Add(-1)
		}
	}
}

// InFlight reports the current number of admitted, not-yet-finished
// requests.
func (m *Monitor) InFlight() int64 {
	return m.inFlight.Load()
}

// Snapshot is a point-in-time read of process load signals.
type Snapshot struct {
	InFlight   int64
	Goroutines int
}

// Sample takes a cheap, allocation-light snapshot of current load.
func (m *Monitor) Sample() Snapshot {
	return Snapshot{
		InFlight:   m.inFlight.Load(),
		Goroutines: runtime.NumGoroutine(),
	}
}
