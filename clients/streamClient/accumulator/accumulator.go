// Package accumulator coalesces high-frequency output chunks into periodic batches.
package accumulator

import (
	"sync"
	"time"
)

const DefaultInterval = 100 * time.Millisecond

// DeliverFunc receives one batch, in push order. Batches are never empty.
// It must not call back into the Accumulator's flush methods.
type DeliverFunc func(batch []string)

// DueFunc is called from the timer goroutine when a batch is due. The owner
// is expected to call FlushDue(token) from its own goroutine.
type DueFunc func(token uint64)

// Accumulator buffers chunks and flushes them at most once per interval.
// The flush timer is armed exactly while the buffer is non-empty.
type Accumulator struct {
	flushMu  sync.Mutex // serializes take+deliver so batches arrive in order
	mu       sync.Mutex
	interval time.Duration
	deliver  DeliverFunc
	due      DueFunc
	pending  []string
	timer    *time.Timer
	token    uint64 // identifies the currently armed timer
}

// New returns an accumulator that calls deliver from the timer goroutine.
func New(interval time.Duration, deliver DeliverFunc) *Accumulator {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Accumulator{interval: interval, deliver: deliver}
}

// NewWithDue returns an accumulator whose timer only signals due; delivery
// happens when the owner calls FlushDue or FlushNow.
func NewWithDue(interval time.Duration, deliver DeliverFunc, due DueFunc) *Accumulator {
	a := New(interval, deliver)
	a.due = due
	return a
}

// Push appends chunk and arms the flush timer if it is not armed.
func (a *Accumulator) Push(chunk string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending = append(a.pending, chunk)
	if a.timer != nil {
		return
	}
	a.token++
	token := a.token
	a.timer = time.AfterFunc(a.interval, func() { a.fire(token) })
}

func (a *Accumulator) fire(token uint64) {
	if a.due != nil {
		a.due(token)
		return
	}
	a.FlushDue(token)
}

// FlushDue flushes only if token still names the armed timer, so a timer that
// fired after a forced flush cannot cut the next batch short.
func (a *Accumulator) FlushDue(token uint64) {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()
	a.mu.Lock()
	if a.timer == nil || token != a.token {
		a.mu.Unlock()
		return
	}
	batch := a.takeLocked()
	a.mu.Unlock()
	a.emit(batch)
}

// FlushNow delivers everything pending immediately and disarms the timer.
func (a *Accumulator) FlushNow() {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()
	a.mu.Lock()
	batch := a.takeLocked()
	a.mu.Unlock()
	a.emit(batch)
}

// Drain empties the buffer and returns its contents without delivering them.
func (a *Accumulator) Drain() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.takeLocked()
}

// Discard drops pending chunks and disarms the timer.
func (a *Accumulator) Discard() {
	a.Drain()
}

// Pending returns the number of buffered chunks.
func (a *Accumulator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Armed reports whether a flush is scheduled.
func (a *Accumulator) Armed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.timer != nil
}

func (a *Accumulator) takeLocked() []string {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	batch := a.pending
	a.pending = nil
	return batch
}

func (a *Accumulator) emit(batch []string) {
	if len(batch) == 0 || a.deliver == nil {
		return
	}
	a.deliver(batch)
}
