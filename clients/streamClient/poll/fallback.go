// Package poll periodically asks the status endpoint about a task. It is the
// authority on terminal status and the fallback when the push channel is gone.
package poll

import (
	"context"
	"sync"
	"time"

	"github.com/gate4ai/taskstream/shared/schema"
	"go.uber.org/zap"
	"gopkg.in/cenkalti/backoff.v1"
)

// Update is one poll outcome: either a changed status or an error.
type Update struct {
	TaskID string
	Status *schema.TaskStatus
	Err    error
	// ConsecutiveFailures counts errors since the last successful poll,
	// including this one.
	ConsecutiveFailures int
}

// ReportFunc receives updates on the polling goroutine. It must not block for
// long and must not call Stop or Start synchronously.
type ReportFunc func(Update)

// Fallback runs at most one polling loop at a time.
type Fallback struct {
	source Source
	report ReportFunc
	logger *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	poke    chan struct{}
	running bool
}

func New(source Source, report ReportFunc, logger *zap.Logger) *Fallback {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fallback{
		source: source,
		report: report,
		logger: logger.Named("poll"),
	}
}

// Start polls taskID immediately and then every interval until ctx is done or
// Stop is called. A running loop is stopped first.
func (f *Fallback) Start(ctx context.Context, taskID string, interval time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopLocked()

	loopCtx, cancel := context.WithCancel(ctx)
	poke := make(chan struct{}, 1)
	f.cancel = cancel
	f.poke = poke
	f.running = true
	go f.loop(loopCtx, taskID, interval, poke)
}

// Stop ends the loop without waiting for an in-flight request. A report
// racing Stop may still be delivered once.
func (f *Fallback) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopLocked()
}

func (f *Fallback) stopLocked() {
	if f.cancel != nil {
		f.cancel()
	}
	f.cancel = nil
	f.poke = nil
	f.running = false
}

// Poke requests a poll now instead of at the next tick. Pokes coalesce.
func (f *Fallback) Poke() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.poke == nil {
		return
	}
	select {
	case f.poke <- struct{}{}:
	default:
	}
}

func (f *Fallback) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *Fallback) loop(ctx context.Context, taskID string, interval time.Duration, poke <-chan struct{}) {
	logger := f.logger.With(zap.String("taskID", taskID))
	// The ticker fires once right away, then every interval.
	ticker := backoff.NewTicker(backoff.NewConstantBackOff(interval))
	defer ticker.Stop()

	var last *schema.TaskStatus
	failures := 0
	for {
		select {
		case <-ctx.Done():
			logger.Debug("Polling stopped")
			return
		case <-ticker.C:
		case <-poke:
			logger.Debug("Poll requested")
		}

		status, err := f.source.FetchStatus(ctx, taskID)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			failures++
			logger.Warn("Status poll failed", zap.Error(err), zap.Int("consecutiveFailures", failures))
			f.report(Update{TaskID: taskID, Err: err, ConsecutiveFailures: failures})
			continue
		}
		failures = 0
		if last.Equal(status) {
			continue
		}
		last = status
		f.report(Update{TaskID: taskID, Status: status})
	}
}
