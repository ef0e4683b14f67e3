package service

import (
	"log/slog"
	"sync"
	"time"

	"github.com/supercaly/syncd/pkg/metrics"
)

type pendingAck struct {
	timer   *time.Timer
	armedAt time.Time
}

// AckTimers tracks one confirmation deadline per in-flight operation id. An
// operation armed twice keeps only the newer deadline.
type AckTimers struct {
	mu      sync.Mutex
	timeout time.Duration
	pending map[string]pendingAck
	logger  *slog.Logger
}

func NewAckTimers(timeout time.Duration, logger *slog.Logger) *AckTimers {
	return &AckTimers{
		timeout: timeout,
		pending: make(map[string]pendingAck),
		logger:  logger,
	}
}

// Arm starts the countdown for id. If no echo cancels it before the timeout,
// expire runs exactly once on the timer goroutine.
func (t *AckTimers) Arm(id string, expire func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.pending[id]; ok {
		prev.timer.Stop()
	}

	timer := time.AfterFunc(t.timeout, func() {
		// Re-check under lock so a Cancel racing the expiry wins
		t.mu.Lock()
		_, live := t.pending[id]
		delete(t.pending, id)
		t.mu.Unlock()
		if !live {
			return
		}
		t.logger.Warn("Confirmation timed out", "id", id)
		expire()
	})
	t.pending[id] = pendingAck{timer: timer, armedAt: time.Now()}
}

// Cancel stops the countdown for id. It reports whether a timer was still
// armed, and records the observed confirmation latency when one was.
func (t *AckTimers) Cancel(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.pending[id]
	if !ok {
		return false
	}
	delete(t.pending, id)
	p.timer.Stop()
	metrics.AckLatency.Observe(time.Since(p.armedAt).Seconds())
	return true
}

// Pending reports whether id still has an armed timer.
func (t *AckTimers) Pending(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[id]
	return ok
}

// Stop cancels every armed timer without firing expirations.
func (t *AckTimers) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, p := range t.pending {
		p.timer.Stop()
		delete(t.pending, id)
	}
}
