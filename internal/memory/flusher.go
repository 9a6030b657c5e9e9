package memory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/parley/internal/faults"
)

// FaultSink records storage failures in the error taxonomy so they reach
// the audit trail and the escalation path. Satisfied by *faults.Classifier.
type FaultSink interface {
	Classify(err error, sessionID string) faults.Record
}

// Flusher periodically persists dirty session state and evicts sessions
// that have gone idle. One Flusher per Store.
type Flusher struct {
	store    *Store
	interval time.Duration
	maxIdle  time.Duration
	faults   FaultSink
	logger   *slog.Logger
}

// NewFlusher creates a Flusher. interval defaults to 60s and maxIdle to
// 1h when out of range. sink may be nil; failures are then only logged.
func NewFlusher(store *Store, interval, maxIdle time.Duration, sink FaultSink) *Flusher {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if maxIdle <= 0 {
		maxIdle = time.Hour
	}
	return &Flusher{
		store:    store,
		interval: interval,
		maxIdle:  maxIdle,
		faults:   sink,
		logger:   slog.Default(),
	}
}

// Run flushes on a fixed interval until ctx is cancelled, then performs
// one final flush so shutdown never loses acknowledged turns.
func (f *Flusher) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := f.store.FlushOnce(); err != nil {
				f.report("final flush", "", err)
			}
			return
		case <-ticker.C:
			f.RunOnce()
		}
	}
}

// RunOnce evicts idle sessions (each eviction flushes that session first)
// and persists whatever is still dirty. Failures are recorded and retried
// on the next cycle.
func (f *Flusher) RunOnce() {
	for _, id := range f.store.IdleSessions(f.maxIdle) {
		if err := f.store.Evict(id); err != nil {
			f.report("evicting idle session", id, err)
		} else {
			f.logger.Info("evicted idle session", "session_id", id)
		}
	}

	if err := f.store.FlushOnce(); err != nil {
		f.report("periodic flush", "", err)
	}
}

// report routes a storage failure into the error taxonomy. The sink's
// decision table escalates memory records, so persistence trouble is
// flagged instead of sitting in the log alone.
func (f *Flusher) report(op, sessionID string, err error) {
	if f.faults == nil {
		f.logger.Warn(op+" failed", "session_id", sessionID, "error", err)
		return
	}
	f.faults.Classify(faults.Tag(faults.Memory, fmt.Errorf("%s: %w", op, err)), sessionID)
}
