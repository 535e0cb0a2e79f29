// Package collector implements the edge collector runtime: one
// persistent upstream WebSocket connection per instance, a size/age-
// bounded batcher, and a retrying HTTP sender to the ingestion endpoint.
package collector

import (
	"sync"
	"time"

	"github.com/feedmesh/pricefeed/internal/domain"
)

// BatcherConfig bounds how long and how large a pending batch may grow
// before it must be flushed.
type BatcherConfig struct {
	MaxBatchSize int
	MaxBatchAge  time.Duration
}

// Batcher accumulates observations and decides when to flush: triggers
// are size >= N, oldest-pending age >= T, or graceful shutdown. A failed
// flush is re-enqueued at the head via Requeue, bounded by a 2N
// ceiling; beyond the ceiling the oldest items are dropped and
// OnDropOverflow is invoked. Requeue does not track how often an item
// has been re-enqueued: items of a batch that keeps failing are retried
// on every flush until the ceiling drops them.
type Batcher struct {
	mu     sync.Mutex
	cfg    BatcherConfig
	items  []domain.Observation
	oldest time.Time

	// OnDropOverflow is called once per Requeue that exceeds the retained-
	// items ceiling, with the number of items dropped (for a drop_overflow
	// metric).
	OnDropOverflow func(n int)
}

// NewBatcher constructs a Batcher from cfg.
func NewBatcher(cfg BatcherConfig) *Batcher {
	return &Batcher{cfg: cfg}
}

// Add enqueues obs, recording the arrival time of the oldest pending item
// for the age-based flush trigger.
func (b *Batcher) Add(obs domain.Observation) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.items) == 0 {
		b.oldest = time.Now()
	}
	b.items = append(b.items, obs)
}

// ShouldFlush reports whether a size or age trigger has fired.
func (b *Batcher) ShouldFlush() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.shouldFlushLocked()
}

func (b *Batcher) shouldFlushLocked() bool {
	if len(b.items) == 0 {
		return false
	}
	if len(b.items) >= b.cfg.MaxBatchSize {
		return true
	}
	return time.Since(b.oldest) >= b.cfg.MaxBatchAge
}

// Flush atomically hands off everything pending, resetting the internal
// buffer. Callers own the returned slice.
func (b *Batcher) Flush() []domain.Observation {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.items) == 0 {
		return nil
	}
	out := b.items
	b.items = nil
	return out
}

// Len reports the number of items currently pending.
func (b *Batcher) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Requeue re-enqueues items at the head after a failed flush, dropping
// the oldest items beyond the 2*MaxBatchSize ceiling.
func (b *Batcher) Requeue(items []domain.Observation) {
	if len(items) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	merged := append(append([]domain.Observation(nil), items...), b.items...)

	ceiling := 2 * b.cfg.MaxBatchSize
	if len(merged) > ceiling {
		dropped := len(merged) - ceiling
		merged = merged[dropped:]
		if b.OnDropOverflow != nil {
			b.OnDropOverflow(dropped)
		}
	}

	b.items = merged
	if len(b.items) > 0 {
		b.oldest = time.Now()
	}
}
