package audit

import (
	"context"
	"errors"
	"sync"

	"admin-security/internal/metrics"
	"admin-security/internal/models"
	"admin-security/internal/repository"
)

// FallbackBuffer holds events that could not be persisted. When full the
// oldest event is dropped.
type FallbackBuffer struct {
	mu      sync.Mutex
	events  []*models.AuditEvent
	max     int
	dropped int64
}

func NewFallbackBuffer(max int) *FallbackBuffer {
	if max <= 0 {
		max = 10000
	}
	return &FallbackBuffer{max: max}
}

// Push stores e and reports whether an older event was dropped to make room.
func (b *FallbackBuffer) Push(e *models.AuditEvent) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	dropped := false
	if len(b.events) >= b.max {
		b.events = b.events[1:]
		b.dropped++
		dropped = true
	}
	b.events = append(b.events, e)
	metrics.AuditFallbackDepth.Set(float64(len(b.events)))
	return dropped
}

func (b *FallbackBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

func (b *FallbackBuffer) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Snapshot returns the buffered events matching keep.
func (b *FallbackBuffer) Snapshot(keep func(*models.AuditEvent) bool) []*models.AuditEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*models.AuditEvent, 0)
	for _, e := range b.events {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}

// Flush retries persistence in order, stopping at the first failure. It
// returns how many events were written.
func (b *FallbackBuffer) Flush(ctx context.Context, repo repository.AuditRepository) (int, error) {
	b.mu.Lock()
	pending := b.events
	b.events = nil
	b.mu.Unlock()

	written := 0
	var flushErr error
	for i, e := range pending {
		err := repo.InsertAuditEvent(ctx, e)
		if err != nil && !errors.Is(err, repository.ErrAlreadyExists) {
			flushErr = err
			b.requeue(pending[i:])
			break
		}
		written++
	}

	b.mu.Lock()
	metrics.AuditFallbackDepth.Set(float64(len(b.events)))
	b.mu.Unlock()
	return written, flushErr
}

func (b *FallbackBuffer) requeue(events []*models.AuditEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	merged := make([]*models.AuditEvent, 0, len(events)+len(b.events))
	merged = append(merged, events...)
	merged = append(merged, b.events...)
	if over := len(merged) - b.max; over > 0 {
		merged = merged[over:]
		b.dropped += int64(over)
	}
	b.events = merged
}
