// Package ledger implements the process-local dedup ledger.
package ledger

import (
	"context"
	"sync"
	"time"

	"autoreply_worker/core/domain"
	"autoreply_worker/core/port/out"
)

// MemoryLedger keeps reply records for the lifetime of the process.
// Entries are never evicted; Prune is a no-op.
type MemoryLedger struct {
	mu      sync.Mutex
	records map[string]*domain.ReplyRecord
	now     func() time.Time
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		records: make(map[string]*domain.ReplyRecord),
		now:     time.Now,
	}
}

// HasReplied reports whether the thread is claimed or settled.
func (l *MemoryLedger) HasReplied(_ context.Context, threadID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, ok := l.records[threadID]
	return ok, nil
}

// TryClaim inserts a claimed record if the thread is unknown.
func (l *MemoryLedger) TryClaim(_ context.Context, threadID, messageID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.records[threadID]; ok {
		return false, nil
	}
	l.records[threadID] = &domain.ReplyRecord{
		ThreadID:  threadID,
		MessageID: messageID,
		Status:    domain.ReplyStatusClaimed,
		ClaimedAt: l.now(),
	}
	return true, nil
}

// MarkReplied settles the thread as replied. Calling it twice has no further effect.
func (l *MemoryLedger) MarkReplied(_ context.Context, threadID string) error {
	l.settle(threadID, domain.ReplyStatusReplied)
	return nil
}

// MarkSkipped settles the thread as unreplyable.
func (l *MemoryLedger) MarkSkipped(_ context.Context, threadID string) error {
	l.settle(threadID, domain.ReplyStatusSkipped)
	return nil
}

func (l *MemoryLedger) settle(threadID string, status domain.ReplyStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	rec, ok := l.records[threadID]
	if !ok {
		rec = &domain.ReplyRecord{ThreadID: threadID, ClaimedAt: now}
		l.records[threadID] = rec
	}
	if rec.Status.Settled() {
		return
	}
	rec.Status = status
	rec.CompletedAt = &now
}

// Release drops an unsettled claim so the thread is picked up again.
func (l *MemoryLedger) Release(_ context.Context, threadID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if rec, ok := l.records[threadID]; ok && !rec.Status.Settled() {
		delete(l.records, threadID)
	}
	return nil
}

// Prune is a no-op: the in-memory ledger lives only as long as the process.
func (l *MemoryLedger) Prune(context.Context, time.Time) (int64, error) {
	return 0, nil
}

// Len returns the number of records, claimed ones included.
func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// Counts returns the number of records per status.
func (l *MemoryLedger) Counts(context.Context) (map[domain.ReplyStatus]int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	counts := make(map[domain.ReplyStatus]int64, 3)
	for _, rec := range l.records {
		counts[rec.Status]++
	}
	return counts, nil
}

// Get returns a copy of the thread's record.
func (l *MemoryLedger) Get(threadID string) (domain.ReplyRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[threadID]
	if !ok {
		return domain.ReplyRecord{}, false
	}
	return *rec, true
}

// Lookup returns a copy of the thread's record.
func (l *MemoryLedger) Lookup(_ context.Context, threadID string) (*domain.ReplyRecord, bool, error) {
	rec, ok := l.Get(threadID)
	if !ok {
		return nil, false, nil
	}
	return &rec, true, nil
}

var _ out.ReplyLedger = (*MemoryLedger)(nil)
