package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"autoreply_worker/core/domain"
	"autoreply_worker/core/port/out"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// =============================================================================
// ReplyLedgerAdapter - durable dedup ledger over Postgres or SQLite
// =============================================================================

const statusClaimed = string(domain.ReplyStatusClaimed)

type ReplyLedgerAdapter struct {
	db       *sqlx.DB
	dialect  dialect
	claimTTL time.Duration
	now      func() time.Time
}

// NewReplyLedgerAdapter creates a SQL ledger. Claims older than claimTTL are
// treated as abandoned by a crashed worker and may be taken over; zero keeps
// claims forever.
func NewReplyLedgerAdapter(db *sqlx.DB, claimTTL time.Duration) *ReplyLedgerAdapter {
	return &ReplyLedgerAdapter{
		db:       db,
		dialect:  dialectOf(db),
		claimTTL: claimTTL,
		now:      time.Now,
	}
}

// =============================================================================
// Entity
// =============================================================================

type replyRecordEntity struct {
	ThreadID    string       `db:"thread_id"`
	MessageID   string       `db:"message_id"`
	Status      string       `db:"status"`
	ClaimedAt   time.Time    `db:"claimed_at"`
	CompletedAt sql.NullTime `db:"completed_at"`
}

func (e *replyRecordEntity) toDomain() *domain.ReplyRecord {
	rec := &domain.ReplyRecord{
		ThreadID:  e.ThreadID,
		MessageID: e.MessageID,
		Status:    domain.ReplyStatus(e.Status),
		ClaimedAt: e.ClaimedAt,
	}
	if e.CompletedAt.Valid {
		t := e.CompletedAt.Time
		rec.CompletedAt = &t
	}
	return rec
}

// =============================================================================
// ReplyLedger
// =============================================================================

// HasReplied reports whether the thread is settled or holds a live claim.
func (a *ReplyLedgerAdapter) HasReplied(ctx context.Context, threadID string) (bool, error) {
	rec, err := a.Get(ctx, threadID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rec.Live(a.now(), a.claimTTL), nil
}

// TryClaim inserts a claimed row. A conflicting row is taken over only when it
// is a stale claim.
func (a *ReplyLedgerAdapter) TryClaim(ctx context.Context, threadID, messageID string) (bool, error) {
	if threadID == "" {
		return false, ErrInvalidInput
	}
	now := a.now().UTC()

	res, err := a.db.ExecContext(ctx, a.db.Rebind(`
		INSERT INTO reply_ledger (thread_id, message_id, status, claimed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (thread_id) DO NOTHING`),
		threadID, messageID, statusClaimed, now)
	if err != nil {
		return false, fmt.Errorf("failed to insert claim: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}

	if a.claimTTL <= 0 {
		return false, nil
	}

	res, err = a.db.ExecContext(ctx, a.db.Rebind(`
		UPDATE reply_ledger
		SET message_id = ?, claimed_at = ?
		WHERE thread_id = ? AND status = ? AND claimed_at < ?`),
		messageID, now, threadID, statusClaimed, now.Add(-a.claimTTL))
	if err != nil {
		return false, fmt.Errorf("failed to take over stale claim: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// MarkReplied settles the thread as replied.
func (a *ReplyLedgerAdapter) MarkReplied(ctx context.Context, threadID string) error {
	return a.settle(ctx, threadID, domain.ReplyStatusReplied)
}

// MarkSkipped settles the thread as unreplyable.
func (a *ReplyLedgerAdapter) MarkSkipped(ctx context.Context, threadID string) error {
	return a.settle(ctx, threadID, domain.ReplyStatusSkipped)
}

// settle upserts a settled row. Already settled rows keep their first status.
func (a *ReplyLedgerAdapter) settle(ctx context.Context, threadID string, status domain.ReplyStatus) error {
	now := a.now().UTC()

	_, err := a.db.ExecContext(ctx, a.db.Rebind(`
		INSERT INTO reply_ledger (thread_id, message_id, status, claimed_at, completed_at)
		VALUES (?, '', ?, ?, ?)
		ON CONFLICT (thread_id) DO UPDATE
		SET status = excluded.status, completed_at = excluded.completed_at
		WHERE reply_ledger.status = ?`),
		threadID, string(status), now, now, statusClaimed)
	if err != nil {
		return fmt.Errorf("failed to mark thread %s: %w", status, err)
	}
	return nil
}

// Release deletes an unsettled claim.
func (a *ReplyLedgerAdapter) Release(ctx context.Context, threadID string) error {
	_, err := a.db.ExecContext(ctx, a.db.Rebind(
		`DELETE FROM reply_ledger WHERE thread_id = ? AND status = ?`),
		threadID, statusClaimed)
	if err != nil {
		return fmt.Errorf("failed to release claim: %w", err)
	}
	return nil
}

// Prune deletes settled rows completed before olderThan.
func (a *ReplyLedgerAdapter) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := a.db.ExecContext(ctx, a.db.Rebind(
		`DELETE FROM reply_ledger WHERE status <> ? AND completed_at < ?`),
		statusClaimed, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune ledger: %w", err)
	}
	return res.RowsAffected()
}

// =============================================================================
// Queries
// =============================================================================

// Get returns the thread's record or ErrNotFound.
func (a *ReplyLedgerAdapter) Get(ctx context.Context, threadID string) (*domain.ReplyRecord, error) {
	var e replyRecordEntity
	err := a.db.GetContext(ctx, &e, a.db.Rebind(`
		SELECT thread_id, message_id, status, claimed_at, completed_at
		FROM reply_ledger WHERE thread_id = ?`), threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger record: %w", err)
	}
	return e.toDomain(), nil
}

// Lookup is Get with a found flag instead of ErrNotFound.
func (a *ReplyLedgerAdapter) Lookup(ctx context.Context, threadID string) (*domain.ReplyRecord, bool, error) {
	rec, err := a.Get(ctx, threadID)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// RepliedSet returns which of threadIDs are settled or hold a live claim, in one query.
func (a *ReplyLedgerAdapter) RepliedSet(ctx context.Context, threadIDs []string) (map[string]bool, error) {
	result := make(map[string]bool, len(threadIDs))
	if len(threadIDs) == 0 {
		return result, nil
	}

	var (
		query string
		args  []interface{}
		err   error
	)
	const cols = `SELECT thread_id, message_id, status, claimed_at, completed_at FROM reply_ledger`
	if a.dialect == dialectPostgres {
		query = a.db.Rebind(cols + ` WHERE thread_id = ANY(?)`)
		args = []interface{}{pq.Array(threadIDs)}
	} else {
		query, args, err = sqlx.In(cols+` WHERE thread_id IN (?)`, threadIDs)
		if err != nil {
			return nil, fmt.Errorf("failed to build ledger query: %w", err)
		}
		query = a.db.Rebind(query)
	}

	var rows []replyRecordEntity
	if err := a.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}

	now := a.now()
	for i := range rows {
		if rows[i].toDomain().Live(now, a.claimTTL) {
			result[rows[i].ThreadID] = true
		}
	}
	return result, nil
}

// Counts returns the number of rows per status.
func (a *ReplyLedgerAdapter) Counts(ctx context.Context) (map[domain.ReplyStatus]int64, error) {
	var rows []struct {
		Status string `db:"status"`
		Count  int64  `db:"count"`
	}
	if err := a.db.SelectContext(ctx, &rows,
		`SELECT status, COUNT(*) AS count FROM reply_ledger GROUP BY status`); err != nil {
		return nil, fmt.Errorf("failed to count ledger: %w", err)
	}

	counts := make(map[domain.ReplyStatus]int64, len(rows))
	for _, r := range rows {
		counts[domain.ReplyStatus(r.Status)] = r.Count
	}
	return counts, nil
}

var _ out.ReplyLedger = (*ReplyLedgerAdapter)(nil)
