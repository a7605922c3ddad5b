// Package cache provides Redis-backed adapters.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"autoreply_worker/core/domain"
	"autoreply_worker/core/port/out"

	"github.com/redis/go-redis/v9"
)

const ledgerKeyPrefix = "autoreply:ledger:"

// Each thread is a hash {status, message_id, claimed_at, completed_at}.
// Claims expire after the claim TTL, settled records after the retention period.
var (
	claimScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'status', 'claimed', 'message_id', ARGV[1], 'claimed_at', ARGV[2])
if tonumber(ARGV[3]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return 1`)

	settleScript = redis.NewScript(`
local s = redis.call('HGET', KEYS[1], 'status')
if s == 'replied' or s == 'skipped' then
	return 0
end
if not s then
	redis.call('HSET', KEYS[1], 'message_id', '', 'claimed_at', ARGV[2])
end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'completed_at', ARGV[2])
if tonumber(ARGV[3]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[3])
else
	redis.call('PERSIST', KEYS[1])
end
return 1`)

	releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') == 'claimed' then
	return redis.call('DEL', KEYS[1])
end
return 0`)
)

// RedisLedger is a ReplyLedger on Redis. Expiry replaces pruning.
type RedisLedger struct {
	client    redis.UniversalClient
	claimTTL  time.Duration
	retention time.Duration
	now       func() time.Time
}

// NewRedisLedger creates a Redis ledger. Zero claimTTL or retention keeps keys forever.
func NewRedisLedger(client redis.UniversalClient, claimTTL, retention time.Duration) *RedisLedger {
	return &RedisLedger{
		client:    client,
		claimTTL:  claimTTL,
		retention: retention,
		now:       time.Now,
	}
}

func ledgerKey(threadID string) string {
	return ledgerKeyPrefix + threadID
}

// HasReplied reports whether a claim or settled record exists.
// Stale claims have already expired.
func (l *RedisLedger) HasReplied(ctx context.Context, threadID string) (bool, error) {
	n, err := l.client.Exists(ctx, ledgerKey(threadID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check ledger: %w", err)
	}
	return n > 0, nil
}

func (l *RedisLedger) TryClaim(ctx context.Context, threadID, messageID string) (bool, error) {
	won, err := claimScript.Run(ctx, l.client, []string{ledgerKey(threadID)},
		messageID, l.stamp(), l.claimTTL.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to claim thread: %w", err)
	}
	return won == 1, nil
}

func (l *RedisLedger) MarkReplied(ctx context.Context, threadID string) error {
	return l.settle(ctx, threadID, domain.ReplyStatusReplied)
}

func (l *RedisLedger) MarkSkipped(ctx context.Context, threadID string) error {
	return l.settle(ctx, threadID, domain.ReplyStatusSkipped)
}

func (l *RedisLedger) settle(ctx context.Context, threadID string, status domain.ReplyStatus) error {
	err := settleScript.Run(ctx, l.client, []string{ledgerKey(threadID)},
		string(status), l.stamp(), l.retention.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("failed to mark thread %s: %w", status, err)
	}
	return nil
}

// Release deletes the key only while it still holds a claim.
func (l *RedisLedger) Release(ctx context.Context, threadID string) error {
	if err := releaseScript.Run(ctx, l.client, []string{ledgerKey(threadID)}).Err(); err != nil {
		return fmt.Errorf("failed to release claim: %w", err)
	}
	return nil
}

// Prune is a no-op: settled keys carry the retention TTL.
func (l *RedisLedger) Prune(context.Context, time.Time) (int64, error) {
	return 0, nil
}

// RepliedSet checks many threads in one round trip.
func (l *RedisLedger) RepliedSet(ctx context.Context, threadIDs []string) (map[string]bool, error) {
	result := make(map[string]bool, len(threadIDs))
	if len(threadIDs) == 0 {
		return result, nil
	}

	pipe := l.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(threadIDs))
	for i, id := range threadIDs {
		cmds[i] = pipe.Exists(ctx, ledgerKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}

	for i, id := range threadIDs {
		if cmds[i].Val() > 0 {
			result[id] = true
		}
	}
	return result, nil
}

// Lookup returns the thread's record, or false when there is none.
func (l *RedisLedger) Lookup(ctx context.Context, threadID string) (*domain.ReplyRecord, bool, error) {
	fields, err := l.client.HGetAll(ctx, ledgerKey(threadID)).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to get ledger record: %w", err)
	}
	if len(fields) == 0 {
		return nil, false, nil
	}

	rec := &domain.ReplyRecord{
		ThreadID:  threadID,
		MessageID: fields["message_id"],
		Status:    domain.ReplyStatus(fields["status"]),
		ClaimedAt: parseStamp(fields["claimed_at"]),
	}
	if v, ok := fields["completed_at"]; ok {
		t := parseStamp(v)
		rec.CompletedAt = &t
	}
	return rec, true, nil
}

// Counts scans the ledger keyspace and tallies statuses.
func (l *RedisLedger) Counts(ctx context.Context) (map[domain.ReplyStatus]int64, error) {
	counts := make(map[domain.ReplyStatus]int64, 3)

	iter := l.client.Scan(ctx, 0, ledgerKeyPrefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		status, err := l.client.HGet(ctx, iter.Val(), "status").Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to count ledger: %w", err)
		}
		counts[domain.ReplyStatus(status)]++
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan ledger: %w", err)
	}
	return counts, nil
}

func (l *RedisLedger) stamp() string {
	return strconv.FormatInt(l.now().UnixMilli(), 10)
}

func parseStamp(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

var _ out.ReplyLedger = (*RedisLedger)(nil)
