package domain

import "time"

// ReplyStatus is the lifecycle state of a ledger record.
type ReplyStatus string

const (
	ReplyStatusClaimed ReplyStatus = "claimed" // reply in progress
	ReplyStatusReplied ReplyStatus = "replied"
	ReplyStatusSkipped ReplyStatus = "skipped" // unreplyable, never retried
)

// Settled reports whether the record is final.
func (s ReplyStatus) Settled() bool {
	return s == ReplyStatusReplied || s == ReplyStatusSkipped
}

// ReplyRecord is one entry of the dedup ledger. There is at most one record per thread.
type ReplyRecord struct {
	ThreadID    string      `json:"thread_id" db:"thread_id"`
	MessageID   string      `json:"message_id" db:"message_id"`
	Status      ReplyStatus `json:"status" db:"status"`
	ClaimedAt   time.Time   `json:"claimed_at" db:"claimed_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty" db:"completed_at"`
}

// Live reports whether the record still blocks a new claim at now.
// Settled records always block; claims block until they are older than ttl.
func (r *ReplyRecord) Live(now time.Time, ttl time.Duration) bool {
	if r == nil {
		return false
	}
	if r.Status.Settled() {
		return true
	}
	return ttl <= 0 || now.Sub(r.ClaimedAt) < ttl
}
