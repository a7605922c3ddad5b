package metrics

import (
	"database/sql"
	"time"
)

// DBPoolStats holds ledger database pool statistics.
type DBPoolStats struct {
	OpenConnections    int
	InUse              int
	Idle               int
	MaxOpenConnections int
	WaitCount          int64
	WaitDuration       time.Duration
}

// ToMap converts stats to a map for JSON serialization.
func (s DBPoolStats) ToMap() map[string]any {
	return map[string]any{
		"open_connections":     s.OpenConnections,
		"in_use":               s.InUse,
		"idle":                 s.Idle,
		"max_open_connections": s.MaxOpenConnections,
		"wait_count":           s.WaitCount,
		"wait_duration_ms":     s.WaitDuration.Milliseconds(),
	}
}

// GetDBPoolStats reads pool statistics from db. A nil db yields zero stats.
func GetDBPoolStats(db *sql.DB) DBPoolStats {
	if db == nil {
		return DBPoolStats{}
	}

	stats := db.Stats()
	return DBPoolStats{
		OpenConnections:    stats.OpenConnections,
		InUse:              stats.InUse,
		Idle:               stats.Idle,
		MaxOpenConnections: stats.MaxOpenConnections,
		WaitCount:          stats.WaitCount,
		WaitDuration:       stats.WaitDuration,
	}
}

// PoolHealthStatus indicates the health of a connection pool.
type PoolHealthStatus string

const (
	PoolHealthy   PoolHealthStatus = "healthy"
	PoolDegraded  PoolHealthStatus = "degraded"
	PoolUnhealthy PoolHealthStatus = "unhealthy"
)

// AssessDBPoolHealth grades pool utilization and wait time.
func AssessDBPoolHealth(stats DBPoolStats) PoolHealthStatus {
	if stats.MaxOpenConnections == 0 {
		return PoolHealthy
	}

	utilization := float64(stats.InUse) / float64(stats.MaxOpenConnections)
	switch {
	case utilization >= 0.95 && stats.MaxOpenConnections > 1:
		return PoolUnhealthy
	case utilization >= 0.80 && stats.MaxOpenConnections > 1:
		return PoolDegraded
	case stats.WaitCount > 0 && stats.WaitDuration > 5*time.Second:
		return PoolDegraded
	}
	return PoolHealthy
}
