package http

import (
	"context"
	"errors"
	"strings"
	"time"

	"autoreply_worker/adapter/in/worker"
	"autoreply_worker/core/domain"
	"autoreply_worker/pkg/apperr"
	"autoreply_worker/pkg/metrics"

	"github.com/gofiber/fiber/v2"
	"github.com/jmoiron/sqlx"
)

// SchedulerStatus is the read side of the poll scheduler.
type SchedulerStatus interface {
	Status() worker.Status
	Metrics() *metrics.ReplyMetrics
}

// LedgerInspector reads ledger contents for operators.
type LedgerInspector interface {
	Counts(ctx context.Context) (map[domain.ReplyStatus]int64, error)
	Lookup(ctx context.Context, threadID string) (*domain.ReplyRecord, bool, error)
}

// StatusHandler serves the read-only operator view of the reply loop.
type StatusHandler struct {
	scheduler SchedulerStatus
	ledger    LedgerInspector
	backend   string
	db        *sqlx.DB
	circuit   func() string
	pools     map[string]func() any
}

// StatusOption configures optional parts of the status response.
type StatusOption func(*StatusHandler)

// WithDBPool adds connection pool stats for SQL ledgers.
func WithDBPool(db *sqlx.DB) StatusOption {
	return func(h *StatusHandler) { h.db = db }
}

// WithPoolStats adds a named client pool snapshot, such as the pgx or redis pool.
func WithPoolStats(name string, fn func() any) StatusOption {
	return func(h *StatusHandler) {
		if h.pools == nil {
			h.pools = make(map[string]func() any)
		}
		h.pools[name] = fn
	}
}

// WithCircuitState adds the gateway circuit breaker state.
func WithCircuitState(fn func() string) StatusOption {
	return func(h *StatusHandler) { h.circuit = fn }
}

func NewStatusHandler(scheduler SchedulerStatus, ledger LedgerInspector, backend string, opts ...StatusOption) *StatusHandler {
	h := &StatusHandler{scheduler: scheduler, ledger: ledger, backend: backend}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *StatusHandler) Register(app fiber.Router) {
	app.Get("/status", h.Status)
	app.Get("/status/threads/:threadId", h.Thread)
}

// Status reports scheduler state, the last cycle, counters and latency percentiles.
func (h *StatusHandler) Status(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 5*time.Second)
	defer cancel()

	st := h.scheduler.Status()
	m := h.scheduler.Metrics()

	ledger := fiber.Map{"backend": h.backend}
	counts, err := h.ledger.Counts(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return apperr.Timeout("ledger counts")
		}
		return apperr.DatabaseError("ledger counts", err)
	}
	ledger["records"] = counts
	if h.db != nil {
		stats := metrics.GetDBPoolStats(h.db.DB)
		ledger["pool"] = stats.ToMap()
		ledger["pool_health"] = metrics.AssessDBPoolHealth(stats)
	}
	for name, fn := range h.pools {
		ledger[name] = fn()
	}

	resp := fiber.Map{
		"state":    st.State,
		"cycles":   m.Cycles.Load(),
		"failed":   m.FailedCycles.Load(),
		"outcomes": m.Outcomes(),
		"latency": fiber.Map{
			"cycle":  m.CycleLatency.Stats().ToMap(),
			"thread": m.ThreadLatency.Stats().ToMap(),
		},
		"ledger": ledger,
	}
	if !st.NextPollAt.IsZero() {
		resp["next_poll_at"] = st.NextPollAt.UTC().Format(time.RFC3339)
	}
	if st.LastCycle != nil {
		resp["last_cycle"] = st.LastCycle
	}
	if h.circuit != nil {
		resp["gateway_circuit"] = h.circuit()
	}

	return c.JSON(resp)
}

// Thread returns the ledger record of one thread.
func (h *StatusHandler) Thread(c *fiber.Ctx) error {
	threadID := strings.TrimSpace(c.Params("threadId"))
	if threadID == "" {
		return apperr.BadRequest("thread id is required")
	}

	rec, ok, err := h.ledger.Lookup(c.UserContext(), threadID)
	if err != nil {
		return apperr.DatabaseError("ledger lookup", err)
	}
	if !ok {
		return apperr.NotFound("thread").WithDetail("thread_id", threadID)
	}
	return c.JSON(rec)
}
