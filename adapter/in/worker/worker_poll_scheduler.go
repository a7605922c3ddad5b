// Package worker drives the reply loop: poll cycles and ledger housekeeping.
package worker

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"autoreply_worker/core/domain"
	"autoreply_worker/core/port/out"
	"autoreply_worker/pkg/metrics"

	"github.com/go-pkgz/pool"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrCycleRunning is returned when a cycle is requested while one is in flight.
var ErrCycleRunning = errors.New("poll cycle already running")

// State is the scheduler's lifecycle state.
type State string

const (
	StateIdle    State = "idle"
	StatePolling State = "polling"
	StatePaused  State = "paused" // waiting for a usable credential
)

// ThreadProcessor evaluates one inbox entry.
type ThreadProcessor interface {
	ProcessMessage(ctx context.Context, entry domain.InboxEntry) (domain.ReplyOutcome, error)
}

// repliedSetter is implemented by ledgers that can answer for many threads at once.
type repliedSetter interface {
	RepliedSet(ctx context.Context, threadIDs []string) (map[string]bool, error)
}

type ownerInvalidator interface {
	InvalidateOwner()
}

// PollConfig holds poll scheduler configuration.
type PollConfig struct {
	MinInterval   time.Duration
	MaxInterval   time.Duration
	RunOnStart    bool
	CycleTimeout  time.Duration
	ThreadTimeout time.Duration
	Concurrency   int

	// AnsweredTTL is how long a thread found already answered is left out of
	// later cycles without asking the gateway again. Zero disables it.
	AnsweredTTL time.Duration
}

// DefaultPollConfig returns default poll scheduler configuration.
func DefaultPollConfig() PollConfig {
	return PollConfig{
		MinInterval:   45 * time.Second,
		MaxInterval:   120 * time.Second,
		RunOnStart:    true,
		CycleTimeout:  5 * time.Minute,
		ThreadTimeout: 30 * time.Second,
		Concurrency:   4,
		AnsweredTTL:   6 * time.Hour,
	}
}

// CycleSummary describes one finished poll cycle.
type CycleSummary struct {
	ID         string                      `json:"id"`
	StartedAt  time.Time                   `json:"started_at"`
	Duration   time.Duration               `json:"duration"`
	Listed     int                         `json:"listed"`
	Candidates int                         `json:"candidates"`
	Outcomes   map[domain.ReplyOutcome]int `json:"outcomes"`
	Failed     int                         `json:"failed"`
	Cancelled  int                         `json:"cancelled"`
	Skipped    string                      `json:"skipped,omitempty"`
	Err        string                      `json:"error,omitempty"`
}

// Sent returns how many replies went out during the cycle.
func (c *CycleSummary) Sent() int {
	return c.Outcomes[domain.OutcomeSent] + c.Outcomes[domain.OutcomeSentUnlabeled]
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	State      State         `json:"state"`
	NextPollAt time.Time     `json:"next_poll_at,omitempty"`
	LastCycle  *CycleSummary `json:"last_cycle,omitempty"`
}

// =============================================================================
// PollScheduler
// =============================================================================

// PollScheduler runs poll cycles at random intervals in [MinInterval, MaxInterval].
// Cycles never overlap. Each cycle lists the inbox, drops threads the ledger
// already knows, and hands the rest to the engine on a bounded worker pool.
type PollScheduler struct {
	gateway out.MailboxGateway
	ledger  out.ReplyLedger
	engine  ThreadProcessor
	creds   out.CredentialProvider
	metrics *metrics.ReplyMetrics
	cfg     PollConfig
	log     zerolog.Logger

	// randN returns a value in [0, n).
	randN func(n int64) int64
	now   func() time.Time

	polling atomic.Bool

	// threads that already held more than one message, with expiry
	answeredMu sync.Mutex
	answered   map[string]time.Time

	mu     sync.Mutex
	state  State
	nextAt time.Time
	last   *CycleSummary

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewPollScheduler creates a poll scheduler. A nil metrics gets a private instance.
func NewPollScheduler(
	gateway out.MailboxGateway,
	ledger out.ReplyLedger,
	engine ThreadProcessor,
	creds out.CredentialProvider,
	m *metrics.ReplyMetrics,
	cfg PollConfig,
	log zerolog.Logger,
) *PollScheduler {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.MaxInterval < cfg.MinInterval {
		cfg.MaxInterval = cfg.MinInterval
	}
	if m == nil {
		m = metrics.NewReplyMetrics()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &PollScheduler{
		gateway:  gateway,
		ledger:   ledger,
		engine:   engine,
		creds:    creds,
		metrics:  m,
		cfg:      cfg,
		log:      log.With().Str("component", "poll_scheduler").Logger(),
		randN:    rand.Int64N,
		now:      time.Now,
		state:    StateIdle,
		answered: make(map[string]time.Time),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// Start starts the poll loop in the background.
func (s *PollScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}
	s.started = true

	s.log.Info().
		Dur("min_interval", s.cfg.MinInterval).
		Dur("max_interval", s.cfg.MaxInterval).
		Int("concurrency", s.cfg.Concurrency).
		Msg("poll scheduler starting")
	go s.run()
}

// Stop cancels the loop and any running cycle, then waits for the loop to exit
// or ctx to expire.
func (s *PollScheduler) Stop(ctx context.Context) error {
	s.cancel()

	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return nil
	}

	select {
	case <-s.done:
		s.log.Info().Msg("poll scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *PollScheduler) run() {
	defer close(s.done)

	delay := s.NextDelay()
	if s.cfg.RunOnStart {
		delay = 0
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		s.setNextAt(s.now().Add(delay))

		select {
		case <-s.ctx.Done():
			return
		case <-timer.C:
			_, err := s.RunCycle(s.ctx)
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, out.ErrUnauthenticated) {
				s.log.Warn().Err(err).Msg("poll cycle ended with error")
			}
			delay = s.NextDelay()
			timer.Reset(delay)
		}
	}
}

// NextDelay draws the wait before the next cycle, uniformly in [MinInterval, MaxInterval].
func (s *PollScheduler) NextDelay() time.Duration {
	span := int64(s.cfg.MaxInterval - s.cfg.MinInterval)
	if span <= 0 {
		return s.cfg.MinInterval
	}
	return s.cfg.MinInterval + time.Duration(s.randN(span+1))
}

// =============================================================================
// Poll cycle
// =============================================================================

// RunCycle executes one poll cycle synchronously. It returns ErrCycleRunning if
// another cycle is in flight and out.ErrUnauthenticated when the cycle was
// skipped or aborted for lack of a credential. Per-thread failures are counted
// in the summary, not returned.
func (s *PollScheduler) RunCycle(ctx context.Context) (*CycleSummary, error) {
	if !s.polling.CompareAndSwap(false, true) {
		return nil, ErrCycleRunning
	}
	defer s.polling.Store(false)

	summary := &CycleSummary{
		ID:        uuid.NewString(),
		StartedAt: s.now(),
		Outcomes:  make(map[domain.ReplyOutcome]int),
	}
	log := s.log.With().Str("cycle_id", summary.ID).Logger()

	err := s.cycle(ctx, summary, log)

	summary.Duration = s.now().Sub(summary.StartedAt)
	s.metrics.Cycle(summary.Duration, err != nil && summary.Skipped == "")
	if err != nil {
		summary.Err = err.Error()
	}

	s.mu.Lock()
	s.last = summary
	if s.state == StatePolling {
		s.state = StateIdle
	}
	s.mu.Unlock()

	ev := log.Info()
	if summary.Skipped != "" {
		ev = log.Debug()
	}
	ev.Int("listed", summary.Listed).
		Int("candidates", summary.Candidates).
		Int("sent", summary.Sent()).
		Int("failed", summary.Failed).
		Dur("duration", summary.Duration).
		Msg("poll cycle finished")
	return summary, err
}

func (s *PollScheduler) cycle(ctx context.Context, summary *CycleSummary, log zerolog.Logger) error {
	if !s.creds.Ready(ctx) {
		summary.Skipped = "unauthenticated"
		if s.swapState(StatePaused) != StatePaused {
			log.Warn().Msg("no usable credential, polling paused until one is stored")
		} else {
			log.Debug().Msg("no usable credential, skipping poll cycle")
		}
		return out.ErrUnauthenticated
	}
	s.setState(StatePolling)

	cctx, cancel := s.cycleContext(ctx)
	defer cancel()

	entries, err := s.gateway.ListInboxMessages(cctx)
	if err != nil {
		if out.IsAuthExpired(err) {
			s.pause(ctx, log)
			return errors.Join(out.ErrUnauthenticated, err)
		}
		return err
	}
	summary.Listed = len(entries)

	candidates := s.candidates(cctx, entries, log)
	summary.Candidates = len(candidates)
	if len(candidates) == 0 {
		return nil
	}

	if s.fanOut(cctx, cancel, candidates, summary, log) {
		s.pause(ctx, log)
		return out.ErrUnauthenticated
	}
	return nil
}

func (s *PollScheduler) cycleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.CycleTimeout > 0 {
		return context.WithTimeout(ctx, s.cfg.CycleTimeout)
	}
	return context.WithCancel(ctx)
}

// candidates keeps the first entry per thread and drops threads recently found
// answered or already held by the ledger. Ledger read errors keep the thread;
// the engine's claim decides.
func (s *PollScheduler) candidates(ctx context.Context, entries []domain.InboxEntry, log zerolog.Logger) []domain.InboxEntry {
	s.pruneAnswered()

	seen := make(map[string]struct{}, len(entries))
	unique := make([]domain.InboxEntry, 0, len(entries))
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.ThreadID == "" || e.MessageID == "" {
			continue
		}
		if _, ok := seen[e.ThreadID]; ok {
			continue
		}
		if s.knownAnswered(e.ThreadID) {
			seen[e.ThreadID] = struct{}{}
			continue
		}
		seen[e.ThreadID] = struct{}{}
		unique = append(unique, e)
		ids = append(ids, e.ThreadID)
	}

	replied := make(map[string]bool, len(ids))
	if rs, ok := s.ledger.(repliedSetter); ok {
		set, err := rs.RepliedSet(ctx, ids)
		if err != nil {
			log.Warn().Err(err).Msg("ledger prefilter failed")
		} else {
			replied = set
		}
	} else {
		for _, id := range ids {
			ok, err := s.ledger.HasReplied(ctx, id)
			if err != nil {
				log.Warn().Err(err).Str("thread_id", id).Msg("ledger lookup failed")
				continue
			}
			replied[id] = ok
		}
	}

	result := unique[:0]
	for _, e := range unique {
		if !replied[e.ThreadID] {
			result = append(result, e)
		}
	}
	return result
}

// cycleTally collects per-thread results from pool workers.
type cycleTally struct {
	mu         sync.Mutex
	summary    *CycleSummary
	authFailed atomic.Bool
}

func (t *cycleTally) add(outcome domain.ReplyOutcome, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		t.summary.Failed++
	}
	t.summary.Outcomes[outcome]++
}

func (t *cycleTally) cancelled() {
	t.mu.Lock()
	t.summary.Cancelled++
	t.mu.Unlock()
}

// fanOut processes candidates on a bounded pool and reports whether the cycle
// was aborted because the credential was rejected.
func (s *PollScheduler) fanOut(ctx context.Context, abort context.CancelFunc, entries []domain.InboxEntry, summary *CycleSummary, log zerolog.Logger) bool {
	tally := &cycleTally{summary: summary}

	worker := pool.WorkerFunc[domain.InboxEntry](func(_ context.Context, entry domain.InboxEntry) error {
		s.processThread(ctx, abort, entry, tally, log)
		return nil
	})

	workers := s.cfg.Concurrency
	if workers > len(entries) {
		workers = len(entries)
	}
	p := pool.New[domain.InboxEntry](workers, worker).WithContinueOnError()

	// the pool itself is never cancelled so queued entries always drain;
	// processThread checks the cycle context instead
	poolCtx := context.WithoutCancel(ctx)
	if err := p.Go(poolCtx); err != nil {
		log.Error().Err(err).Msg("failed to start thread pool")
		return false
	}
	for _, e := range entries {
		p.Submit(e)
	}
	if err := p.Close(poolCtx); err != nil {
		log.Error().Err(err).Msg("thread pool finished with error")
	}

	return tally.authFailed.Load()
}

func (s *PollScheduler) processThread(ctx context.Context, abort context.CancelFunc, entry domain.InboxEntry, tally *cycleTally, log zerolog.Logger) {
	if ctx.Err() != nil {
		tally.cancelled()
		return
	}

	tctx := ctx
	if s.cfg.ThreadTimeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, s.cfg.ThreadTimeout)
		defer cancel()
	}

	start := s.now()
	outcome, err := s.engine.ProcessMessage(tctx, entry)
	s.metrics.Outcome(string(outcome), s.now().Sub(start))
	tally.add(outcome, err)
	if err == nil && outcome == domain.OutcomeAlreadyAnswered {
		s.markAnswered(entry.ThreadID)
	}

	if err == nil {
		return
	}
	tlog := log.With().Str("thread_id", entry.ThreadID).Str("message_id", entry.MessageID).Logger()
	if out.IsAuthExpired(err) {
		if !tally.authFailed.Swap(true) {
			tlog.Warn().Err(err).Msg("credential rejected, aborting poll cycle")
		}
		abort()
		return
	}
	tlog.Warn().Err(err).Bool("retryable", out.IsRetryable(err)).Msg("thread failed, will retry next cycle")
}

// =============================================================================
// Answered threads
// =============================================================================

// A thread never drops back to a single message, so the engine would keep
// answering OutcomeAlreadyAnswered for it. Remembering that for AnsweredTTL
// saves a thread fetch per cycle while the message stays in the inbox.

func (s *PollScheduler) markAnswered(threadID string) {
	if s.cfg.AnsweredTTL <= 0 {
		return
	}
	s.answeredMu.Lock()
	s.answered[threadID] = s.now().Add(s.cfg.AnsweredTTL)
	s.answeredMu.Unlock()
}

func (s *PollScheduler) knownAnswered(threadID string) bool {
	s.answeredMu.Lock()
	defer s.answeredMu.Unlock()
	until, ok := s.answered[threadID]
	return ok && s.now().Before(until)
}

func (s *PollScheduler) pruneAnswered() {
	now := s.now()
	s.answeredMu.Lock()
	defer s.answeredMu.Unlock()
	for id, until := range s.answered {
		if !now.Before(until) {
			delete(s.answered, id)
		}
	}
}

// pause drops cached credentials; the next cycle runs only once Ready reports true.
func (s *PollScheduler) pause(ctx context.Context, log zerolog.Logger) {
	s.creds.Invalidate(context.WithoutCancel(ctx))
	if oi, ok := s.engine.(ownerInvalidator); ok {
		oi.InvalidateOwner()
	}
	s.setState(StatePaused)
	log.Warn().Msg("credential invalidated, polling paused until it is usable")
}

// =============================================================================
// Status
// =============================================================================

// Status returns a snapshot of the scheduler.
func (s *PollScheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{State: s.state, NextPollAt: s.nextAt}
	if s.last != nil {
		last := *s.last
		last.Outcomes = make(map[domain.ReplyOutcome]int, len(s.last.Outcomes))
		for k, v := range s.last.Outcomes {
			last.Outcomes[k] = v
		}
		st.LastCycle = &last
	}
	return st
}

// Metrics returns the scheduler's counters.
func (s *PollScheduler) Metrics() *metrics.ReplyMetrics {
	return s.metrics
}

func (s *PollScheduler) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// swapState sets st and returns the previous state.
func (s *PollScheduler) swapState(st State) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.state
	s.state = st
	return prev
}

func (s *PollScheduler) setNextAt(t time.Time) {
	s.mu.Lock()
	s.nextAt = t
	s.mu.Unlock()
}
