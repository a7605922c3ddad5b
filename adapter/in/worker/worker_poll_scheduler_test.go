package worker

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"autoreply_worker/core/domain"
	"autoreply_worker/core/port/out"
	"autoreply_worker/core/service/ledger"
	"autoreply_worker/core/service/reply"
	"autoreply_worker/internal/mailboxtest"

	"github.com/rs/zerolog"
)

type harness struct {
	gw        *mailboxtest.Gateway
	ledger    *ledger.MemoryLedger
	creds     *mailboxtest.Credentials
	scheduler *PollScheduler
}

func newHarness(t *testing.T, cfg PollConfig) *harness {
	t.Helper()
	gw := mailboxtest.NewGateway()
	l := ledger.NewMemoryLedger()
	creds := mailboxtest.NewCredentials()
	engine := reply.NewEngine(gw, l, reply.NewOwnerDirectory(gw, time.Minute), reply.DefaultConfig(), zerolog.Nop())
	return &harness{
		gw:        gw,
		ledger:    l,
		creds:     creds,
		scheduler: NewPollScheduler(gw, l, engine, creds, nil, cfg, zerolog.Nop()),
	}
}

func (h *harness) deliver(threadID, messageID string, count int) {
	h.gw.Deliver(threadID, messageID, count,
		mailboxtest.Headers("Hello", "alice@example.com", "owner@example.com", "<"+messageID+"@example.com>"))
}

func transient() error {
	return out.NewProviderError("fake", out.ProviderErrServer, "backend unavailable", nil, true)
}

func TestPollScheduler_NextDelayWithinBounds(t *testing.T) {
	cfg := DefaultPollConfig()
	h := newHarness(t, cfg)

	for i := 0; i < 1000; i++ {
		d := h.scheduler.NextDelay()
		if d < cfg.MinInterval || d > cfg.MaxInterval {
			t.Fatalf("NextDelay() = %s, outside [%s, %s]", d, cfg.MinInterval, cfg.MaxInterval)
		}
	}

	h.scheduler.randN = func(int64) int64 { return 0 }
	if d := h.scheduler.NextDelay(); d != cfg.MinInterval {
		t.Errorf("lowest draw = %s, want %s", d, cfg.MinInterval)
	}
	h.scheduler.randN = func(n int64) int64 { return n - 1 }
	if d := h.scheduler.NextDelay(); d != cfg.MaxInterval {
		t.Errorf("highest draw = %s, want %s", d, cfg.MaxInterval)
	}
}

func TestPollScheduler_NextDelayFixedInterval(t *testing.T) {
	cfg := DefaultPollConfig()
	cfg.MinInterval, cfg.MaxInterval = time.Minute, time.Minute
	h := newHarness(t, cfg)

	if d := h.scheduler.NextDelay(); d != time.Minute {
		t.Errorf("NextDelay() = %s, want 1m", d)
	}
}

func TestPollScheduler_RepliesOnlyToNewThreads(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultPollConfig())
	h.deliver("T1", "M1", 1)
	h.deliver("T2", "M2", 3)

	summary, err := h.scheduler.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	if summary.Sent() != 1 || h.gw.SentTo("T1") != 1 || h.gw.SentTo("T2") != 0 {
		t.Fatalf("sent = %v", h.gw.Sent())
	}
	if h.ledger.Len() != 1 {
		t.Errorf("ledger size = %d, want 1", h.ledger.Len())
	}
	if rec, ok := h.ledger.Get("T1"); !ok || rec.Status != domain.ReplyStatusReplied {
		t.Errorf("T1 record = %+v, %v", rec, ok)
	}

	summary, err = h.scheduler.RunCycle(ctx)
	if err != nil {
		t.Fatalf("second RunCycle() error = %v", err)
	}
	if summary.Sent() != 0 || len(h.gw.Sent()) != 1 {
		t.Errorf("second cycle sent %d replies", summary.Sent())
	}
	if summary.Listed != 2 || summary.Candidates != 0 {
		t.Errorf("listed = %d candidates = %d, want 2 and 0", summary.Listed, summary.Candidates)
	}
}

func TestPollScheduler_AnsweredThreadFetchedOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultPollConfig())
	h.deliver("T1", "M1", 1)
	h.deliver("T2", "M2", 3)

	for i := 0; i < 5; i++ {
		if _, err := h.scheduler.RunCycle(ctx); err != nil {
			t.Fatalf("cycle %d: RunCycle() error = %v", i, err)
		}
	}
	if n := h.gw.CountCallsFor("T2"); n != 1 {
		t.Errorf("T2 fetched %d times over 5 cycles, want 1", n)
	}
	if n := h.gw.CountCallsFor("T1"); n != 1 {
		t.Errorf("T1 fetched %d times over 5 cycles, want 1", n)
	}
	if len(h.gw.Sent()) != 1 {
		t.Errorf("sent = %v", h.gw.Sent())
	}
}

func TestPollScheduler_AnsweredThreadRecheckedAfterTTL(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultPollConfig()
	cfg.AnsweredTTL = time.Hour
	h := newHarness(t, cfg)
	h.deliver("T2", "M2", 3)

	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	h.scheduler.now = func() time.Time { return now }

	tests := []struct {
		name    string
		advance time.Duration
		want    int
	}{
		{"first sighting", 0, 1},
		{"within ttl", 59 * time.Minute, 1},
		{"ttl elapsed", 2 * time.Minute, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now = now.Add(tt.advance)
			if _, err := h.scheduler.RunCycle(ctx); err != nil {
				t.Fatalf("RunCycle() error = %v", err)
			}
			if n := h.gw.CountCallsFor("T2"); n != tt.want {
				t.Errorf("T2 fetched %d times, want %d", n, tt.want)
			}
		})
	}
}

func TestPollScheduler_AnsweredCacheDisabled(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultPollConfig()
	cfg.AnsweredTTL = 0
	h := newHarness(t, cfg)
	h.deliver("T2", "M2", 3)

	for i := 0; i < 3; i++ {
		if _, err := h.scheduler.RunCycle(ctx); err != nil {
			t.Fatalf("RunCycle() error = %v", err)
		}
	}
	if n := h.gw.CountCallsFor("T2"); n != 3 {
		t.Errorf("T2 fetched %d times, want 3", n)
	}
}

func TestPollScheduler_TransientFailureRetriedNextCycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultPollConfig())
	h.deliver("T3", "M3", 1)
	h.gw.SetFail("T3", transient())

	summary, err := h.scheduler.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	if summary.Failed != 1 {
		t.Errorf("Failed = %d, want 1", summary.Failed)
	}
	if _, ok := h.ledger.Get("T3"); ok {
		t.Fatal("failed thread left in ledger")
	}

	h.gw.SetFail("T3", nil)
	if _, err := h.scheduler.RunCycle(ctx); err != nil {
		t.Fatalf("retry RunCycle() error = %v", err)
	}
	if h.gw.SentTo("T3") != 1 {
		t.Errorf("T3 replies = %d, want 1", h.gw.SentTo("T3"))
	}
	if _, ok := h.ledger.Get("T3"); !ok {
		t.Error("T3 missing from ledger after retry")
	}
}

func TestPollScheduler_DuplicateListingProcessedOnce(t *testing.T) {
	h := newHarness(t, DefaultPollConfig())
	h.deliver("T1", "M1", 1)
	h.deliver("T1", "M1b", 1)

	summary, err := h.scheduler.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	if summary.Candidates != 1 || h.gw.SentTo("T1") != 1 {
		t.Errorf("candidates = %d, sent = %d", summary.Candidates, h.gw.SentTo("T1"))
	}
	if h.gw.CountCalls != 1 {
		t.Errorf("thread lookups = %d, want 1", h.gw.CountCalls)
	}
}

func TestPollScheduler_SkipsCycleWithoutCredential(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultPollConfig())
	h.deliver("T1", "M1", 1)
	h.creds.SetReady(false)

	summary, err := h.scheduler.RunCycle(ctx)
	if !errors.Is(err, out.ErrUnauthenticated) {
		t.Fatalf("RunCycle() error = %v, want ErrUnauthenticated", err)
	}
	if summary.Skipped == "" || h.gw.ListCalls != 0 {
		t.Errorf("cycle touched the gateway: skipped=%q list calls=%d", summary.Skipped, h.gw.ListCalls)
	}
	if st := h.scheduler.Status().State; st != StatePaused {
		t.Errorf("State = %s, want paused", st)
	}

	h.creds.SetReady(true)
	if _, err := h.scheduler.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle() after resume error = %v", err)
	}
	if h.gw.SentTo("T1") != 1 {
		t.Error("no reply after credential returned")
	}
	if st := h.scheduler.Status().State; st != StateIdle {
		t.Errorf("State = %s, want idle", st)
	}
}

func TestPollScheduler_SkippedTicksWarnOnce(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	h := newHarness(t, DefaultPollConfig())
	h.scheduler = NewPollScheduler(h.gw, h.ledger, h.scheduler.engine, h.creds, nil, DefaultPollConfig(),
		zerolog.New(&buf).Level(zerolog.InfoLevel))
	h.creds.SetReady(false)

	for i := 0; i < 4; i++ {
		if _, err := h.scheduler.RunCycle(ctx); !errors.Is(err, out.ErrUnauthenticated) {
			t.Fatalf("tick %d: RunCycle() error = %v", i, err)
		}
	}
	if n := strings.Count(buf.String(), `"level":"warn"`); n != 1 {
		t.Errorf("warnings = %d, want 1 on entering paused:\n%s", n, buf.String())
	}
	if strings.Contains(buf.String(), "poll cycle finished") {
		t.Errorf("skipped ticks logged at info:\n%s", buf.String())
	}
	if h.scheduler.Metrics().FailedCycles.Load() != 0 {
		t.Errorf("FailedCycles = %d, want skipped ticks not counted", h.scheduler.Metrics().FailedCycles.Load())
	}
}

func TestPollScheduler_RejectedCredentialPausesPolling(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultPollConfig()
	cfg.Concurrency = 1
	h := newHarness(t, cfg)
	h.deliver("T1", "M1", 1)
	h.deliver("T2", "M2", 1)
	h.gw.SetFail("T1", out.NewProviderError("fake", out.ProviderErrTokenExpired, "token expired", nil, false))

	summary, err := h.scheduler.RunCycle(ctx)
	if !errors.Is(err, out.ErrUnauthenticated) {
		t.Fatalf("RunCycle() error = %v, want ErrUnauthenticated", err)
	}
	if h.creds.Invalidations() != 1 {
		t.Errorf("Invalidations = %d, want 1", h.creds.Invalidations())
	}
	if h.scheduler.Status().State != StatePaused {
		t.Errorf("State = %s, want paused", h.scheduler.Status().State)
	}
	if _, ok := h.ledger.Get("T1"); ok {
		t.Error("rejected thread left in ledger")
	}
	if h.gw.SentTo("T2") != 0 || summary.Cancelled != 1 {
		t.Errorf("cycle kept going after rejection: T2 sent=%d cancelled=%d", h.gw.SentTo("T2"), summary.Cancelled)
	}
}

func TestPollScheduler_ListFailureIsReported(t *testing.T) {
	h := newHarness(t, DefaultPollConfig())
	h.gw.SetListErr(transient())

	summary, err := h.scheduler.RunCycle(context.Background())
	if err == nil || summary.Err == "" {
		t.Fatalf("RunCycle() error = %v, summary.Err = %q", err, summary.Err)
	}
	if h.scheduler.Metrics().FailedCycles.Load() != 1 {
		t.Errorf("FailedCycles = %d, want 1", h.scheduler.Metrics().FailedCycles.Load())
	}
}

func TestPollScheduler_CyclesDoNotOverlap(t *testing.T) {
	h := newHarness(t, DefaultPollConfig())
	h.deliver("T1", "M1", 1)

	entered := make(chan struct{})
	release := make(chan struct{})
	h.gw.OnSend = func(string) {
		close(entered)
		<-release
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.scheduler.RunCycle(context.Background())
	}()

	<-entered
	if _, err := h.scheduler.RunCycle(context.Background()); !errors.Is(err, ErrCycleRunning) {
		t.Errorf("overlapping RunCycle() error = %v, want ErrCycleRunning", err)
	}
	if st := h.scheduler.Status().State; st != StatePolling {
		t.Errorf("State during cycle = %s, want polling", st)
	}
	close(release)
	wg.Wait()

	if h.gw.SentTo("T1") != 1 {
		t.Errorf("T1 replies = %d, want 1", h.gw.SentTo("T1"))
	}
}

func TestPollScheduler_ConcurrentThreads(t *testing.T) {
	cfg := DefaultPollConfig()
	cfg.Concurrency = 8
	h := newHarness(t, cfg)
	for i := 0; i < 40; i++ {
		id := string(rune('A'+i%26)) + string(rune('a'+i/26))
		h.deliver("T"+id, "M"+id, 1)
	}

	summary, err := h.scheduler.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	if summary.Sent() != 40 || len(h.gw.Sent()) != 40 || h.ledger.Len() != 40 {
		t.Errorf("sent = %d, gateway = %d, ledger = %d", summary.Sent(), len(h.gw.Sent()), h.ledger.Len())
	}
}

func TestPollScheduler_StartStop(t *testing.T) {
	cfg := DefaultPollConfig()
	cfg.MinInterval, cfg.MaxInterval = time.Hour, time.Hour
	h := newHarness(t, cfg)
	h.deliver("T1", "M1", 1)

	h.scheduler.Start()

	deadline := time.Now().Add(5 * time.Second)
	for h.scheduler.Status().LastCycle == nil {
		if time.Now().After(deadline) {
			t.Fatal("first cycle did not run on start")
		}
		time.Sleep(10 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.scheduler.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if h.gw.SentTo("T1") != 1 {
		t.Errorf("T1 replies = %d, want 1", h.gw.SentTo("T1"))
	}
	if next := h.scheduler.Status().NextPollAt; next.IsZero() {
		t.Error("NextPollAt not set")
	}
}

// pruneLedger records Prune cutoffs.
type pruneLedger struct {
	*ledger.MemoryLedger
	cutoffs []time.Time
	err     error
}

func (l *pruneLedger) Prune(_ context.Context, olderThan time.Time) (int64, error) {
	l.cutoffs = append(l.cutoffs, olderThan)
	return 3, l.err
}

func TestPruneScheduler_PruneOnce(t *testing.T) {
	l := &pruneLedger{MemoryLedger: ledger.NewMemoryLedger()}
	s := NewPruneScheduler(l, time.Hour, 24*time.Hour, zerolog.Nop())
	now := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	n, err := s.PruneOnce(context.Background())
	if err != nil || n != 3 {
		t.Fatalf("PruneOnce() = %d, %v", n, err)
	}
	if len(l.cutoffs) != 1 || !l.cutoffs[0].Equal(now.Add(-24*time.Hour)) {
		t.Errorf("cutoffs = %v", l.cutoffs)
	}

	l.err = errors.New("db down")
	if _, err := s.PruneOnce(context.Background()); err == nil {
		t.Error("PruneOnce() swallowed the ledger error")
	}
}

func TestPruneScheduler_DisabledStopsCleanly(t *testing.T) {
	s := NewPruneScheduler(ledger.NewMemoryLedger(), 0, 24*time.Hour, zerolog.Nop())
	s.Start()
	s.Stop()
}
