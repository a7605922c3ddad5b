package reply

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"autoreply_worker/core/domain"
	"autoreply_worker/core/port/out"
	"autoreply_worker/core/service/ledger"
	"autoreply_worker/internal/mailboxtest"

	"github.com/rs/zerolog"
)

func newTestEngine(gw *mailboxtest.Gateway, l out.ReplyLedger, cfg Config) *Engine {
	return NewEngine(gw, l, NewOwnerDirectory(gw, time.Minute), cfg, zerolog.Nop())
}

func TestEngine_NewThreadGetsOneReply(t *testing.T) {
	ctx := context.Background()
	gw := mailboxtest.NewGateway()
	gw.OwnerName = "Dana Owner"
	gw.Deliver("T1", "M1", 1, mailboxtest.Headers("Hello", "alice@example.com", "owner@example.com", "<m1@example.com>"))
	l := ledger.NewMemoryLedger()
	e := newTestEngine(gw, l, DefaultConfig())

	outcome, err := e.ProcessMessage(ctx, domain.InboxEntry{ThreadID: "T1", MessageID: "M1"})
	if err != nil {
		t.Fatalf("ProcessMessage() error = %v", err)
	}
	if outcome != domain.OutcomeSent {
		t.Fatalf("outcome = %s, want sent", outcome)
	}

	sent := gw.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d replies, want 1", len(sent))
	}
	raw := string(sent[0].Raw)
	for _, want := range []string{
		"From: owner@example.com\r\n",
		"To: alice@example.com\r\n",
		"Subject: Re: Hello\r\n",
		"In-Reply-To: <m1@example.com>\r\n",
		"Dana Owner",
	} {
		if !strings.Contains(raw, want) {
			t.Errorf("reply missing %q:\n%s", want, raw)
		}
	}

	rec, ok := l.Get("T1")
	if !ok || rec.Status != domain.ReplyStatusReplied {
		t.Errorf("ledger record = %+v, %v; want replied", rec, ok)
	}
	if labels := gw.Labels("M1"); len(labels) != 1 {
		t.Errorf("labels on M1 = %v, want one", labels)
	}
}

func TestEngine_Scenarios(t *testing.T) {
	tests := []struct {
		name       string
		count      int
		headers    *domain.MessageHeaders
		cfg        func(*Config)
		want       domain.ReplyOutcome
		wantSent   int
		wantStatus domain.ReplyStatus // empty means no record
	}{
		{
			name:       "already answered thread",
			count:      2,
			headers:    mailboxtest.Headers("Hi", "bob@example.com", "owner@example.com", ""),
			want:       domain.OutcomeAlreadyAnswered,
			wantSent:   0,
			wantStatus: "",
		},
		{
			name:       "missing from header",
			count:      1,
			headers:    mailboxtest.Headers("Hi", "", "owner@example.com", ""),
			want:       domain.OutcomeMalformed,
			wantSent:   0,
			wantStatus: domain.ReplyStatusSkipped,
		},
		{
			name:       "missing to header not recorded",
			count:      1,
			headers:    mailboxtest.Headers("Hi", "bob@example.com", "", ""),
			cfg:        func(c *Config) { c.RecordMalformed = false },
			want:       domain.OutcomeMalformed,
			wantSent:   0,
			wantStatus: "",
		},
		{
			name:  "auto-submitted message",
			count: 1,
			headers: &domain.MessageHeaders{
				Subject: "Out of office", From: "bot@example.com", To: "owner@example.com",
				AutoSubmitted: "auto-replied",
			},
			want:       domain.OutcomeAutomated,
			wantSent:   0,
			wantStatus: domain.ReplyStatusSkipped,
		},
		{
			name:  "bulk message answered when policy disabled",
			count: 1,
			headers: &domain.MessageHeaders{
				Subject: "Newsletter", From: "news@example.com", To: "owner@example.com",
				Precedence: "bulk",
			},
			cfg:        func(c *Config) { c.SkipAutomated = false },
			want:       domain.OutcomeSent,
			wantSent:   1,
			wantStatus: domain.ReplyStatusReplied,
		},
		{
			name:       "blank subject",
			count:      1,
			headers:    mailboxtest.Headers("", "carol@example.com", "owner@example.com", ""),
			want:       domain.OutcomeSent,
			wantSent:   1,
			wantStatus: domain.ReplyStatusReplied,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := mailboxtest.NewGateway()
			gw.Deliver("T", "M", tt.count, tt.headers)
			l := ledger.NewMemoryLedger()
			cfg := DefaultConfig()
			if tt.cfg != nil {
				tt.cfg(&cfg)
			}
			e := newTestEngine(gw, l, cfg)

			got, err := e.ProcessMessage(context.Background(), domain.InboxEntry{ThreadID: "T", MessageID: "M"})
			if err != nil {
				t.Fatalf("ProcessMessage() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("outcome = %s, want %s", got, tt.want)
			}
			if n := gw.SentTo("T"); n != tt.wantSent {
				t.Errorf("sent = %d, want %d", n, tt.wantSent)
			}

			rec, ok := l.Get("T")
			if tt.wantStatus == "" {
				if ok {
					t.Errorf("unexpected ledger record %+v", rec)
				}
				return
			}
			if !ok || rec.Status != tt.wantStatus {
				t.Errorf("ledger record = %+v, %v; want %s", rec, ok, tt.wantStatus)
			}
		})
	}
}

func TestEngine_BlankSubjectUsesDefault(t *testing.T) {
	gw := mailboxtest.NewGateway()
	gw.Deliver("T", "M", 1, mailboxtest.Headers("", "carol@example.com", "owner@example.com", ""))
	e := newTestEngine(gw, ledger.NewMemoryLedger(), DefaultConfig())

	e.ProcessMessage(context.Background(), domain.InboxEntry{ThreadID: "T", MessageID: "M"})

	sent := gw.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d, want 1", len(sent))
	}
	if !strings.Contains(string(sent[0].Raw), "Subject: Re: (no subject)\r\n") {
		t.Errorf("subject not defaulted:\n%s", sent[0].Raw)
	}
	if !strings.Contains(string(sent[0].Raw), "In-Reply-To: T\r\n") {
		t.Errorf("thread id not used as reference:\n%s", sent[0].Raw)
	}
}

func TestEngine_SecondCallIsDuplicate(t *testing.T) {
	ctx := context.Background()
	gw := mailboxtest.NewGateway()
	gw.Deliver("T1", "M1", 1, mailboxtest.Headers("Hi", "a@example.com", "owner@example.com", ""))
	e := newTestEngine(gw, ledger.NewMemoryLedger(), DefaultConfig())

	entry := domain.InboxEntry{ThreadID: "T1", MessageID: "M1"}
	if got, _ := e.ProcessMessage(ctx, entry); got != domain.OutcomeSent {
		t.Fatalf("first outcome = %s", got)
	}
	countCalls := gw.CountCalls

	got, err := e.ProcessMessage(ctx, entry)
	if err != nil {
		t.Fatalf("ProcessMessage() error = %v", err)
	}
	if got != domain.OutcomeDuplicate {
		t.Errorf("second outcome = %s, want duplicate", got)
	}
	if gw.CountCalls != countCalls {
		t.Error("settled thread was fetched again")
	}
	if n := gw.SentTo("T1"); n != 1 {
		t.Errorf("sent = %d, want 1", n)
	}
}

func TestEngine_SendFailureReleasesClaim(t *testing.T) {
	ctx := context.Background()
	gw := mailboxtest.NewGateway()
	gw.Deliver("T3", "M3", 1, mailboxtest.Headers("Hi", "a@example.com", "owner@example.com", ""))
	gw.SetFail("T3", out.NewProviderError("fake", out.ProviderErrServer, "backend error", nil, true))
	l := ledger.NewMemoryLedger()
	e := newTestEngine(gw, l, DefaultConfig())
	entry := domain.InboxEntry{ThreadID: "T3", MessageID: "M3"}

	got, err := e.ProcessMessage(ctx, entry)
	if err == nil {
		t.Fatal("expected send error")
	}
	if got != domain.OutcomeFailed {
		t.Errorf("outcome = %s, want failed", got)
	}
	if _, ok := l.Get("T3"); ok {
		t.Fatal("failed thread still claimed")
	}

	gw.SetFail("T3", nil)
	got, err = e.ProcessMessage(ctx, entry)
	if err != nil || got != domain.OutcomeSent {
		t.Fatalf("retry = %s, %v; want sent", got, err)
	}
	if n := gw.SentTo("T3"); n != 1 {
		t.Errorf("sent = %d, want 1", n)
	}
}

func TestEngine_HeaderFailureReleasesClaim(t *testing.T) {
	gw := mailboxtest.NewGateway()
	gw.Deliver("T", "M", 1, mailboxtest.Headers("Hi", "a@example.com", "owner@example.com", ""))
	gw.HeadersErr["M"] = out.NewProviderError("fake", out.ProviderErrNetwork, "timeout", nil, true)
	l := ledger.NewMemoryLedger()
	e := newTestEngine(gw, l, DefaultConfig())

	if _, err := e.ProcessMessage(context.Background(), domain.InboxEntry{ThreadID: "T", MessageID: "M"}); err == nil {
		t.Fatal("expected error")
	}
	if l.Len() != 0 {
		t.Errorf("ledger Len() = %d, want 0", l.Len())
	}
}

func TestEngine_LabelFailureStillMarksReplied(t *testing.T) {
	gw := mailboxtest.NewGateway()
	gw.Deliver("T", "M", 1, mailboxtest.Headers("Hi", "a@example.com", "owner@example.com", ""))
	gw.ApplyErr = out.NewProviderError("fake", out.ProviderErrServer, "backend error", nil, true)
	l := ledger.NewMemoryLedger()
	e := newTestEngine(gw, l, DefaultConfig())

	got, err := e.ProcessMessage(context.Background(), domain.InboxEntry{ThreadID: "T", MessageID: "M"})
	if err != nil {
		t.Fatalf("ProcessMessage() error = %v", err)
	}
	if got != domain.OutcomeSentUnlabeled {
		t.Errorf("outcome = %s, want sent_unlabeled", got)
	}
	if rec, _ := l.Get("T"); rec.Status != domain.ReplyStatusReplied {
		t.Errorf("status = %s, want replied", rec.Status)
	}
}

func TestEngine_LabelResolvedOnce(t *testing.T) {
	ctx := context.Background()
	gw := mailboxtest.NewGateway()
	for _, id := range []string{"1", "2", "3"} {
		gw.Deliver("T"+id, "M"+id, 1, mailboxtest.Headers("Hi", "a@example.com", "owner@example.com", ""))
	}
	e := newTestEngine(gw, ledger.NewMemoryLedger(), DefaultConfig())

	for _, id := range []string{"1", "2", "3"} {
		e.ProcessMessage(ctx, domain.InboxEntry{ThreadID: "T" + id, MessageID: "M" + id})
	}
	if gw.LabelCalls != 1 {
		t.Errorf("EnsureLabel calls = %d, want 1", gw.LabelCalls)
	}
	if gw.OwnerCalls != 1 {
		t.Errorf("OwnerDisplayName calls = %d, want 1", gw.OwnerCalls)
	}
}

func TestEngine_AuthErrorPropagates(t *testing.T) {
	gw := mailboxtest.NewGateway()
	gw.Deliver("T", "M", 1, nil)
	gw.CountErr["T"] = out.NewProviderError("fake", out.ProviderErrTokenExpired, "token expired", nil, false)
	l := ledger.NewMemoryLedger()
	e := newTestEngine(gw, l, DefaultConfig())

	_, err := e.ProcessMessage(context.Background(), domain.InboxEntry{ThreadID: "T", MessageID: "M"})
	if !out.IsAuthExpired(err) {
		t.Fatalf("err = %v, want auth expired", err)
	}
	if l.Len() != 0 {
		t.Error("claim not released after auth failure")
	}
}

func TestEngine_ConcurrentCallsSendOnce(t *testing.T) {
	ctx := context.Background()
	gw := mailboxtest.NewGateway()
	gw.Deliver("T", "M", 1, mailboxtest.Headers("Hi", "a@example.com", "owner@example.com", ""))
	e := newTestEngine(gw, ledger.NewMemoryLedger(), DefaultConfig())

	var sent int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := e.ProcessMessage(ctx, domain.InboxEntry{ThreadID: "T", MessageID: "M"})
			if err != nil {
				t.Errorf("ProcessMessage() error = %v", err)
			}
			if got.Replied() {
				atomic.AddInt32(&sent, 1)
			}
		}()
	}
	wg.Wait()

	if sent != 1 {
		t.Errorf("replied outcomes = %d, want 1", sent)
	}
	if n := gw.SentTo("T"); n != 1 {
		t.Errorf("sent = %d, want 1", n)
	}
}

func TestEngine_ClaimErrorDoesNotSend(t *testing.T) {
	gw := mailboxtest.NewGateway()
	gw.Deliver("T", "M", 1, mailboxtest.Headers("Hi", "a@example.com", "owner@example.com", ""))
	e := newTestEngine(gw, failingLedger{}, DefaultConfig())

	got, err := e.ProcessMessage(context.Background(), domain.InboxEntry{ThreadID: "T", MessageID: "M"})
	if err == nil || got != domain.OutcomeFailed {
		t.Fatalf("ProcessMessage() = %s, %v; want failed", got, err)
	}
	if gw.CountCalls != 0 || len(gw.Sent()) != 0 {
		t.Error("remote calls made without a claim")
	}
}

type failingLedger struct{}

var errLedgerDown = errors.New("ledger unavailable")

func (failingLedger) HasReplied(context.Context, string) (bool, error) { return false, errLedgerDown }
func (failingLedger) TryClaim(context.Context, string, string) (bool, error) {
	return false, errLedgerDown
}
func (failingLedger) MarkReplied(context.Context, string) error       { return errLedgerDown }
func (failingLedger) MarkSkipped(context.Context, string) error       { return errLedgerDown }
func (failingLedger) Release(context.Context, string) error           { return errLedgerDown }
func (failingLedger) Prune(context.Context, time.Time) (int64, error) { return 0, errLedgerDown }
