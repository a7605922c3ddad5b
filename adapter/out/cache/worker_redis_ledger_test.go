package cache

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
	"autoreply_worker/pkg/crypto"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisLedger_ClaimAndSettle(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	l := NewRedisLedger(client, 10*time.Minute, 24*time.Hour)

	won, err := l.TryClaim(ctx, "T1", "M1")
	if err != nil || !won {
		t.Fatalf("TryClaim() = %v, %v", won, err)
	}
	if won, _ := l.TryClaim(ctx, "T1", "M1"); won {
		t.Fatal("second claim won")
	}
	if ttl := mr.TTL(ledgerKey("T1")); ttl != 10*time.Minute {
		t.Errorf("claim TTL = %s, want 10m", ttl)
	}

	if err := l.MarkReplied(ctx, "T1"); err != nil {
		t.Fatalf("MarkReplied() error = %v", err)
	}
	l.MarkSkipped(ctx, "T1")
	l.Release(ctx, "T1")

	rec, ok, err := l.Lookup(ctx, "T1")
	if err != nil || !ok {
		t.Fatalf("Lookup() = %v, %v", ok, err)
	}
	if rec.Status != domain.ReplyStatusReplied || rec.MessageID != "M1" || rec.CompletedAt == nil {
		t.Errorf("record = %+v", rec)
	}
	if ttl := mr.TTL(ledgerKey("T1")); ttl != 24*time.Hour {
		t.Errorf("settled TTL = %s, want retention", ttl)
	}
}

func TestRedisLedger_StaleClaimExpires(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	l := NewRedisLedger(client, time.Minute, 0)

	l.TryClaim(ctx, "T1", "M1")
	mr.FastForward(2 * time.Minute)

	if ok, _ := l.HasReplied(ctx, "T1"); ok {
		t.Error("expired claim still blocks")
	}
	if won, _ := l.TryClaim(ctx, "T1", "M1"); !won {
		t.Error("expired claim could not be taken over")
	}
}

func TestRedisLedger_ReleaseOnlyClaims(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)
	l := NewRedisLedger(client, time.Minute, 0)

	l.TryClaim(ctx, "T3", "M3")
	if err := l.Release(ctx, "T3"); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if ok, _ := l.HasReplied(ctx, "T3"); ok {
		t.Error("released claim still present")
	}

	l.MarkSkipped(ctx, "T4")
	l.Release(ctx, "T4")
	if ok, _ := l.HasReplied(ctx, "T4"); !ok {
		t.Error("Release removed a settled record")
	}
}

func TestRedisLedger_ConcurrentClaims(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)
	l := NewRedisLedger(client, time.Minute, 0)

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if won, err := l.TryClaim(ctx, "shared", "m"); err == nil && won {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("wins = %d, want 1", wins)
	}
}

func TestRedisLedger_RepliedSetAndCounts(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)
	l := NewRedisLedger(client, time.Minute, 0)

	l.MarkReplied(ctx, "T1")
	l.MarkSkipped(ctx, "T2")
	l.TryClaim(ctx, "T3", "M3")

	set, err := l.RepliedSet(ctx, []string{"T1", "T3", "T9"})
	if err != nil {
		t.Fatalf("RepliedSet() error = %v", err)
	}
	if !set["T1"] || !set["T3"] || set["T9"] {
		t.Errorf("RepliedSet() = %v", set)
	}

	counts, err := l.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts() error = %v", err)
	}
	want := map[domain.ReplyStatus]int64{
		domain.ReplyStatusReplied: 1,
		domain.ReplyStatusSkipped: 1,
		domain.ReplyStatusClaimed: 1,
	}
	for status, n := range want {
		if counts[status] != n {
			t.Errorf("counts[%s] = %d, want %d", status, counts[status], n)
		}
	}
}

func TestRedisTokenStore_SaveLoad(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	enc, _ := crypto.NewEncryptor([]byte("k"))
	store := NewRedisTokenStore(client, enc)

	if _, err := store.Load(ctx); !errors.Is(err, out.ErrTokenNotFound) {
		t.Fatalf("Load(empty) error = %v", err)
	}

	store.Save(ctx, &oauth2.Token{AccessToken: "a1", RefreshToken: "r1", TokenType: "Bearer"})
	store.Save(ctx, &oauth2.Token{AccessToken: "a2", TokenType: "Bearer"})

	raw, _ := mr.Get(tokenKey)
	if raw == "" || strings.Contains(raw, `"a2"`) || strings.Contains(raw, `"r1"`) {
		t.Errorf("stored payload leaks tokens: %s", raw)
	}

	tok, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if tok.AccessToken != "a2" || tok.RefreshToken != "r1" {
		t.Errorf("token = %+v", tok)
	}
}
