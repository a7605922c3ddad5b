package worker

import (
	"context"
	"time"

	"autoreply_worker/core/port/out"

	"github.com/rs/zerolog"
)

// =============================================================================
// PruneScheduler - drops settled ledger records past the retention period
// =============================================================================

type PruneScheduler struct {
	ledger    out.ReplyLedger
	interval  time.Duration
	retention time.Duration
	log       zerolog.Logger
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPruneScheduler creates a prune scheduler running every interval.
func NewPruneScheduler(ledger out.ReplyLedger, interval, retention time.Duration, log zerolog.Logger) *PruneScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &PruneScheduler{
		ledger:    ledger,
		interval:  interval,
		retention: retention,
		log:       log.With().Str("component", "prune_scheduler").Logger(),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Start starts the scheduler. A non-positive interval or retention disables it.
func (s *PruneScheduler) Start() {
	if s.interval <= 0 || s.retention <= 0 {
		s.log.Info().Msg("ledger pruning disabled")
		close(s.done)
		return
	}
	s.log.Info().Dur("interval", s.interval).Dur("retention", s.retention).Msg("prune scheduler starting")
	go s.run()
}

// Stop stops the scheduler and waits for a running prune to return.
func (s *PruneScheduler) Stop() {
	s.cancel()
	<-s.done
}

func (s *PruneScheduler) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// prune once at start
	s.PruneOnce(s.ctx)

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.PruneOnce(s.ctx)
		}
	}
}

// PruneOnce deletes records settled before now minus retention.
func (s *PruneScheduler) PruneOnce(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	cutoff := s.now().Add(-s.retention)
	n, err := s.ledger.Prune(ctx, cutoff)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to prune ledger")
		return 0, err
	}
	if n > 0 {
		s.log.Info().Int64("pruned", n).Time("cutoff", cutoff).Msg("pruned ledger")
	}
	return n, nil
}
