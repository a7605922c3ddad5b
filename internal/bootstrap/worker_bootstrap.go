package bootstrap

import (
	"context"
	"sync"

	"autoreply_worker/adapter/in/worker"
	"autoreply_worker/pkg/logger"

	"github.com/rs/zerolog"
)

// Worker runs the poll loop and, for SQL ledgers, the prune loop.
type Worker struct {
	deps *Dependencies
	zlog zerolog.Logger

	mu      sync.Mutex
	started bool
}

func NewWorker(deps *Dependencies) *Worker {
	return &Worker{
		deps: deps,
		zlog: logger.Component("worker"),
	}
}

func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true

	if !w.deps.Credentials.Ready(context.Background()) {
		w.zlog.Warn().Msg("no usable credential yet, cycles are skipped until one is stored")
	}
	if w.deps.Pruner != nil {
		w.deps.Pruner.Start()
	}
	w.deps.Scheduler.Start()
	w.zlog.Info().Str("backend", w.deps.Config.LedgerBackend).Msg("worker started")
}

// Stop stops the poll loop first so no reply is in flight when pruning ends.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if !started {
		return nil
	}

	err := w.deps.Scheduler.Stop(ctx)
	if w.deps.Pruner != nil {
		w.deps.Pruner.Stop()
	}
	if err != nil {
		w.zlog.Warn().Err(err).Msg("poll scheduler did not stop in time")
		return err
	}
	w.zlog.Info().Msg("worker stopped")
	return nil
}

// RunOnce runs a single poll cycle outside the loop.
func (w *Worker) RunOnce(ctx context.Context) (*worker.CycleSummary, error) {
	return w.deps.Scheduler.RunCycle(ctx)
}
