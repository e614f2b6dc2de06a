package engine

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
)

// workerSupervisor runs the Engine's background loops (spec.md §5
// "Background tasks"): periodic checkpointing, active-transaction-cache
// refresh for the Transaction Index's snapshot floor, deferred journal
// force for CommitSoft, and the Cleanup Manager's own drain loop.
// PollInterval == -1 disables every timer-driven loop so tests can step
// the engine deterministically (spec.md §5).
type workerSupervisor struct {
	eng    *Engine
	ctx    context.Context
	cancel context.CancelFunc
	grp    *errgroup.Group
}

func newWorkerSupervisor(e *Engine) *workerSupervisor {
	ctx, cancel := context.WithCancel(context.Background())
	grp, ctx := errgroup.WithContext(ctx)
	return &workerSupervisor{eng: e, ctx: ctx, cancel: cancel, grp: grp}
}

func (w *workerSupervisor) start() {
	w.grp.Go(func() error {
		w.eng.cleanup.Run(w.ctx)
		return nil
	})

	if w.eng.cfg.PollInterval < 0 {
		return
	}

	w.grp.Go(w.runCheckpointLoop)
	w.grp.Go(w.runActiveCacheLoop)
	if w.eng.cfg.CommitPolicy == CommitSoft {
		w.grp.Go(w.runJournalForceLoop)
	}
}

func (w *workerSupervisor) stop() {
	w.cancel()
	_ = w.grp.Wait()
}

// runWithBackoff retries op with exponential backoff (bounded so a
// persistently failing volume doesn't spin forever) before giving up
// until the loop's next tick; every failure raises an IoFailed alert
// rather than stopping the worker (spec.md §7 "Background workers never
// kill the process on a single failure").
func (w *workerSupervisor) runWithBackoff(name string, op func() error) {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 30 * time.Second

	err := backoff.Retry(func() error {
		if err := op(); err != nil {
			w.eng.alert.Notify(Alert{Kind: AlertIoFailure, Detail: name, Err: err})
			return err
		}
		return nil
	}, backoff.WithContext(b, w.ctx))

	if err != nil && w.ctx.Err() == nil {
		w.eng.logger.Error().Err(err).Str("worker", name).Msg("background operation giving up until next tick")
	}
}

func (w *workerSupervisor) runCheckpointLoop() error {
	interval := w.eng.cfg.CheckpointInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return nil
		case <-ticker.C:
			w.runWithBackoff("checkpoint", w.eng.Checkpoint)
		}
	}
}

func (w *workerSupervisor) runActiveCacheLoop() error {
	interval := w.eng.cfg.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return nil
		case <-ticker.C:
			w.eng.idx.RefreshActiveCache()
		}
	}
}

func (w *workerSupervisor) runJournalForceLoop() error {
	interval := w.eng.cfg.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return nil
		case <-ticker.C:
			w.runWithBackoff("journal-force", w.eng.journal.Force)
		}
	}
}
