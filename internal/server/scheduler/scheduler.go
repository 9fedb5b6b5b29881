// Package scheduler runs the periodic background work of the server: fork
// reconciliation for every linked owner and the sweep that finalizes polls
// made decidable by council membership changes.
package scheduler

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dmitrijs2005/texcouncil/internal/logging"
	"github.com/dmitrijs2005/texcouncil/internal/server/models"
	"github.com/dmitrijs2005/texcouncil/internal/server/services"
)

type Reconciler interface {
	Targets(ctx context.Context) ([]services.ReconcileTarget, error)
	Reconcile(ctx context.Context, ownerID string, resolution models.Resolution) (*services.ReconcileResult, error)
}

type Finalizer interface {
	FinalizePending(ctx context.Context) (int, error)
}

// Summary reports one round of background work.
type Summary struct {
	Targets   int
	Changed   int
	Failed    int
	Finalized int
}

type Worker struct {
	reconciler  Reconciler
	finalizer   Finalizer
	interval    time.Duration
	parallelism int
	log         logging.Logger
}

// NewWorker returns a worker running every interval with at most
// parallelism reconciliations at once. A non-positive interval disables Run.
func NewWorker(r Reconciler, f Finalizer, interval time.Duration, parallelism int, log logging.Logger) *Worker {
	if parallelism <= 0 {
		parallelism = 1
	}
	return &Worker{
		reconciler:  r,
		finalizer:   f,
		interval:    interval,
		parallelism: parallelism,
		log:         log.With("module", "scheduler"),
	}
}

// Run performs a round every interval until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	if w.interval <= 0 {
		w.log.Info(ctx, "background reconciliation disabled")
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s := w.RunOnce(ctx)
			if s.Changed > 0 || s.Failed > 0 || s.Finalized > 0 {
				w.log.Info(ctx, "background round finished", "targets", s.Targets, "changed", s.Changed,
					"failed", s.Failed, "finalized", s.Finalized)
			}
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce finalizes decidable polls and reconciles every target. A failing
// target is logged and does not stop the others.
func (w *Worker) RunOnce(ctx context.Context) Summary {
	var s Summary

	n, err := w.finalizer.FinalizePending(ctx)
	if err != nil {
		w.log.Error(ctx, "finalizing pending polls failed", "error", err)
	}
	s.Finalized = n

	targets, err := w.reconciler.Targets(ctx)
	if err != nil {
		w.log.Error(ctx, "listing reconcile targets failed", "error", err)
		return s
	}
	s.Targets = len(targets)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.parallelism)
	for _, t := range targets {
		t := t
		g.Go(func() error {
			res, err := w.reconciler.Reconcile(gctx, t.OwnerID, t.Resolution)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				s.Failed++
				w.log.Warn(gctx, "reconcile failed", "owner_id", t.OwnerID, "resolution", t.Resolution, "error", err)
				return nil
			}
			if res.Changed() {
				s.Changed++
			}
			return nil
		})
	}
	_ = g.Wait()
	return s
}
