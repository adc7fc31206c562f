// Package scheduler drives the two periodic activities of the execution
// core: trailing-stop evaluation on a fast period and reconciliation on a
// slow one. It owns no state of its own.
package scheduler

import (
	"context"
	"log"
	"time"

	"execution-core/internal/engine"
	"execution-core/internal/reconciliation"
	"execution-core/pkg/config"
)

// Scheduler ticks the engine and the reconciler for every configured symbol.
type Scheduler struct {
	engine     *engine.Engine
	reconciler *reconciliation.Service
	symbols    []string

	trailingEvery  time.Duration
	reconcileEvery time.Duration
}

// New creates a scheduler from the trading configuration.
func New(eng *engine.Engine, rec *reconciliation.Service, trading *config.Trading) *Scheduler {
	return &Scheduler{
		engine:         eng,
		reconciler:     rec,
		symbols:        trading.Trade.Symbols,
		trailingEvery:  trading.PollInterval(),
		reconcileEvery: trading.ReconcileInterval(),
	}
}

// Start launches both tickers and returns. They run until ctx is cancelled.
// Symbols busy with an in-flight operation are skipped by the engine's
// try-lock, so a slow confirmation never stacks up trailing ticks.
func (s *Scheduler) Start(ctx context.Context) {
	go s.runTrailing(ctx)
	go s.runReconcile(ctx)
	log.Printf("scheduler: started (trailing every %v, reconcile every %v)", s.trailingEvery, s.reconcileEvery)
}

func (s *Scheduler) runTrailing(ctx context.Context) {
	ticker := time.NewTicker(s.trailingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, symbol := range s.symbols {
				if err := s.engine.EvaluateTrailingStop(ctx, symbol); err != nil {
					log.Printf("scheduler: trailing evaluation for %s: %v", symbol, err)
				}
			}
		}
	}
}

func (s *Scheduler) runReconcile(ctx context.Context) {
	ticker := time.NewTicker(s.reconcileEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reconciler.ReconcileAll(ctx)
		}
	}
}
