// Package service implements event ingestion, chat reconciliation, run
// search and evaluator management on top of the store.
package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/xiaot623/gogo/telemetry/internal/config"
	"github.com/xiaot623/gogo/telemetry/internal/filter"
	"github.com/xiaot623/gogo/telemetry/internal/normalize"
	"github.com/xiaot623/gogo/telemetry/internal/reconcile"
	"github.com/xiaot623/gogo/telemetry/internal/repository"
)

type Service struct {
	store      store.Store
	normalizer *normalize.Normalizer
	compiler   *filter.Compiler
	evaluators *store.EvaluatorCache
	locks      *reconcile.ThreadLocks
	config     *config.Config
	logger     *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(st store.Store, normalizer *normalize.Normalizer, compiler *filter.Compiler, cfg *config.Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if compiler == nil {
		compiler = filter.New(logger)
	}
	if normalizer == nil {
		normalizer = normalize.New(nil, cfg.TokenCountTimeout, logger)
	}
	return &Service{
		store:      st,
		normalizer: normalizer,
		compiler:   compiler,
		evaluators: store.NewEvaluatorCache(st, cfg.EvaluatorCacheTTL, nil),
		locks:      reconcile.NewThreadLocks(),
		config:     cfg,
		logger:     logger,
		now:        time.Now,
		sleep:      sleepContext,
	}
}

// Compiler returns the filter compiler shared with the scheduler.
func (s *Service) Compiler() *filter.Compiler {
	return s.compiler
}

// EvaluatorCache returns the realtime evaluator cache shared with the
// scheduler. CreateEvaluator invalidates it.
func (s *Service) EvaluatorCache() *store.EvaluatorCache {
	return s.evaluators
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
