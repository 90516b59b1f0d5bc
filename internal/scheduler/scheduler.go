// Package scheduler runs realtime evaluators over runs that have no result
// yet.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xiaot623/gogo/telemetry/internal/config"
	"github.com/xiaot623/gogo/telemetry/internal/domain"
	"github.com/xiaot623/gogo/telemetry/internal/evaluators"
	"github.com/xiaot623/gogo/telemetry/internal/filter"
	"github.com/xiaot623/gogo/telemetry/internal/observability"
	"github.com/xiaot623/gogo/telemetry/internal/repository"
)

// Backend evaluates one run for one evaluator.
type Backend interface {
	Evaluate(ctx context.Context, ev *domain.Evaluator, run *domain.Run) (*evaluators.Outcome, error)
}

// Stats summarizes one cycle.
type Stats struct {
	Idle       bool
	Evaluators int
	Runs       int
	Stored     int
	Failed     int
	Unknown    int
}

// Scheduler polls for unevaluated runs and evaluates them.
type Scheduler struct {
	store    store.Store
	backend  Backend
	compiler *filter.Compiler
	cache    *store.EvaluatorCache
	logger   *slog.Logger

	batchSize  int
	idle       time.Duration
	poll       time.Duration
	errorDelay time.Duration

	shuffle func([]domain.Evaluator)
	sleep   func(ctx context.Context, d time.Duration) error
}

// New creates a scheduler from the scheduler settings of cfg. A nil cache
// gets a private one with cfg's evaluator_cache_ttl.
func New(st store.Store, cache *store.EvaluatorCache, backend Backend, compiler *filter.Compiler, cfg *config.Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if compiler == nil {
		compiler = filter.New(logger)
	}
	if cache == nil {
		cache = store.NewEvaluatorCache(st, cfg.EvaluatorCacheTTL, nil)
	}
	return &Scheduler{
		store:      st,
		backend:    backend,
		compiler:   compiler,
		cache:      cache,
		logger:     logger,
		batchSize:  cfg.SchedulerBatchSize,
		idle:       cfg.SchedulerIdle,
		poll:       cfg.SchedulerPoll,
		errorDelay: cfg.SchedulerErrorDelay,
		shuffle: func(evs []domain.Evaluator) {
			rand.Shuffle(len(evs), func(i, j int) { evs[i], evs[j] = evs[j], evs[i] })
		},
		sleep: sleepContext,
	}
}

// Run loops until ctx is cancelled. A failed cycle is logged and retried
// after the error delay.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("evaluator scheduler started", "batch_size", s.batchSize)
	for {
		if ctx.Err() != nil {
			s.logger.Info("evaluator scheduler stopped")
			return nil
		}

		stats, err := s.RunCycle(ctx)
		var delay time.Duration
		switch {
		case err != nil:
			if ctx.Err() != nil {
				continue
			}
			s.logger.Error("evaluator cycle failed", "error", err)
			observability.RecordSchedulerCycle(observability.OutcomeError)
			delay = s.errorDelay
		case stats.Idle:
			observability.RecordSchedulerCycle(observability.OutcomeIdle)
			delay = s.idle
		default:
			observability.RecordSchedulerCycle(observability.OutcomeSuccess)
			if stats.Runs == 0 {
				delay = s.poll
			}
		}
		if delay > 0 {
			_ = s.sleep(ctx, delay)
		}
	}
}

// RunCycle evaluates up to one batch of runs per realtime evaluator.
func (s *Scheduler) RunCycle(ctx context.Context) (stats Stats, err error) {
	ctx, span := observability.StartSpan(ctx, "scheduler.RunCycle")
	defer func() { observability.EndSpan(span, err) }()

	exists, err := s.store.AnyRuns(ctx)
	if err != nil {
		return stats, fmt.Errorf("failed to check for runs: %w", err)
	}
	if !exists {
		stats.Idle = true
		return stats, nil
	}

	cached, err := s.cache.Realtime(ctx)
	if err != nil {
		return stats, fmt.Errorf("failed to list realtime evaluators: %w", err)
	}
	evs := append([]domain.Evaluator(nil), cached...)
	s.shuffle(evs)
	stats.Evaluators = len(evs)

	for i := range evs {
		ev := &evs[i]
		batch, err := s.evaluateBatch(ctx, ev)
		if err != nil {
			return stats, err
		}
		stats.Runs += batch.Runs
		stats.Stored += batch.Stored
		stats.Failed += batch.Failed
		stats.Unknown += batch.Unknown
	}
	return stats, nil
}

// Invalidate drops the cached evaluator list.
func (s *Scheduler) Invalidate() {
	s.cache.Invalidate()
}

func (s *Scheduler) evaluateBatch(ctx context.Context, ev *domain.Evaluator) (Stats, error) {
	var stats Stats

	tree, err := filter.Parse(ev.FilterTree())
	if err != nil {
		s.logger.Warn("skipping evaluator with invalid filter", "evaluator_id", ev.ID, "error", err)
		return stats, nil
	}
	frag := s.compiler.Compile(tree)

	runs, err := s.store.SelectUnevaluatedRuns(ctx, ev, frag.SQL, frag.Args, s.batchSize)
	if err != nil {
		return stats, fmt.Errorf("failed to select runs for evaluator %s: %w", ev.ID, err)
	}
	if len(runs) == 0 {
		s.logger.Debug("no runs to evaluate", "evaluator_id", ev.ID)
		return stats, nil
	}
	stats.Runs = len(runs)
	observability.RecordSchedulerBatch(len(runs))
	s.logger.Debug("evaluating runs", "evaluator_id", ev.ID, "kind", ev.Kind, "runs", len(runs))

	var stored, failed, unknown atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for i := range runs {
		run := &runs[i]
		g.Go(func() error {
			switch outcome, err := s.evaluateRun(gctx, ev, run); {
			case err != nil:
				failed.Add(1)
				s.logger.Warn("evaluation failed", "evaluator_id", ev.ID, "run_id", run.ID, "error", err)
			case outcome == observability.OutcomeUnknown:
				unknown.Add(1)
			default:
				stored.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	stats.Stored = int(stored.Load())
	stats.Failed = int(failed.Load())
	stats.Unknown = int(unknown.Load())
	return stats, nil
}

func (s *Scheduler) evaluateRun(ctx context.Context, ev *domain.Evaluator, run *domain.Run) (outcome string, err error) {
	ctx, span := observability.StartSpan(ctx, "scheduler.evaluate",
		observability.AttrEvaluatorID.String(ev.ID),
		observability.AttrEvaluatorKind.String(string(ev.Kind)),
		observability.AttrRunID.String(run.ID))
	defer func() {
		observability.EndSpan(span, err)
		if err != nil {
			outcome = observability.OutcomeError
		}
		observability.RecordEvaluation(string(ev.Kind), outcome)
	}()

	result, err := s.backend.Evaluate(ctx, ev, run)
	if err != nil {
		return "", err
	}
	if result == nil || len(result.Result) == 0 {
		return observability.OutcomeUnknown, nil
	}

	if err := s.store.UpsertEvaluationResult(ctx, &domain.EvaluationResult{
		EvaluatorID: ev.ID,
		RunID:       run.ID,
		Result:      result.Result,
		CreatedAt:   time.Now().UTC(),
	}); err != nil {
		return "", fmt.Errorf("failed to store evaluation result: %w", err)
	}
	if result.Toxicity != nil {
		if err := s.store.UpsertRunToxicity(ctx, result.Toxicity); err != nil {
			return "", fmt.Errorf("failed to store run toxicity: %w", err)
		}
	}
	return observability.OutcomeSuccess, nil
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
