// Package cli implements the telemetry command line.
package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/xiaot623/gogo/telemetry/internal/adapter/classifier"
	"github.com/xiaot623/gogo/telemetry/internal/adapter/llm"
	"github.com/xiaot623/gogo/telemetry/internal/config"
	"github.com/xiaot623/gogo/telemetry/internal/evaluators"
	"github.com/xiaot623/gogo/telemetry/internal/filter"
	"github.com/xiaot623/gogo/telemetry/internal/normalize"
	"github.com/xiaot623/gogo/telemetry/internal/repository"
	"github.com/xiaot623/gogo/telemetry/internal/scheduler"
	"github.com/xiaot623/gogo/telemetry/internal/service"
	"github.com/xiaot623/gogo/telemetry/internal/tokens"
)

// app is the wired process: storage, ingestion service and scheduler.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     *store.SQLiteStore
	service   *service.Service
	scheduler *scheduler.Scheduler
}

func newApp(cfg *config.Config, logs io.Writer) (*app, error) {
	logger := cfg.NewLogger(logs)

	db, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	compiler := filter.New(logger)
	normalizer := normalize.New(tokens.NewCounter(db), cfg.TokenCountTimeout, logger)
	svc := service.New(db, normalizer, compiler, cfg, logger)

	registry := evaluators.NewRegistry(
		classifier.NewClient(cfg.ClassifierURL, cfg.ClassifierTimeout, cfg.ClassifierRPS),
		llm.NewLLMClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMTimeout, logger),
		cfg.LLMModel,
		logger,
	)
	sched := scheduler.New(db, svc.EvaluatorCache(), registry, compiler, cfg, logger)

	return &app{cfg: cfg, logger: logger, store: db, service: svc, scheduler: sched}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}
