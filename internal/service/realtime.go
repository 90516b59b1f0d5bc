package service

import (
	"context"

	"github.com/xiaot623/gogo/telemetry/internal/domain"
	"github.com/xiaot623/gogo/telemetry/internal/filter"
	"github.com/xiaot623/gogo/telemetry/internal/observability"
)

// matchRealtime counts the project's realtime evaluators whose filter
// accepts the run in memory. Evaluators with SQL-only filters are left to
// the scheduler.
func (s *Service) matchRealtime(ctx context.Context, run *domain.Run) int {
	evaluators, err := s.evaluators.Realtime(ctx)
	if err != nil {
		s.logger.Warn("failed to list realtime evaluators", "project_id", run.ProjectID, "error", err)
		return 0
	}

	matched := 0
	for i := range evaluators {
		ev := &evaluators[i]
		if ev.ProjectID != run.ProjectID {
			continue
		}
		tree, err := filter.Parse(ev.FilterTree())
		if err != nil {
			s.logger.Warn("evaluator has an invalid filter", "evaluator_id", ev.ID, "error", err)
			continue
		}
		match, ok := s.compiler.Matcher(tree)
		if !ok || !match(run) {
			continue
		}
		matched++
		observability.RecordRealtimeMatch(string(ev.Kind))
	}
	return matched
}
