package service

import (
	"context"

	"github.com/google/uuid"

	"github.com/xiaot623/gogo/telemetry/internal/domain"
	"github.com/xiaot623/gogo/telemetry/internal/observability"
	"github.com/xiaot623/gogo/telemetry/internal/reconcile"
	"github.com/xiaot623/gogo/telemetry/internal/repository"
)

// ChatOutcome reports where a chat message landed.
type ChatOutcome struct {
	RunID string
	Rule  reconcile.Rule
}

// IngestChat reconciles one chat message into its thread.
func (s *Service) IngestChat(ctx context.Context, projectID string, ev *domain.Event) (*ChatOutcome, error) {
	if !ev.HasTimestamp() {
		ev.Timestamp = s.now().UTC()
	}
	if err := s.requireProject(ctx, projectID); err != nil {
		return nil, err
	}
	userID, err := s.recordExternalUser(ctx, projectID, ev)
	if err != nil {
		return nil, err
	}
	return s.reconcileChat(ctx, projectID, userID, ev)
}

func (s *Service) ingestChat(ctx context.Context, projectID, userID string, ev *domain.Event) error {
	_, err := s.reconcileChat(ctx, projectID, userID, ev)
	return err
}

func (s *Service) reconcileChat(ctx context.Context, projectID, userID string, ev *domain.Event) (*ChatOutcome, error) {
	if ev.ParentRunID == "" {
		return nil, domain.Invalid("parentRunId", "is required for chat messages")
	}
	if ev.Message == nil {
		return nil, domain.Invalid("message", "is required for chat messages")
	}

	runID := ev.RunID
	if runID == "" {
		runID = uuid.New().String()
	}
	tags := ev.Message.Tags
	if tags == nil {
		tags = ev.Tags
	}
	msg := reconcile.Message{
		RunID:          runID,
		ProjectID:      projectID,
		ThreadID:       ev.ParentRunID,
		Timestamp:      ev.Timestamp,
		Role:           ev.Message.Role,
		IsRetry:        ev.Message.IsRetry,
		Core:           ev.Message.Core(),
		Tags:           tags,
		Metadata:       ev.Metadata,
		ExternalUserID: userID,
		Feedback:       ev.Feedback,
	}
	latest, err := domain.EncodeJSON(msg.Core)
	if err != nil {
		return nil, domain.Invalid("message", "%v", err)
	}

	ctx, span := observability.StartSpan(ctx, "service.IngestChat",
		observability.AttrProjectID.String(projectID), observability.AttrThreadID.String(msg.ThreadID))
	defer func() { observability.EndSpan(span, err) }()

	unlock := s.locks.Lock(msg.ThreadID)
	defer unlock()

	var outcome ChatOutcome
	var inserted *domain.Run
	err = s.store.RunInTx(ctx, func(tx store.RunTx) error {
		thread := &domain.Run{
			ID:             msg.ThreadID,
			ProjectID:      projectID,
			Type:           domain.RunTypeThread,
			ExternalUserID: userID,
			Tags:           ev.ThreadTags,
			Input:          latest,
			CreatedAt:      msg.Timestamp,
		}
		if err := tx.UpsertThread(ctx, thread); err != nil {
			return err
		}

		previous, err := tx.LatestChild(ctx, msg.ThreadID)
		if err != nil {
			return err
		}

		decision, err := reconcile.Decide(msg, previous)
		if err != nil {
			return err
		}
		outcome.Rule = decision.RuleApplied()

		switch d := decision.(type) {
		case reconcile.Insert:
			if err := tx.InsertRun(ctx, &d.Run); err != nil {
				return err
			}
			outcome.RunID = d.Run.ID
			inserted = &d.Run
		case reconcile.UpdateInPlace:
			if err := tx.UpdateChatRun(ctx, store.ChatUpdate{
				RunID:          d.RunID,
				Input:          d.Input,
				Output:         d.Output,
				Tags:           d.Tags,
				Metadata:       d.Metadata,
				ExternalUserID: d.ExternalUserID,
				Feedback:       d.Feedback,
				EndedAt:        d.EndedAt,
			}); err != nil {
				return err
			}
			outcome.RunID = d.RunID
			if d.NewRunID != "" && ev.RunID != "" {
				moved, err := tx.MoveRun(ctx, d.RunID, d.NewRunID)
				if err != nil {
					return err
				}
				if moved {
					outcome.RunID = d.NewRunID
				}
			}
		}

		if len(msg.Tags) > 0 {
			return tx.SetRunTags(ctx, outcome.RunID, projectID, msg.Tags)
		}
		return nil
	})
	if err != nil {
		if !domain.IsValidation(err) {
			err = domain.Persistence("ingest chat", err)
		}
		return nil, err
	}

	span.SetAttributes(observability.AttrRunID.String(outcome.RunID), observability.AttrRule.String(outcome.Rule.String()))
	observability.RecordChatDecision(outcome.Rule.String())
	s.logger.Debug("chat message reconciled", "thread_id", msg.ThreadID, "run_id", outcome.RunID, "rule", outcome.Rule.String())

	if inserted != nil {
		s.matchRealtime(ctx, inserted)
	}
	return &outcome, nil
}

// ingestCustomEvent records a custom event. Under a thread it is serialized
// with the thread's chat messages so the next message opens a new run.
func (s *Service) ingestCustomEvent(ctx context.Context, projectID, userID string, ev *domain.Event) error {
	if ev.Name == "" {
		return domain.Invalid("name", "is required for custom events")
	}
	runID := ev.RunID
	if runID == "" {
		runID = uuid.New().String()
	}

	if ev.ParentRunID != "" {
		unlock := s.locks.Lock(ev.ParentRunID)
		defer unlock()
	}
	parentID, err := s.resolveParent(ctx, ev)
	if err != nil {
		return err
	}

	ended := ev.Timestamp
	run := &domain.Run{
		ID:             runID,
		ProjectID:      projectID,
		Type:           domain.RunTypeCustomEvent,
		Name:           ev.Name,
		ParentRunID:    parentID,
		ExternalUserID: userID,
		Input:          ev.Input,
		Tags:           ev.Tags,
		Metadata:       ev.Metadata,
		CreatedAt:      ev.Timestamp,
		EndedAt:        &ended,
	}
	if err := s.store.InsertRun(ctx, run); err != nil {
		return domain.Persistence("insert custom event", err)
	}
	s.matchRealtime(ctx, run)
	return nil
}
