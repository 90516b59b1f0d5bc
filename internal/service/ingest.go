package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/xiaot623/gogo/telemetry/internal/cost"
	"github.com/xiaot623/gogo/telemetry/internal/domain"
	"github.com/xiaot623/gogo/telemetry/internal/observability"
	"github.com/xiaot623/gogo/telemetry/internal/repository"
)

// IngestBatch normalizes and applies a batch of raw events for a project.
// Events are applied in timestamp order and each one succeeds or fails on
// its own. Only an unknown project fails the whole batch.
func (s *Service) IngestBatch(ctx context.Context, projectID string, raw []json.RawMessage) ([]domain.IngestResult, error) {
	ctx, span := observability.StartSpan(ctx, "service.IngestBatch",
		observability.AttrProjectID.String(projectID), observability.AttrBatchSize.Int(len(raw)))
	var err error
	defer func() { observability.EndSpan(span, err) }()

	if err = s.requireProject(ctx, projectID); err != nil {
		return nil, err
	}
	observability.RecordIngestBatch(len(raw))

	results := make([]domain.IngestResult, 0, len(raw))
	events := make([]*domain.Event, 0, len(raw))
	for _, r := range raw {
		ev, nerr := s.normalizer.Normalize(ctx, r)
		if nerr != nil {
			s.logger.Warn("rejected malformed event", "project_id", projectID, "error", nerr)
			observability.RecordEvent("", observability.OutcomeError)
			results = append(results, domain.IngestResult{Success: false, Error: nerr.Error()})
			continue
		}
		if !ev.HasTimestamp() {
			ev.Timestamp = s.now().UTC()
		}
		events = append(events, ev)
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})

	for _, ev := range events {
		result := domain.IngestResult{ID: ev.RunID, Success: true}
		if ierr := s.IngestEvent(ctx, projectID, ev); ierr != nil {
			s.logger.Error("failed to ingest event",
				"project_id", projectID, "run_id", ev.RunID, "type", ev.Type, "event", ev.Event, "error", ierr)
			result.Success = false
			result.Error = ierr.Error()
			observability.RecordEvent(string(ev.Type), observability.OutcomeError)
		} else {
			observability.RecordEvent(string(ev.Type), observability.OutcomeSuccess)
		}
		results = append(results, result)
	}
	return results, nil
}

// IngestEvent applies one normalized event.
func (s *Service) IngestEvent(ctx context.Context, projectID string, ev *domain.Event) error {
	if !ev.HasTimestamp() {
		ev.Timestamp = s.now().UTC()
	}

	userID, err := s.recordExternalUser(ctx, projectID, ev)
	if err != nil {
		return err
	}

	switch {
	case ev.Type == domain.RunTypeLog:
		return s.ingestLog(ctx, projectID, ev)
	case ev.Event == domain.EventChat || ev.Message != nil && (ev.Type == domain.RunTypeChat || ev.Type == domain.RunTypeThread):
		return s.ingestChat(ctx, projectID, userID, ev)
	case ev.Type == domain.RunTypeCustomEvent:
		return s.ingestCustomEvent(ctx, projectID, userID, ev)
	}

	switch ev.Event {
	case domain.EventStart:
		return s.startRun(ctx, projectID, userID, ev)
	case domain.EventEnd:
		return s.endRun(ctx, ev)
	case domain.EventError:
		return s.failRun(ctx, ev)
	case domain.EventFeedback:
		return s.mergeFeedback(ctx, ev)
	case "":
		return domain.Invalid("event", "is required for %s runs", ev.Type)
	}
	return domain.Invalid("event", "unsupported event %q", ev.Event)
}

func (s *Service) requireProject(ctx context.Context, projectID string) error {
	if projectID == "" {
		return domain.Invalid("projectId", "is required")
	}
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return domain.Persistence("get project", err)
	}
	if project == nil {
		return domain.NotFound("project", projectID)
	}
	return nil
}

// recordExternalUser upserts the end user of any event other than end and
// error, returning its stored id.
func (s *Service) recordExternalUser(ctx context.Context, projectID string, ev *domain.Event) (string, error) {
	if ev.UserID == "" || ev.Event == domain.EventEnd || ev.Event == domain.EventError {
		return "", nil
	}
	id, err := s.store.UpsertExternalUser(ctx, &domain.ExternalUser{
		ProjectID:  projectID,
		ExternalID: ev.UserID,
		LastSeen:   ev.Timestamp,
		Props:      ev.UserProps,
	})
	if err != nil {
		return "", domain.Persistence("upsert external user", err)
	}
	return id, nil
}

func (s *Service) startRun(ctx context.Context, projectID, userID string, ev *domain.Event) error {
	if ev.RunID == "" {
		return domain.Invalid("runId", "is required")
	}

	parentID, err := s.resolveParent(ctx, ev)
	if err != nil {
		return err
	}

	params := ev.Params
	if len(params) == 0 {
		params = ev.Extra
	}
	run := &domain.Run{
		ID:                ev.RunID,
		ProjectID:         projectID,
		Type:              ev.Type,
		Name:              ev.Name,
		Status:            domain.RunStatusStarted,
		ParentRunID:       parentID,
		ExternalUserID:    userID,
		Input:             ev.Input,
		Params:            params,
		Tags:              ev.Tags,
		Metadata:          ev.Metadata,
		TemplateVersionID: ev.TemplateID,
		Runtime:           ev.Runtime,
		CreatedAt:         ev.Timestamp,
	}
	if err := s.store.InsertRun(ctx, run); err != nil {
		return domain.Persistence("insert run", err)
	}
	if len(ev.Tags) > 0 {
		if err := s.store.RunInTx(ctx, func(tx store.RunTx) error {
			return tx.SetRunTags(ctx, run.ID, projectID, ev.Tags)
		}); err != nil {
			return domain.Persistence("set run tags", err)
		}
	}

	s.matchRealtime(ctx, run)
	return nil
}

// resolveParent checks that the event's parent run exists. A parent that
// may still be in flight gets one delayed retry before the reference is
// dropped.
func (s *Service) resolveParent(ctx context.Context, ev *domain.Event) (string, error) {
	if ev.ParentRunID == "" {
		return "", nil
	}
	for attempt := 0; attempt < 2; attempt++ {
		exists, err := s.store.RunExists(ctx, ev.ParentRunID)
		if err != nil {
			return "", domain.Persistence("check parent run", err)
		}
		if exists {
			return ev.ParentRunID, nil
		}
		if attempt == 0 {
			if err := s.sleep(ctx, s.config.ParentRetryDelay); err != nil {
				return "", err
			}
		}
	}
	s.logger.Warn("parent run not found, dropping reference", "run_id", ev.RunID, "parent_run_id", ev.ParentRunID)
	return "", nil
}

func (s *Service) endRun(ctx context.Context, ev *domain.Event) error {
	if ev.RunID == "" {
		return domain.Invalid("runId", "is required")
	}
	run, err := s.store.GetRun(ctx, ev.RunID)
	if err != nil {
		return domain.Persistence("get run", err)
	}
	if run == nil {
		return domain.NotFound("run", ev.RunID)
	}

	end := store.RunEnd{RunID: ev.RunID, EndedAt: ev.Timestamp, Output: ev.Output}
	if ev.TokensUsage != nil {
		end.PromptTokens = ev.TokensUsage.Prompt
		end.CompletionTokens = ev.TokensUsage.Completion
	}

	ended := *run
	ended.EndedAt = &end.EndedAt
	if end.PromptTokens != nil {
		ended.PromptTokens = end.PromptTokens
	}
	if end.CompletionTokens != nil {
		ended.CompletionTokens = end.CompletionTokens
	}
	end.Cost = cost.Calculate(&ended)

	if err := s.store.EndRun(ctx, end); err != nil {
		return domain.Persistence("end run", err)
	}

	if updated, err := s.store.GetRun(ctx, ev.RunID); err == nil && updated != nil {
		s.matchRealtime(ctx, updated)
	}
	return nil
}

func (s *Service) failRun(ctx context.Context, ev *domain.Event) error {
	if ev.RunID == "" {
		return domain.Invalid("runId", "is required")
	}
	errData := ev.Error
	if len(errData) == 0 {
		errData = json.RawMessage(`{"message":"unknown error"}`)
	}
	if err := s.store.FailRun(ctx, ev.RunID, ev.Timestamp, errData); err != nil {
		return domain.Persistence("fail run", err)
	}
	return nil
}

// mergeFeedback merges the event's feedback, and any extra fields sent
// alongside it, into the run's stored feedback.
func (s *Service) mergeFeedback(ctx context.Context, ev *domain.Event) error {
	if ev.RunID == "" {
		return domain.Invalid("runId", "is required")
	}
	merged, err := mergeObjects(ev.Extra, ev.Feedback)
	if err != nil {
		return domain.Invalid("feedback", "%v", err)
	}
	if merged == nil {
		return domain.Invalid("feedback", "is required")
	}
	if err := s.store.MergeRunFeedback(ctx, ev.RunID, merged); err != nil {
		return domain.Persistence("merge feedback", err)
	}
	return nil
}

func (s *Service) ingestLog(ctx context.Context, projectID string, ev *domain.Event) error {
	if ev.ParentRunID == "" {
		return domain.Invalid("parentRunId", "is required for logs")
	}
	if ev.Event == "" {
		return domain.Invalid("event", "is required for logs")
	}
	entry := &domain.LogEntry{
		RunID:     ev.ParentRunID,
		ProjectID: projectID,
		Level:     string(ev.Event),
		Message:   ev.LogMessage,
		Extra:     ev.Extra,
		CreatedAt: ev.Timestamp,
	}
	if err := s.store.InsertLog(ctx, entry); err != nil {
		return domain.Persistence("insert log", err)
	}
	return nil
}

// mergeObjects shallow-merges JSON objects left to right. Absent inputs are
// skipped; nil is returned when every input is absent.
func mergeObjects(objects ...json.RawMessage) (json.RawMessage, error) {
	var out map[string]any
	for _, raw := range objects {
		if len(raw) == 0 || string(raw) == "null" {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var obj map[string]any
		if err := dec.Decode(&obj); err != nil {
			return nil, fmt.Errorf("must be an object: %w", err)
		}
		if out == nil {
			out = make(map[string]any, len(obj))
		}
		for k, v := range obj {
			out[k] = v
		}
	}
	if out == nil {
		return nil, nil
	}
	return domain.EncodeJSON(out)
}
