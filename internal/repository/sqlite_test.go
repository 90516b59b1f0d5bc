package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/xiaot623/gogo/telemetry/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func seedProject(t *testing.T, store *SQLiteStore, id string) {
	t.Helper()
	if err := store.CreateProject(context.Background(), &domain.Project{ID: id, Name: id, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("CreateProject failed: %v", err)
	}
}

func intPtr(n int) *int { return &n }

func TestSQLiteStoreRunLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()
	seedProject(t, store, "p1")

	start := time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)
	run := &domain.Run{
		ID:        "r1",
		ProjectID: "p1",
		Type:      domain.RunTypeLLM,
		Name:      "gpt-4",
		Status:    domain.RunStatusStarted,
		Input:     json.RawMessage(`[{"role":"user","content":"hi"}]`),
		Tags:      []string{"a", "b"},
		Metadata:  map[string]any{"tier": "pro", "n": 3},
		CreatedAt: start,
	}
	if err := store.InsertRun(ctx, run); err != nil {
		t.Fatalf("InsertRun failed: %v", err)
	}

	end := start.Add(1500 * time.Millisecond)
	cost := 0.01
	if err := store.EndRun(ctx, RunEnd{
		RunID:            "r1",
		EndedAt:          end,
		Output:           json.RawMessage(`{"text":"hello"}`),
		PromptTokens:     intPtr(10),
		CompletionTokens: intPtr(5),
		Cost:             &cost,
	}); err != nil {
		t.Fatalf("EndRun failed: %v", err)
	}

	got, err := store.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got == nil || got.Status != domain.RunStatusSuccess {
		t.Fatalf("unexpected run: %+v", got)
	}
	if !got.CreatedAt.Equal(start) || got.EndedAt == nil || !got.EndedAt.Equal(end) {
		t.Fatalf("unexpected times: %v %v", got.CreatedAt, got.EndedAt)
	}
	if got.PromptTokens == nil || *got.PromptTokens != 10 || got.Cost == nil || *got.Cost != cost {
		t.Fatalf("unexpected usage: %+v", got)
	}
	if len(got.Tags) != 2 || got.Metadata["tier"] != "pro" || got.Metadata["n"] != json.Number("3") {
		t.Fatalf("unexpected tags/metadata: %v %v", got.Tags, got.Metadata)
	}

	var duration float64
	if err := store.db.QueryRow(`SELECT duration FROM runs WHERE id = 'r1'`).Scan(&duration); err != nil {
		t.Fatalf("duration query failed: %v", err)
	}
	if d, _ := got.Duration(); d != duration || duration != 1.5 {
		t.Fatalf("duration mismatch: column %v, run %v", duration, d)
	}

	missing, err := store.GetRun(ctx, "nope")
	if err != nil || missing != nil {
		t.Fatalf("expected nil run, got %+v, %v", missing, err)
	}
}

func TestSQLiteStoreFailAndFeedback(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()
	seedProject(t, store, "p1")

	now := time.Now()
	if err := store.InsertRun(ctx, &domain.Run{ID: "r1", ProjectID: "p1", Type: domain.RunTypeTool, CreatedAt: now}); err != nil {
		t.Fatalf("InsertRun failed: %v", err)
	}
	if err := store.FailRun(ctx, "r1", now, json.RawMessage(`{"message":"boom"}`)); err != nil {
		t.Fatalf("FailRun failed: %v", err)
	}
	if err := store.MergeRunFeedback(ctx, "r1", json.RawMessage(`{"thumb":"up"}`)); err != nil {
		t.Fatalf("MergeRunFeedback failed: %v", err)
	}
	if err := store.MergeRunFeedback(ctx, "r1", json.RawMessage(`{"comment":"nice"}`)); err != nil {
		t.Fatalf("MergeRunFeedback failed: %v", err)
	}

	got, _ := store.GetRun(ctx, "r1")
	if got.Status != domain.RunStatusError || string(got.Error) != `{"message":"boom"}` {
		t.Fatalf("unexpected run: %+v", got)
	}
	var fb map[string]string
	if err := json.Unmarshal(got.Feedback, &fb); err != nil {
		t.Fatalf("bad feedback: %v", err)
	}
	if fb["thumb"] != "up" || fb["comment"] != "nice" {
		t.Fatalf("unexpected feedback: %v", fb)
	}

	if err := store.MergeRunFeedback(ctx, "missing", json.RawMessage(`{}`)); !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSQLiteStoreChatTransaction(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()
	seedProject(t, store, "p1")

	ts := time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)
	err := store.RunInTx(ctx, func(tx RunTx) error {
		if err := tx.UpsertThread(ctx, &domain.Run{
			ID: "t1", ProjectID: "p1", Input: json.RawMessage(`{"role":"user","content":"hi"}`),
			Tags: []string{"thread"}, CreatedAt: ts,
		}); err != nil {
			return err
		}
		prev, err := tx.LatestChild(ctx, "t1")
		if err != nil {
			return err
		}
		if prev != nil {
			t.Fatalf("expected no child yet, got %+v", prev)
		}
		ended := ts
		if err := tx.InsertRun(ctx, &domain.Run{
			ID: "c1", ProjectID: "p1", Type: domain.RunTypeChat, ParentRunID: "t1",
			Input: json.RawMessage(`[{"role":"user","content":"hi"}]`), CreatedAt: ts, EndedAt: &ended,
		}); err != nil {
			return err
		}
		return tx.SetRunTags(ctx, "c1", "p1", []string{"x", "y", "x"})
	})
	if err != nil {
		t.Fatalf("RunInTx failed: %v", err)
	}

	later := ts.Add(time.Second)
	err = store.RunInTx(ctx, func(tx RunTx) error {
		if err := tx.UpsertThread(ctx, &domain.Run{
			ID: "t1", ProjectID: "p1", Input: json.RawMessage(`{"role":"assistant","content":"hello"}`), CreatedAt: later,
		}); err != nil {
			return err
		}
		prev, err := tx.LatestChild(ctx, "t1")
		if err != nil {
			return err
		}
		if prev == nil || prev.ID != "c1" {
			t.Fatalf("expected c1 as latest child, got %+v", prev)
		}
		return tx.UpdateChatRun(ctx, ChatUpdate{
			RunID:   "c1",
			Output:  json.RawMessage(`[{"role":"assistant","content":"hello"}]`),
			EndedAt: later,
		})
	})
	if err != nil {
		t.Fatalf("RunInTx failed: %v", err)
	}

	thread, _ := store.GetRun(ctx, "t1")
	if thread.Type != domain.RunTypeThread || string(thread.Input) != `{"role":"assistant","content":"hello"}` {
		t.Fatalf("unexpected thread: %+v", thread)
	}
	if !thread.CreatedAt.Equal(ts) {
		t.Fatalf("thread creation time changed: %v", thread.CreatedAt)
	}

	chat, _ := store.GetRun(ctx, "c1")
	if string(chat.Output) != `[{"role":"assistant","content":"hello"}]` || !chat.EndedAt.Equal(later) {
		t.Fatalf("unexpected chat run: %+v", chat)
	}
	if string(chat.Input) != `[{"role":"user","content":"hi"}]` {
		t.Fatalf("input should be untouched: %s", chat.Input)
	}

	tags, err := store.ListRunTags(ctx, "c1")
	if err != nil {
		t.Fatalf("ListRunTags failed: %v", err)
	}
	if len(tags) != 2 {
		t.Fatalf("expected 2 tag rows, got %v", tags)
	}
}

func TestSQLiteStoreRunInTxRollsBack(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()
	seedProject(t, store, "p1")

	err := store.RunInTx(ctx, func(tx RunTx) error {
		if err := tx.InsertRun(ctx, &domain.Run{ID: "r1", ProjectID: "p1", Type: domain.RunTypeChat, CreatedAt: time.Now()}); err != nil {
			return err
		}
		return tx.UpdateChatRun(ctx, ChatUpdate{RunID: "missing", EndedAt: time.Now()})
	})
	if !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}

	exists, err := store.RunExists(ctx, "r1")
	if err != nil {
		t.Fatalf("RunExists failed: %v", err)
	}
	if exists {
		t.Fatalf("insert should have been rolled back")
	}
}

func TestSQLiteStoreExternalUsers(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()
	seedProject(t, store, "p1")

	first, err := store.UpsertExternalUser(ctx, &domain.ExternalUser{ProjectID: "p1", ExternalID: "u-42", LastSeen: time.Now(), Props: json.RawMessage(`{"email":"a@b.c"}`)})
	if err != nil {
		t.Fatalf("UpsertExternalUser failed: %v", err)
	}
	second, err := store.UpsertExternalUser(ctx, &domain.ExternalUser{ProjectID: "p1", ExternalID: "u-42", LastSeen: time.Now()})
	if err != nil {
		t.Fatalf("UpsertExternalUser failed: %v", err)
	}
	if first == "" || first != second {
		t.Fatalf("expected the same id, got %q and %q", first, second)
	}
}

func TestSQLiteStoreEvaluatorsAndResults(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()
	seedProject(t, store, "p1")
	seedProject(t, store, "p2")

	base := time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"r1", "r2", "r3"} {
		if err := store.InsertRun(ctx, &domain.Run{ID: id, ProjectID: "p1", Type: domain.RunTypeLLM, CreatedAt: base.Add(time.Duration(i) * time.Minute)}); err != nil {
			t.Fatalf("InsertRun failed: %v", err)
		}
	}
	if err := store.InsertRun(ctx, &domain.Run{ID: "other", ProjectID: "p2", Type: domain.RunTypeLLM, CreatedAt: base}); err != nil {
		t.Fatalf("InsertRun failed: %v", err)
	}

	ev := &domain.Evaluator{ID: "e1", ProjectID: "p1", Name: "lang", Kind: domain.EvaluatorKindLanguage, Mode: domain.EvaluatorModeRealtime, CreatedAt: base}
	if err := store.CreateEvaluator(ctx, ev); err != nil {
		t.Fatalf("CreateEvaluator failed: %v", err)
	}
	if err := store.CreateEvaluator(ctx, &domain.Evaluator{ID: "e2", ProjectID: "p1", Name: "batch", Kind: domain.EvaluatorKindPII, Mode: domain.EvaluatorModeBatch, CreatedAt: base}); err != nil {
		t.Fatalf("CreateEvaluator failed: %v", err)
	}

	realtime, err := store.ListEvaluators(ctx, EvaluatorFilter{Mode: domain.EvaluatorModeRealtime})
	if err != nil {
		t.Fatalf("ListEvaluators failed: %v", err)
	}
	if len(realtime) != 1 || realtime[0].ID != "e1" {
		t.Fatalf("unexpected evaluators: %+v", realtime)
	}

	runs, err := store.SelectUnevaluatedRuns(ctx, ev, "(r.type = ?)", []any{"llm"}, 2)
	if err != nil {
		t.Fatalf("SelectUnevaluatedRuns failed: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "r3" || runs[1].ID != "r2" {
		t.Fatalf("expected newest two runs of p1, got %+v", runs)
	}

	for _, result := range []string{`{"v":1}`, `{"v":2}`} {
		if err := store.UpsertEvaluationResult(ctx, &domain.EvaluationResult{EvaluatorID: "e1", RunID: "r3", Result: json.RawMessage(result), CreatedAt: base}); err != nil {
			t.Fatalf("UpsertEvaluationResult failed: %v", err)
		}
	}

	runs, err = store.SelectUnevaluatedRuns(ctx, ev, "", nil, 5)
	if err != nil {
		t.Fatalf("SelectUnevaluatedRuns failed: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected r3 to be excluded, got %+v", runs)
	}
	for _, r := range runs {
		if r.ID == "r3" || r.ID == "other" {
			t.Fatalf("unexpected run selected: %s", r.ID)
		}
	}

	results, err := store.ListEvaluationResults(ctx, "e1", 0)
	if err != nil {
		t.Fatalf("ListEvaluationResults failed: %v", err)
	}
	if len(results) != 1 || string(results[0].Result) != `{"v":2}` {
		t.Fatalf("expected last write to win, got %+v", results)
	}
}

func TestSQLiteStoreToxicityAndLogs(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()
	seedProject(t, store, "p1")

	if err := store.InsertRun(ctx, &domain.Run{ID: "r1", ProjectID: "p1", Type: domain.RunTypeLLM, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("InsertRun failed: %v", err)
	}
	tox := &domain.RunToxicity{RunID: "r1", ToxicOutput: true, OutputLabels: []string{"insult"}}
	if err := store.UpsertRunToxicity(ctx, tox); err != nil {
		t.Fatalf("UpsertRunToxicity failed: %v", err)
	}
	tox.ToxicInput = true
	if err := store.UpsertRunToxicity(ctx, tox); err != nil {
		t.Fatalf("UpsertRunToxicity failed: %v", err)
	}
	got, err := store.GetRunToxicity(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRunToxicity failed: %v", err)
	}
	if !got.ToxicInput || !got.ToxicOutput || len(got.OutputLabels) != 1 || len(got.InputLabels) != 0 {
		t.Fatalf("unexpected toxicity: %+v", got)
	}

	if err := store.InsertLog(ctx, &domain.LogEntry{RunID: "r1", ProjectID: "p1", Level: "info", Message: "hello", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("InsertLog failed: %v", err)
	}
	logs, err := store.ListLogs(ctx, "r1")
	if err != nil {
		t.Fatalf("ListLogs failed: %v", err)
	}
	if len(logs) != 1 || logs[0].Message != "hello" || string(logs[0].Extra) != "{}" {
		t.Fatalf("unexpected logs: %+v", logs)
	}
}

func TestFindRunsWithFragment(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()
	seedProject(t, store, "p1")

	now := time.Now()
	for _, r := range []domain.Run{
		{ID: "a", ProjectID: "p1", Type: domain.RunTypeLLM, Tags: []string{"x"}, CreatedAt: now},
		{ID: "b", ProjectID: "p1", Type: domain.RunTypeLLM, Tags: []string{"y"}, CreatedAt: now.Add(time.Second)},
		{ID: "c", ProjectID: "p1", Type: domain.RunTypeTool, CreatedAt: now.Add(2 * time.Second)},
	} {
		r := r
		if err := store.InsertRun(ctx, &r); err != nil {
			t.Fatalf("InsertRun failed: %v", err)
		}
	}

	runs, err := store.FindRuns(ctx, RunQuery{
		ProjectID: "p1",
		Where:     "(EXISTS (SELECT 1 FROM json_each(r.tags) WHERE json_each.value IN (?)))",
		Args:      []any{"y"},
	})
	if err != nil {
		t.Fatalf("FindRuns failed: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "b" {
		t.Fatalf("unexpected runs: %+v", runs)
	}

	all, err := store.FindRuns(ctx, RunQuery{ProjectID: "p1", Limit: 2})
	if err != nil {
		t.Fatalf("FindRuns failed: %v", err)
	}
	if len(all) != 2 || all[0].ID != "c" {
		t.Fatalf("unexpected page: %+v", all)
	}
}

func TestSQLiteStoreMoveRunRekeysReferences(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()
	seedProject(t, store, "p1")
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	for _, run := range []*domain.Run{
		{ID: "old", ProjectID: "p1", Type: domain.RunTypeChat, CreatedAt: now},
		{ID: "child", ProjectID: "p1", Type: domain.RunTypeTool, ParentRunID: "old", CreatedAt: now},
		{ID: "taken", ProjectID: "p1", Type: domain.RunTypeLLM, CreatedAt: now},
	} {
		if err := store.InsertRun(ctx, run); err != nil {
			t.Fatalf("InsertRun failed: %v", err)
		}
	}
	ev := &domain.Evaluator{ID: "e1", ProjectID: "p1", Name: "tox", Kind: domain.EvaluatorKindToxicity, Mode: domain.EvaluatorModeRealtime, CreatedAt: now}
	if err := store.CreateEvaluator(ctx, ev); err != nil {
		t.Fatalf("CreateEvaluator failed: %v", err)
	}
	if err := store.UpsertEvaluationResult(ctx, &domain.EvaluationResult{EvaluatorID: "e1", RunID: "old", Result: json.RawMessage(`{}`), CreatedAt: now}); err != nil {
		t.Fatalf("UpsertEvaluationResult failed: %v", err)
	}
	if err := store.UpsertRunToxicity(ctx, &domain.RunToxicity{RunID: "old", ToxicInput: true, InputLabels: []string{"insult"}}); err != nil {
		t.Fatalf("UpsertRunToxicity failed: %v", err)
	}
	if err := store.InsertLog(ctx, &domain.LogEntry{RunID: "old", ProjectID: "p1", Level: "info", Message: "m", CreatedAt: now}); err != nil {
		t.Fatalf("InsertLog failed: %v", err)
	}

	err := store.RunInTx(ctx, func(tx RunTx) error {
		if err := tx.SetRunTags(ctx, "old", "p1", []string{"vip"}); err != nil {
			return err
		}
		moved, err := tx.MoveRun(ctx, "old", "taken")
		if err != nil || moved {
			t.Fatalf("expected no move onto a taken id, got %v %v", moved, err)
		}
		moved, err = tx.MoveRun(ctx, "old", "new")
		if err != nil {
			return err
		}
		if !moved {
			t.Fatalf("expected run to move")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("RunInTx failed: %v", err)
	}

	if old, _ := store.GetRun(ctx, "old"); old != nil {
		t.Fatalf("old id still stored: %+v", old)
	}
	if run, _ := store.GetRun(ctx, "new"); run == nil {
		t.Fatalf("moved run missing")
	}
	if child, _ := store.GetRun(ctx, "child"); child.ParentRunID != "new" {
		t.Fatalf("child parent not moved: %q", child.ParentRunID)
	}
	if tags, _ := store.ListRunTags(ctx, "new"); len(tags) != 1 || tags[0] != "vip" {
		t.Fatalf("tags not moved: %v", tags)
	}
	if results, _ := store.ListEvaluationResults(ctx, "e1", 10); len(results) != 1 || results[0].RunID != "new" {
		t.Fatalf("results not moved: %+v", results)
	}
	if tox, _ := store.GetRunToxicity(ctx, "new"); tox == nil || !tox.ToxicInput {
		t.Fatalf("toxicity not moved: %+v", tox)
	}
	if logs, _ := store.ListLogs(ctx, "new"); len(logs) != 1 {
		t.Fatalf("logs not moved: %+v", logs)
	}
}

func TestSQLiteStoreFailRunUnknown(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	err := store.FailRun(context.Background(), "missing", time.Now(), json.RawMessage(`{"message":"x"}`))
	if !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestEvaluatorCacheTTL(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()
	seedProject(t, store, "p1")
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	cache := NewEvaluatorCache(store, time.Minute, func() time.Time { return now })

	add := func(id string, mode domain.EvaluatorMode) {
		t.Helper()
		if err := store.CreateEvaluator(ctx, &domain.Evaluator{ID: id, ProjectID: "p1", Name: id, Kind: domain.EvaluatorKindPII, Mode: mode, CreatedAt: now}); err != nil {
			t.Fatalf("CreateEvaluator failed: %v", err)
		}
	}
	count := func() int {
		t.Helper()
		evs, err := cache.Realtime(ctx)
		if err != nil {
			t.Fatalf("Realtime failed: %v", err)
		}
		return len(evs)
	}

	add("a", domain.EvaluatorModeRealtime)
	add("b", domain.EvaluatorModeBatch)
	if n := count(); n != 1 {
		t.Fatalf("expected 1 realtime evaluator, got %d", n)
	}
	add("c", domain.EvaluatorModeRealtime)
	if n := count(); n != 1 {
		t.Fatalf("expected cached list within ttl, got %d", n)
	}
	now = now.Add(2 * time.Minute)
	if n := count(); n != 2 {
		t.Fatalf("expected reload after ttl, got %d", n)
	}
	add("d", domain.EvaluatorModeRealtime)
	cache.Invalidate()
	if n := count(); n != 3 {
		t.Fatalf("expected reload after invalidate, got %d", n)
	}
}
