package engine_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"caseflow/internal/db"
	"caseflow/internal/dispatch"
	"caseflow/internal/domain"
	"caseflow/internal/engine"
	"caseflow/internal/migrate"
	"caseflow/internal/repo"
)

// fakeSender records sends and fails for configured recipients.
type fakeSender struct {
	failFor map[string]bool
	sent    []string
}

func (f *fakeSender) Send(_ context.Context, channel, recipient, content string) error {
	if f.failFor[recipient] {
		return fmt.Errorf("provider rejected %s", recipient)
	}
	f.sent = append(f.sent, channel+":"+recipient)
	return nil
}

type testEnv struct {
	Engine engine.Engine
	Sender *fakeSender
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, zerolog.Nop())
	sender := &fakeSender{failFor: map[string]bool{}}
	eng.Dispatcher = dispatch.Adapter{Templates: dispatch.StaticTemplates{}, Sender: sender}
	eng.Now = func() time.Time { return time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if err := eng.Repo.SeedFilterFields(ctx); err != nil {
		t.Fatalf("seed fields: %v", err)
	}
	return testEnv{Engine: eng, Sender: sender, Ctx: ctx}
}

func seedCase(t *testing.T, env testEnv, id string, dpd int, phone string) {
	t.Helper()
	err := env.Engine.Repo.InsertCase(env.Ctx, domain.Case{
		ID:               id,
		CustomerName:     "customer " + id,
		Phone:            phone,
		AllocationStatus: "ALLOCATED",
		DPD:              dpd,
		Bucket:           "B2",
		CreatedAt:        time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("seed case %s: %v", id, err)
	}
}

func activeStrategy(id string) domain.Strategy {
	return domain.Strategy{
		ID:       id,
		Code:     "MID_BUCKET",
		Name:     "Mid bucket outreach",
		Priority: 10,
		Status:   domain.StrategyActive,
		Rules: []domain.StrategyRule{
			{FieldCode: "dpd", Operator: domain.OpBetween, Values: []string{"30", "60"}},
		},
		Actions: []domain.StrategyAction{
			{Channel: domain.ChannelSMS, TemplateRef: "sms_nudge", IsActive: true},
		},
	}
}

func TestCreateStrategyValidation(t *testing.T) {
	env := newTestEnv(t)

	s := activeStrategy("s1")
	s.Rules[0].FieldCode = "dpdd"
	if _, err := env.Engine.CreateStrategy(env.Ctx, s); err == nil {
		t.Fatalf("expected unknown field rejection")
	}

	s = activeStrategy("s1")
	s.Rules = nil
	_, err := env.Engine.CreateStrategy(env.Ctx, s)
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("active strategy without rules: expected ValidationError, got %v", err)
	}

	// match_all satisfies the rule requirement
	s.MatchAll = true
	if _, err := env.Engine.CreateStrategy(env.Ctx, s); err != nil {
		t.Fatalf("match_all strategy: %v", err)
	}

	s = activeStrategy("s2")
	s.Actions[0].Channel = "PIGEON"
	if _, err := env.Engine.CreateStrategy(env.Ctx, s); err == nil {
		t.Fatalf("expected unknown channel rejection")
	}
}

func TestExecuteStrategyEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	seedCase(t, env, "c1", 25, "111")
	seedCase(t, env, "c2", 45, "222")
	seedCase(t, env, "c3", 65, "333")
	if _, err := env.Engine.CreateStrategy(env.Ctx, activeStrategy("s1")); err != nil {
		t.Fatalf("create strategy: %v", err)
	}

	exec, err := env.Engine.ExecuteStrategy(env.Ctx, "s1", domain.TriggerManual)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if exec.Status != domain.ExecutionCompleted {
		t.Fatalf("status = %s, want COMPLETED (%s)", exec.Status, exec.Error)
	}
	if exec.MatchedCaseCount != 1 || exec.SuccessCount != 1 || exec.FailureCount != 0 {
		t.Fatalf("counts matched=%d success=%d failure=%d", exec.MatchedCaseCount, exec.SuccessCount, exec.FailureCount)
	}
	if exec.Trigger != domain.TriggerManual {
		t.Fatalf("trigger = %s", exec.Trigger)
	}
	if exec.StartedAt == nil || exec.CompletedAt == nil {
		t.Fatalf("timestamps missing: %+v", exec)
	}
	if len(env.Sender.sent) != 1 || env.Sender.sent[0] != "SMS:222" {
		t.Fatalf("sent = %v, want [SMS:222]", env.Sender.sent)
	}
}

func TestPartialDispatchFailureCompletesExecution(t *testing.T) {
	env := newTestEnv(t)
	seedCase(t, env, "c1", 45, "111")
	seedCase(t, env, "c2", 50, "222")
	env.Sender.failFor["111"] = true
	if _, err := env.Engine.CreateStrategy(env.Ctx, activeStrategy("s1")); err != nil {
		t.Fatalf("create strategy: %v", err)
	}

	exec, err := env.Engine.ExecuteStrategy(env.Ctx, "s1", domain.TriggerManual)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if exec.Status != domain.ExecutionCompleted {
		t.Fatalf("one failed case must not fail the run: %+v", exec)
	}
	if exec.MatchedCaseCount != 2 || exec.SuccessCount != 1 || exec.FailureCount != 1 {
		t.Fatalf("counts matched=%d success=%d failure=%d", exec.MatchedCaseCount, exec.SuccessCount, exec.FailureCount)
	}

	// every attempt leaves an event, success and failure alike
	var events int
	if err := env.Engine.Repo.DB.QueryRow(`SELECT COUNT(*) FROM case_events WHERE execution_id=?`, exec.ID).Scan(&events); err != nil {
		t.Fatalf("count events: %v", err)
	}
	if events != 2 {
		t.Fatalf("expected 2 case events, got %d", events)
	}
	var failed int
	if err := env.Engine.Repo.DB.QueryRow(`SELECT COUNT(*) FROM case_events WHERE execution_id=? AND status='FAILED'`, exec.ID).Scan(&failed); err != nil {
		t.Fatalf("count failed events: %v", err)
	}
	if failed != 1 {
		t.Fatalf("expected 1 failed event, got %d", failed)
	}
}

func TestInactiveActionsAreSkipped(t *testing.T) {
	env := newTestEnv(t)
	seedCase(t, env, "c1", 45, "111")
	s := activeStrategy("s1")
	s.Actions = append(s.Actions, domain.StrategyAction{Channel: domain.ChannelIVR, TemplateRef: "ivr_call", IsActive: false})
	if _, err := env.Engine.CreateStrategy(env.Ctx, s); err != nil {
		t.Fatalf("create strategy: %v", err)
	}
	exec, err := env.Engine.ExecuteStrategy(env.Ctx, "s1", domain.TriggerManual)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if exec.SuccessCount != 1 {
		t.Fatalf("success = %d, want 1 (inactive action skipped)", exec.SuccessCount)
	}
	if len(env.Sender.sent) != 1 {
		t.Fatalf("sent = %v", env.Sender.sent)
	}
}

func TestExecuteRejectsNonActiveStrategy(t *testing.T) {
	env := newTestEnv(t)
	s := activeStrategy("s1")
	s.Status = domain.StrategyDraft
	if _, err := env.Engine.CreateStrategy(env.Ctx, s); err != nil {
		t.Fatalf("create strategy: %v", err)
	}
	_, err := env.Engine.ExecuteStrategy(env.Ctx, "s1", domain.TriggerManual)
	var fe engine.FatalError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FatalError, got %v", err)
	}
	// nothing was recorded
	execs, lerr := env.Engine.Repo.ListExecutions(env.Ctx, repo.ExecutionFilters{StrategyID: "s1"})
	if lerr != nil {
		t.Fatalf("list: %v", lerr)
	}
	if len(execs) != 0 {
		t.Fatalf("no execution should exist, got %d", len(execs))
	}
}

func TestExecuteUnknownStrategy(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.ExecuteStrategy(env.Ctx, "missing", domain.TriggerManual)
	var fe engine.FatalError
	if !errors.As(err, &fe) || !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected FatalError wrapping ErrNotFound, got %v", err)
	}
}

func TestSimulateCountsWithoutDispatching(t *testing.T) {
	env := newTestEnv(t)
	seedCase(t, env, "c1", 45, "111")
	seedCase(t, env, "c2", 50, "222")
	seedCase(t, env, "c3", 10, "333")
	if _, err := env.Engine.CreateStrategy(env.Ctx, activeStrategy("s1")); err != nil {
		t.Fatalf("create strategy: %v", err)
	}

	count, sample, err := env.Engine.Simulate(env.Ctx, "s1")
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}
	if len(sample) != 2 {
		t.Fatalf("sample = %v", sample)
	}
	if len(env.Sender.sent) != 0 {
		t.Fatalf("simulate must not dispatch, sent %v", env.Sender.sent)
	}
	execs, err := env.Engine.Repo.ListExecutions(env.Ctx, repo.ExecutionFilters{StrategyID: "s1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(execs) != 0 {
		t.Fatalf("simulate must not record executions")
	}
}

func TestSimulateWorksForDraftStrategies(t *testing.T) {
	env := newTestEnv(t)
	seedCase(t, env, "c1", 45, "111")
	s := activeStrategy("s1")
	s.Status = domain.StrategyDraft
	if _, err := env.Engine.CreateStrategy(env.Ctx, s); err != nil {
		t.Fatalf("create strategy: %v", err)
	}
	count, _, err := env.Engine.Simulate(env.Ctx, "s1")
	if err != nil {
		t.Fatalf("simulate draft: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
}

func TestListStuckUsesThreshold(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateStrategy(env.Ctx, activeStrategy("s1")); err != nil {
		t.Fatalf("create strategy: %v", err)
	}
	now := env.Engine.Now()
	old := domain.StrategyExecution{ID: "old", StrategyID: "s1", Status: domain.ExecutionPending, Trigger: domain.TriggerManual, CreatedAt: now}
	if err := env.Engine.Repo.InsertExecution(env.Ctx, old); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := env.Engine.Repo.MarkExecutionRunning(env.Ctx, "old", now.Add(-2*time.Hour)); err != nil {
		t.Fatalf("mark: %v", err)
	}

	env.Engine.StuckAfter = time.Hour
	stuck, err := env.Engine.ListStuck(env.Ctx)
	if err != nil {
		t.Fatalf("stuck: %v", err)
	}
	if len(stuck) != 1 || stuck[0].ID != "old" {
		t.Fatalf("expected [old], got %+v", stuck)
	}

	// a generous threshold reports nothing
	env.Engine.StuckAfter = 3 * time.Hour
	stuck, err = env.Engine.ListStuck(env.Ctx)
	if err != nil {
		t.Fatalf("stuck: %v", err)
	}
	if len(stuck) != 0 {
		t.Fatalf("expected none, got %+v", stuck)
	}
}
