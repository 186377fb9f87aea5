// Package engine runs collection strategies: it resolves the matching
// case set, dispatches the strategy's actions per case, and records the
// outcome as a strategy execution.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"caseflow/internal/dispatch"
	"caseflow/internal/domain"
	"caseflow/internal/events"
	"caseflow/internal/repo"
	"caseflow/internal/rules"
)

// ValidationError reports a strategy payload that cannot be saved.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }

// FatalError aborts an execution before any case-level work can be
// attributed: the strategy is missing, not runnable, or the case set
// cannot be resolved.
type FatalError struct {
	StrategyID string
	Reason     string
	Cause      error
}

func (e FatalError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("strategy %s: %s: %v", e.StrategyID, e.Reason, e.Cause)
	}
	return fmt.Sprintf("strategy %s: %s", e.StrategyID, e.Reason)
}

func (e FatalError) Unwrap() error { return e.Cause }

// Engine executes strategies against the case base.
type Engine struct {
	Repo       repo.Repo
	Dispatcher dispatch.Adapter
	Events     events.Writer
	Log        zerolog.Logger

	// PageSize bounds case streaming during filtering.
	PageSize int
	// SampleLimit caps the identifiers returned by Simulate.
	SampleLimit int
	// StuckAfter is how long an execution may stay RUNNING before it is
	// reported as stuck.
	StuckAfter time.Duration

	Now func() time.Time
}

// New wires an engine over an open database handle.
func New(db *sql.DB, log zerolog.Logger) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		Repo:       r,
		Dispatcher: dispatch.Adapter{Templates: dispatch.StaticTemplates{}, Sender: dispatch.LogSender{Log: log}},
		Events:     events.Writer{DB: db},
		Log:        log,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now().UTC()
}

func (e Engine) stuckAfter() time.Duration {
	if e.StuckAfter > 0 {
		return e.StuckAfter
	}
	return 30 * time.Minute
}

func (e Engine) sampleLimit() int {
	if e.SampleLimit > 0 {
		return e.SampleLimit
	}
	return 20
}

func (e Engine) filter() rules.Engine {
	return rules.Engine{Source: e.Repo, PageSize: e.PageSize}
}

func (e Engine) registry(ctx context.Context) (*rules.Registry, error) {
	fields, err := e.Repo.ListActiveFilterFields(ctx)
	if err != nil {
		return nil, fmt.Errorf("load filter fields: %w", err)
	}
	return rules.NewRegistry(fields), nil
}

// CreateStrategy validates and persists a new strategy. Missing
// identifiers and ordering are filled in.
func (e Engine) CreateStrategy(ctx context.Context, s domain.Strategy) (domain.Strategy, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Status == "" {
		s.Status = domain.StrategyDraft
	}
	now := e.now()
	s.CreatedAt = now
	s.UpdatedAt = now
	if err := e.validateStrategy(ctx, s); err != nil {
		return domain.Strategy{}, err
	}
	if err := e.Repo.InsertStrategy(ctx, s); err != nil {
		return domain.Strategy{}, err
	}
	return e.Repo.GetStrategy(ctx, s.ID)
}

// UpdateStrategy validates and replaces an existing strategy, including
// its rules and actions.
func (e Engine) UpdateStrategy(ctx context.Context, s domain.Strategy) (domain.Strategy, error) {
	if _, err := e.Repo.GetStrategy(ctx, s.ID); err != nil {
		return domain.Strategy{}, err
	}
	s.UpdatedAt = e.now()
	if err := e.validateStrategy(ctx, s); err != nil {
		return domain.Strategy{}, err
	}
	if err := e.Repo.UpdateStrategy(ctx, s); err != nil {
		return domain.Strategy{}, err
	}
	return e.Repo.GetStrategy(ctx, s.ID)
}

func (e Engine) validateStrategy(ctx context.Context, s domain.Strategy) error {
	if s.Code == "" {
		return ValidationError{Msg: "strategy code is required"}
	}
	if s.Name == "" {
		return ValidationError{Msg: "strategy name is required"}
	}
	switch s.Status {
	case domain.StrategyDraft, domain.StrategyActive, domain.StrategyInactive:
	default:
		return ValidationError{Msg: fmt.Sprintf("unknown strategy status %q", s.Status)}
	}
	if s.Status == domain.StrategyActive && len(s.Rules) == 0 && !s.MatchAll {
		return ValidationError{Msg: "an active strategy needs at least one rule or match_all"}
	}
	for _, a := range s.Actions {
		switch a.Channel {
		case domain.ChannelSMS, domain.ChannelWhatsApp, domain.ChannelEmail, domain.ChannelIVR, domain.ChannelNotice:
		default:
			return ValidationError{Msg: fmt.Sprintf("unknown action channel %q", a.Channel)}
		}
	}
	reg, err := e.registry(ctx)
	if err != nil {
		return err
	}
	return reg.ValidateRules(s.Rules)
}

// Simulate resolves the strategy's case set without dispatching
// anything. It returns the matched count and a bounded sample of case
// identifiers.
func (e Engine) Simulate(ctx context.Context, strategyID string) (int64, []string, error) {
	s, err := e.Repo.GetStrategy(ctx, strategyID)
	if err != nil {
		return 0, nil, err
	}
	reg, err := e.registry(ctx)
	if err != nil {
		return 0, nil, err
	}
	ruleSet := s.Rules
	if s.MatchAll {
		ruleSet = nil
	}
	f := e.filter()
	count, err := f.Count(ctx, reg, ruleSet)
	if err != nil {
		return 0, nil, err
	}
	sample, err := f.SampleIDs(ctx, reg, ruleSet, e.sampleLimit())
	if err != nil {
		return 0, nil, err
	}
	return count, sample, nil
}

// Begin validates that the strategy can run and records a PENDING
// execution. The caller decides whether Run happens synchronously.
func (e Engine) Begin(ctx context.Context, strategyID string, trigger string) (domain.StrategyExecution, error) {
	s, err := e.Repo.GetStrategy(ctx, strategyID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.StrategyExecution{}, FatalError{StrategyID: strategyID, Reason: "strategy not found", Cause: err}
		}
		return domain.StrategyExecution{}, err
	}
	if s.Status != domain.StrategyActive {
		return domain.StrategyExecution{}, FatalError{StrategyID: strategyID, Reason: fmt.Sprintf("strategy is %s, not ACTIVE", s.Status)}
	}
	exec := domain.StrategyExecution{
		ID:         uuid.NewString(),
		StrategyID: strategyID,
		Status:     domain.ExecutionPending,
		Trigger:    trigger,
		CreatedAt:  e.now(),
	}
	if err := e.Repo.InsertExecution(ctx, exec); err != nil {
		return domain.StrategyExecution{}, err
	}
	return exec, nil
}

// Run drives a PENDING execution to a terminal status. Individual case
// or action failures are counted and recorded but never abort the run;
// only failures that predate case-level work mark the execution FAILED.
func (e Engine) Run(ctx context.Context, exec domain.StrategyExecution) (domain.StrategyExecution, error) {
	now := e.now()
	if err := e.Repo.MarkExecutionRunning(ctx, exec.ID, now); err != nil {
		return domain.StrategyExecution{}, err
	}
	log := e.Log.With().Str("execution_id", exec.ID).Str("strategy_id", exec.StrategyID).Logger()

	matched, fatal := e.resolveCases(ctx, exec.StrategyID)
	if fatal != nil {
		log.Error().Err(fatal).Msg("execution failed before dispatch")
		return e.finish(ctx, exec.ID, domain.ExecutionFailed, 0, 0, 0, fatal.Error())
	}

	s, err := e.Repo.GetStrategy(ctx, exec.StrategyID)
	if err != nil {
		return e.finish(ctx, exec.ID, domain.ExecutionFailed, 0, 0, 0, err.Error())
	}

	var success, failure int
	for _, c := range matched {
		if err := ctx.Err(); err != nil {
			log.Warn().Err(err).Msg("execution interrupted")
			// the terminal status must land even though ctx is gone
			return e.finish(context.WithoutCancel(ctx), exec.ID, domain.ExecutionFailed, len(matched), success, failure, "interrupted: "+err.Error())
		}
		for _, a := range s.Actions {
			if !a.IsActive {
				continue
			}
			if err := e.Dispatcher.Dispatch(ctx, a, c); err != nil {
				failure++
				log.Warn().Err(err).Str("case_id", c.ID).Str("channel", a.Channel).Msg("action dispatch failed")
				e.appendEvent(ctx, c.ID, exec.ID, "action.failed", a.Channel, "FAILED", events.EventPayload{"error": err.Error(), "template": a.TemplateRef})
				continue
			}
			success++
			e.appendEvent(ctx, c.ID, exec.ID, "action.sent", a.Channel, "SENT", events.EventPayload{"template": a.TemplateRef})
		}
	}

	log.Info().Int("matched", len(matched)).Int("success", success).Int("failure", failure).Msg("execution completed")
	return e.finish(ctx, exec.ID, domain.ExecutionCompleted, len(matched), success, failure, "")
}

// ExecuteStrategy runs a strategy end to end. The scheduler and the CLI
// use this; the HTTP execute endpoint calls Begin and runs detached.
func (e Engine) ExecuteStrategy(ctx context.Context, strategyID string, trigger string) (domain.StrategyExecution, error) {
	exec, err := e.Begin(ctx, strategyID, trigger)
	if err != nil {
		return domain.StrategyExecution{}, err
	}
	return e.Run(ctx, exec)
}

// ListStuck reports executions that have been RUNNING longer than the
// configured threshold. Detection only: operators resolve them.
func (e Engine) ListStuck(ctx context.Context) ([]domain.StrategyExecution, error) {
	return e.Repo.ListStuckExecutions(ctx, e.now().Add(-e.stuckAfter()))
}

func (e Engine) resolveCases(ctx context.Context, strategyID string) ([]domain.Case, *FatalError) {
	s, err := e.Repo.GetStrategy(ctx, strategyID)
	if err != nil {
		return nil, &FatalError{StrategyID: strategyID, Reason: "strategy not found", Cause: err}
	}
	reg, err := e.registry(ctx)
	if err != nil {
		return nil, &FatalError{StrategyID: strategyID, Reason: "filter fields unavailable", Cause: err}
	}
	ruleSet := s.Rules
	if s.MatchAll {
		ruleSet = nil
	}
	matched, err := e.filter().Filter(ctx, reg, ruleSet)
	if err != nil {
		return nil, &FatalError{StrategyID: strategyID, Reason: "case set resolution failed", Cause: err}
	}
	return matched, nil
}

func (e Engine) finish(ctx context.Context, execID, status string, matched, success, failure int, errMsg string) (domain.StrategyExecution, error) {
	now := e.now()
	done := domain.StrategyExecution{
		ID:               execID,
		Status:           status,
		CompletedAt:      &now,
		MatchedCaseCount: matched,
		SuccessCount:     success,
		FailureCount:     failure,
		Error:            errMsg,
	}
	if err := e.Repo.FinishExecution(ctx, done); err != nil {
		return domain.StrategyExecution{}, err
	}
	return e.Repo.GetExecution(ctx, execID)
}

func (e Engine) appendEvent(ctx context.Context, caseID, execID, evtType, channel, status string, payload events.EventPayload) {
	if err := e.Events.Append(ctx, caseID, execID, evtType, channel, status, payload); err != nil {
		e.Log.Warn().Err(err).Str("case_id", caseID).Msg("event append failed")
	}
}
