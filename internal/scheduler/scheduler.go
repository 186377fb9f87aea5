package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"caseflow/internal/domain"
	"caseflow/internal/repo"
)

// Runner executes one strategy run. Implemented by the execution engine.
type Runner interface {
	ExecuteStrategy(ctx context.Context, strategyID, trigger string) (domain.StrategyExecution, error)
}

// Scheduler owns the per-strategy schedule records and the periodic tick
// that discovers and starts due jobs.
type Scheduler struct {
	Repo            repo.Repo
	Runner          Runner
	Log             zerolog.Logger
	InstanceID      string
	TickInterval    time.Duration
	Workers         int
	StaleClaimAfter time.Duration
	Now             func() time.Time
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Scheduler) tickInterval() time.Duration {
	if s.TickInterval > 0 {
		return s.TickInterval
	}
	return time.Minute
}

func (s *Scheduler) workers() int {
	if s.Workers > 0 {
		return s.Workers
	}
	return 4
}

func (s *Scheduler) staleClaimAfter() time.Duration {
	if s.StaleClaimAfter > 0 {
		return s.StaleClaimAfter
	}
	return 30 * time.Minute
}

// Enable creates or updates the strategy's schedule and computes the first
// due time. The strategy must exist; recurrence is validated here (fail
// fast, not at tick time).
func (s *Scheduler) Enable(ctx context.Context, strategyID, recurrenceJSON string) (domain.ScheduledJob, error) {
	if _, err := s.Repo.GetStrategy(ctx, strategyID); err != nil {
		return domain.ScheduledJob{}, err
	}
	rec, err := ParseRecurrence(recurrenceJSON)
	if err != nil {
		return domain.ScheduledJob{}, err
	}
	now := s.now()
	next := rec.NextRun(now)
	job := domain.ScheduledJob{
		StrategyID: strategyID,
		IsEnabled:  true,
		Recurrence: recurrenceJSON,
		NextRunAt:  &next,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.Repo.UpsertJob(ctx, job); err != nil {
		return domain.ScheduledJob{}, err
	}
	return s.Repo.GetJob(ctx, strategyID)
}

// Disable switches the job off without clearing its history.
func (s *Scheduler) Disable(ctx context.Context, strategyID string) (domain.ScheduledJob, error) {
	if err := s.Repo.SetJobEnabled(ctx, strategyID, false, s.now()); err != nil {
		return domain.ScheduledJob{}, err
	}
	return s.Repo.GetJob(ctx, strategyID)
}

// UpdateRecurrence replaces the recurrence spec of an existing job and
// recomputes its due time, preserving the enabled flag and history.
func (s *Scheduler) UpdateRecurrence(ctx context.Context, strategyID, recurrenceJSON string) (domain.ScheduledJob, error) {
	job, err := s.Repo.GetJob(ctx, strategyID)
	if err != nil {
		return domain.ScheduledJob{}, err
	}
	rec, err := ParseRecurrence(recurrenceJSON)
	if err != nil {
		return domain.ScheduledJob{}, err
	}
	now := s.now()
	next := rec.NextRun(now)
	job.Recurrence = recurrenceJSON
	job.NextRunAt = &next
	job.UpdatedAt = now
	if err := s.Repo.UpsertJob(ctx, job); err != nil {
		return domain.ScheduledJob{}, err
	}
	return s.Repo.GetJob(ctx, strategyID)
}

// Run drives the periodic tick until the context is cancelled. The tick
// only claims and enqueues due jobs; executions run on the worker pool so a
// slow strategy never delays discovery of other due strategies.
func (s *Scheduler) Run(ctx context.Context) {
	queue := make(chan string, s.workers()*2)
	var wg sync.WaitGroup
	for i := 0; i < s.workers(); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for strategyID := range queue {
				s.runJob(ctx, strategyID)
			}
		}()
	}
	ticker := time.NewTicker(s.tickInterval())
	defer ticker.Stop()
	s.Log.Info().Str("instance", s.InstanceID).Dur("tick", s.tickInterval()).Msg("scheduler started")
	for {
		select {
		case <-ctx.Done():
			close(queue)
			wg.Wait()
			s.Log.Info().Msg("scheduler stopped")
			return
		case <-ticker.C:
			if err := s.Tick(ctx, queue); err != nil {
				s.Log.Error().Err(err).Msg("tick failed")
			}
		}
	}
}

// Tick claims every currently due job and hands it to the queue. Jobs that
// cannot be claimed (another instance holds them) or enqueued (pool
// saturated) are left due; the claim is released so a later tick retries.
func (s *Scheduler) Tick(ctx context.Context, queue chan<- string) error {
	now := s.now()
	due, err := s.Repo.FindDueJobs(ctx, now)
	if err != nil {
		return fmt.Errorf("find due jobs: %w", err)
	}
	staleBefore := now.Add(-s.staleClaimAfter())
	for _, d := range due {
		claimed, err := s.Repo.ClaimJob(ctx, d.StrategyID, s.InstanceID, now, staleBefore)
		if err != nil {
			s.Log.Error().Err(err).Str("strategy_id", d.StrategyID).Msg("claim failed")
			continue
		}
		if !claimed {
			continue
		}
		select {
		case queue <- d.StrategyID:
		default:
			// pool saturated; release and let the next tick pick it up
			if err := s.Repo.ReleaseClaim(ctx, d.StrategyID, now); err != nil {
				s.Log.Error().Err(err).Str("strategy_id", d.StrategyID).Msg("release claim failed")
			}
			s.Log.Warn().Str("strategy_id", d.StrategyID).Msg("worker pool saturated, job deferred")
		}
	}
	return nil
}

// runJob executes one claimed job and records the outcome. A failed run
// still reschedules; it never retries immediately.
func (s *Scheduler) runJob(ctx context.Context, strategyID string) {
	start := s.now()
	exec, err := s.Runner.ExecuteStrategy(ctx, strategyID, domain.TriggerScheduled)
	now := s.now()

	status := domain.ExecutionCompleted
	failed := false
	if err != nil || exec.Status == domain.ExecutionFailed {
		status = domain.ExecutionFailed
		failed = true
	}
	if err != nil {
		s.Log.Error().Err(err).Str("strategy_id", strategyID).Msg("scheduled run failed")
	} else {
		s.Log.Info().
			Str("strategy_id", strategyID).
			Str("execution_id", exec.ID).
			Int("matched", exec.MatchedCaseCount).
			Int("success", exec.SuccessCount).
			Int("failure", exec.FailureCount).
			Dur("took", now.Sub(start)).
			Msg("scheduled run finished")
	}

	job, jerr := s.Repo.GetJob(ctx, strategyID)
	if jerr != nil {
		s.Log.Error().Err(jerr).Str("strategy_id", strategyID).Msg("load job after run failed")
		return
	}
	rec, rerr := ParseRecurrence(job.Recurrence)
	if rerr != nil {
		// should have been rejected at enable time; disable rather than
		// looping on a malformed spec
		s.Log.Error().Err(rerr).Str("strategy_id", strategyID).Msg("stored recurrence invalid, disabling job")
		if derr := s.Repo.SetJobEnabled(ctx, strategyID, false, now); derr != nil && !errors.Is(derr, repo.ErrNotFound) {
			s.Log.Error().Err(derr).Str("strategy_id", strategyID).Msg("disable job failed")
		}
		return
	}
	if err := s.Repo.FinishJobRun(ctx, strategyID, status, now, rec.NextRun(now), failed); err != nil {
		s.Log.Error().Err(err).Str("strategy_id", strategyID).Msg("finish job run failed")
	}
}
