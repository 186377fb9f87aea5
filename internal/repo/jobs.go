package repo

import (
	"context"
	"database/sql"
	"time"

	"caseflow/internal/domain"
)

func (r Repo) UpsertJob(ctx context.Context, j domain.ScheduledJob) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO scheduled_jobs(strategy_id,is_enabled,recurrence_json,next_run_at,created_at,updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(strategy_id) DO UPDATE SET is_enabled=excluded.is_enabled, recurrence_json=excluded.recurrence_json, next_run_at=excluded.next_run_at, updated_at=excluded.updated_at`,
		j.StrategyID, boolInt(j.IsEnabled), j.Recurrence, fmtTimePtr(j.NextRunAt), fmtTime(j.CreatedAt), fmtTime(j.UpdatedAt))
	return err
}

func (r Repo) GetJob(ctx context.Context, strategyID string) (domain.ScheduledJob, error) {
	var j domain.ScheduledJob
	var enabled int
	var nextRun, lastRun, lastStatus, claimedBy, claimedAt sql.NullString
	var createdAt, updatedAt string
	err := r.DB.QueryRowContext(ctx, `SELECT strategy_id,is_enabled,recurrence_json,next_run_at,last_run_at,last_run_status,run_count,failure_count,claimed_by,claimed_at,created_at,updated_at FROM scheduled_jobs WHERE strategy_id=?`, strategyID).
		Scan(&j.StrategyID, &enabled, &j.Recurrence, &nextRun, &lastRun, &lastStatus, &j.RunCount, &j.FailureCount, &claimedBy, &claimedAt, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	j.IsEnabled = enabled != 0
	j.NextRunAt = parseTimePtr(nextRun)
	j.LastRunAt = parseTimePtr(lastRun)
	if lastStatus.Valid {
		j.LastRunStatus = lastStatus.String
	}
	if claimedBy.Valid {
		j.ClaimedBy = claimedBy.String
	}
	j.ClaimedAt = parseTimePtr(claimedAt)
	j.CreatedAt = parseTime(createdAt)
	j.UpdatedAt = parseTime(updatedAt)
	return j, nil
}

func (r Repo) SetJobEnabled(ctx context.Context, strategyID string, enabled bool, now time.Time) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE scheduled_jobs SET is_enabled=?, updated_at=? WHERE strategy_id=?`,
		boolInt(enabled), fmtTime(now), strategyID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// FindDueJobs returns enabled jobs whose next run has arrived and whose
// strategy is ACTIVE, ordered by strategy priority descending then due time
// ascending. The ordering is part of the scheduler contract.
func (r Repo) FindDueJobs(ctx context.Context, now time.Time) ([]domain.DueJob, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT j.strategy_id, s.priority, j.next_run_at
FROM scheduled_jobs j JOIN strategies s ON s.id=j.strategy_id
WHERE j.is_enabled=1 AND j.next_run_at IS NOT NULL AND j.next_run_at <= ? AND s.status=?
ORDER BY s.priority DESC, j.next_run_at ASC`, fmtTime(now), domain.StrategyActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DueJob
	for rows.Next() {
		var d domain.DueJob
		var nextRun string
		if err := rows.Scan(&d.StrategyID, &d.Priority, &nextRun); err != nil {
			return nil, err
		}
		d.NextRunAt = parseTime(nextRun)
		res = append(res, d)
	}
	return res, rows.Err()
}

// ClaimJob attempts to claim a due job for one scheduler instance with a
// guarded update. The guard re-checks dueness: a job whose next_run_at was
// advanced by another instance between FindDueJobs and here is no longer
// claimable, so one due slot runs once. Stale claims (older than staleBefore)
// are reclaimable so a crashed instance cannot wedge a job. Returns false
// when another instance holds the claim or already ran the slot.
func (r Repo) ClaimJob(ctx context.Context, strategyID, instanceID string, now, staleBefore time.Time) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE scheduled_jobs SET claimed_by=?, claimed_at=?, updated_at=?
WHERE strategy_id=? AND is_enabled=1 AND next_run_at IS NOT NULL AND next_run_at <= ? AND (claimed_at IS NULL OR claimed_at < ?)`,
		instanceID, fmtTime(now), fmtTime(now), strategyID, fmtTime(now), fmtTime(staleBefore))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// FinishJobRun records a run outcome, reschedules unconditionally (a failed
// run reschedules too, it does not retry immediately) and releases the claim.
func (r Repo) FinishJobRun(ctx context.Context, strategyID, status string, now, nextRun time.Time, failed bool) error {
	failInc := 0
	if failed {
		failInc = 1
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE scheduled_jobs SET last_run_at=?, last_run_status=?, run_count=run_count+1, failure_count=failure_count+?, next_run_at=?, claimed_by=NULL, claimed_at=NULL, updated_at=? WHERE strategy_id=?`,
		fmtTime(now), status, failInc, fmtTime(nextRun), fmtTime(now), strategyID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReleaseClaim clears a claim without recording a run, used when an
// execution could not even be created.
func (r Repo) ReleaseClaim(ctx context.Context, strategyID string, now time.Time) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE scheduled_jobs SET claimed_by=NULL, claimed_at=NULL, updated_at=? WHERE strategy_id=?`,
		fmtTime(now), strategyID)
	return err
}
