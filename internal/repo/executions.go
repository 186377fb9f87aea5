package repo

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"caseflow/internal/domain"
)

func (r Repo) InsertExecution(ctx context.Context, e domain.StrategyExecution) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO strategy_executions(id,strategy_id,status,trigger_source,started_at,completed_at,matched_case_count,success_count,failure_count,error,created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.StrategyID, e.Status, e.Trigger, fmtTimePtr(e.StartedAt), fmtTimePtr(e.CompletedAt),
		e.MatchedCaseCount, e.SuccessCount, e.FailureCount, nullable(e.Error), fmtTime(e.CreatedAt))
	return err
}

// MarkExecutionRunning transitions PENDING -> RUNNING. The guarded WHERE
// keeps terminal states final.
func (r Repo) MarkExecutionRunning(ctx context.Context, id string, startedAt time.Time) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE strategy_executions SET status=?, started_at=? WHERE id=? AND status=?`,
		domain.ExecutionRunning, fmtTime(startedAt), id, domain.ExecutionPending)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// FinishExecution transitions RUNNING -> COMPLETED/FAILED with final counts.
func (r Repo) FinishExecution(ctx context.Context, e domain.StrategyExecution) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE strategy_executions SET status=?, completed_at=?, matched_case_count=?, success_count=?, failure_count=?, error=? WHERE id=? AND status=?`,
		e.Status, fmtTimePtr(e.CompletedAt), e.MatchedCaseCount, e.SuccessCount, e.FailureCount, nullable(e.Error), e.ID, domain.ExecutionRunning)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetExecution(ctx context.Context, id string) (domain.StrategyExecution, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,strategy_id,status,trigger_source,started_at,completed_at,matched_case_count,success_count,failure_count,error,created_at FROM strategy_executions WHERE id=?`, id)
	return scanExecution(row.Scan)
}

type ExecutionFilters struct {
	StrategyID string
	Status     string
	Limit      int
}

func (r Repo) ListExecutions(ctx context.Context, f ExecutionFilters) ([]domain.StrategyExecution, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.StrategyID != "" {
		clauses = append(clauses, "strategy_id=?")
		args = append(args, f.StrategyID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT id,strategy_id,status,trigger_source,started_at,completed_at,matched_case_count,success_count,failure_count,error,created_at FROM strategy_executions WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StrategyExecution
	for rows.Next() {
		e, err := scanExecution(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// ListStuckExecutions reports RUNNING executions started before the cutoff.
// A monitoring signal only: rows are never auto-resolved.
func (r Repo) ListStuckExecutions(ctx context.Context, startedBefore time.Time) ([]domain.StrategyExecution, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,strategy_id,status,trigger_source,started_at,completed_at,matched_case_count,success_count,failure_count,error,created_at FROM strategy_executions WHERE status=? AND started_at IS NOT NULL AND started_at < ? ORDER BY started_at ASC`,
		domain.ExecutionRunning, fmtTime(startedBefore))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StrategyExecution
	for rows.Next() {
		e, err := scanExecution(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func scanExecution(scan func(...any) error) (domain.StrategyExecution, error) {
	var e domain.StrategyExecution
	var startedAt, completedAt, errMsg sql.NullString
	var createdAt string
	err := scan(&e.ID, &e.StrategyID, &e.Status, &e.Trigger, &startedAt, &completedAt,
		&e.MatchedCaseCount, &e.SuccessCount, &e.FailureCount, &errMsg, &createdAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.StartedAt = parseTimePtr(startedAt)
	e.CompletedAt = parseTimePtr(completedAt)
	if errMsg.Valid {
		e.Error = errMsg.String
	}
	e.CreatedAt = parseTime(createdAt)
	return e, nil
}
