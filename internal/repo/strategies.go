package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"caseflow/internal/domain"
)

func (r Repo) InsertStrategy(ctx context.Context, s domain.Strategy) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, `INSERT INTO strategies(id,code,name,priority,status,match_all,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		s.ID, s.Code, s.Name, s.Priority, s.Status, boolInt(s.MatchAll), fmtTime(s.CreatedAt), fmtTime(s.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert strategy: %w", err)
	}
	if err := replaceRulesAndActions(ctx, tx, s); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) UpdateStrategy(ctx context.Context, s domain.Strategy) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `UPDATE strategies SET code=?, name=?, priority=?, status=?, match_all=?, updated_at=? WHERE id=?`,
		s.Code, s.Name, s.Priority, s.Status, boolInt(s.MatchAll), fmtTime(s.UpdatedAt), s.ID)
	if err != nil {
		return fmt.Errorf("update strategy: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM strategy_rules WHERE strategy_id=?`, s.ID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM strategy_actions WHERE strategy_id=?`, s.ID); err != nil {
		return err
	}
	if err := replaceRulesAndActions(ctx, tx, s); err != nil {
		return err
	}
	// an inactive strategy must never be picked up by the scheduler
	if s.Status != domain.StrategyActive {
		if _, err := tx.ExecContext(ctx, `UPDATE scheduled_jobs SET is_enabled=0, updated_at=? WHERE strategy_id=?`, fmtTime(s.UpdatedAt), s.ID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func replaceRulesAndActions(ctx context.Context, tx *sql.Tx, s domain.Strategy) error {
	for i, rule := range s.Rules {
		var values any
		if len(rule.Values) > 0 {
			b, err := json.Marshal(rule.Values)
			if err != nil {
				return fmt.Errorf("marshal rule values: %w", err)
			}
			values = string(b)
		}
		order := rule.Order
		if order == 0 {
			order = i + 1
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO strategy_rules(strategy_id,field_code,operator,value,values_json,rule_order) VALUES (?,?,?,?,?,?)`,
			s.ID, rule.FieldCode, rule.Operator, nullable(rule.Value), values, order); err != nil {
			return fmt.Errorf("insert rule %d: %w", order, err)
		}
	}
	for i, action := range s.Actions {
		order := action.Order
		if order == 0 {
			order = i + 1
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO strategy_actions(strategy_id,channel,template_ref,action_order,is_active) VALUES (?,?,?,?,?)`,
			s.ID, action.Channel, action.TemplateRef, order, boolInt(action.IsActive)); err != nil {
			return fmt.Errorf("insert action %d: %w", order, err)
		}
	}
	return nil
}

func (r Repo) GetStrategy(ctx context.Context, id string) (domain.Strategy, error) {
	var s domain.Strategy
	var matchAll int
	var createdAt, updatedAt string
	err := r.DB.QueryRowContext(ctx, `SELECT id,code,name,priority,status,match_all,created_at,updated_at FROM strategies WHERE id=?`, id).
		Scan(&s.ID, &s.Code, &s.Name, &s.Priority, &s.Status, &matchAll, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.MatchAll = matchAll != 0
	s.CreatedAt = parseTime(createdAt)
	s.UpdatedAt = parseTime(updatedAt)
	if s.Rules, err = r.listRules(ctx, s.ID); err != nil {
		return s, err
	}
	if s.Actions, err = r.listActions(ctx, s.ID); err != nil {
		return s, err
	}
	return s, nil
}

func (r Repo) listRules(ctx context.Context, strategyID string) ([]domain.StrategyRule, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT field_code,operator,value,values_json,rule_order FROM strategy_rules WHERE strategy_id=? ORDER BY rule_order`, strategyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StrategyRule
	for rows.Next() {
		var rule domain.StrategyRule
		var value, values sql.NullString
		if err := rows.Scan(&rule.FieldCode, &rule.Operator, &value, &values, &rule.Order); err != nil {
			return nil, err
		}
		if value.Valid {
			rule.Value = value.String
		}
		if values.Valid && values.String != "" {
			if err := json.Unmarshal([]byte(values.String), &rule.Values); err != nil {
				return nil, fmt.Errorf("rule values: %w", err)
			}
		}
		res = append(res, rule)
	}
	return res, rows.Err()
}

func (r Repo) listActions(ctx context.Context, strategyID string) ([]domain.StrategyAction, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT channel,template_ref,action_order,is_active FROM strategy_actions WHERE strategy_id=? ORDER BY action_order`, strategyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StrategyAction
	for rows.Next() {
		var a domain.StrategyAction
		var active int
		if err := rows.Scan(&a.Channel, &a.TemplateRef, &a.Order, &active); err != nil {
			return nil, err
		}
		a.IsActive = active != 0
		res = append(res, a)
	}
	return res, rows.Err()
}

type StrategyFilters struct {
	Status string
	Limit  int
}

// ListStrategies returns strategy headers (no rules/actions) ordered by
// priority descending.
func (r Repo) ListStrategies(ctx context.Context, f StrategyFilters) ([]domain.Strategy, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT id,code,name,priority,status,match_all,created_at,updated_at FROM strategies WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY priority DESC, created_at ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Strategy
	for rows.Next() {
		var s domain.Strategy
		var matchAll int
		var createdAt, updatedAt string
		if err := rows.Scan(&s.ID, &s.Code, &s.Name, &s.Priority, &s.Status, &matchAll, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		s.MatchAll = matchAll != 0
		s.CreatedAt = parseTime(createdAt)
		s.UpdatedAt = parseTime(updatedAt)
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) DeleteStrategy(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM strategies WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
