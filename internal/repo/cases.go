package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"caseflow/internal/domain"
)

const caseColumns = `c.id, c.customer_name, c.phone, c.email, c.state, c.city, c.allocation_status, c.owner_id, c.ptp_status, c.ptp_date, c.created_at, l.dpd, l.bucket, l.outstanding_amount, l.product_type`

// eligibleWhere restricts reads to the open/allocated population; only
// those cases are subject to strategies.
const eligibleWhere = `c.allocation_status != 'CLOSED'`

func (r Repo) InsertCase(ctx context.Context, c domain.Case) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, `INSERT INTO cases(id,customer_name,phone,email,state,city,allocation_status,owner_id,ptp_status,ptp_date,created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.CustomerName, nullable(c.Phone), nullable(c.Email), nullable(c.State), nullable(c.City),
		c.AllocationStatus, nullable(c.OwnerID), nullable(c.PTPStatus), fmtTimePtr(c.PTPDate), fmtTime(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert case: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO loans(case_id,dpd,bucket,outstanding_amount,product_type) VALUES (?,?,?,?,?)`,
		c.ID, c.DPD, nullable(c.Bucket), c.OutstandingAmount, nullable(c.ProductType))
	if err != nil {
		return fmt.Errorf("insert loan: %w", err)
	}
	return tx.Commit()
}

func (r Repo) GetCase(ctx context.Context, id string) (domain.Case, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases c JOIN loans l ON l.case_id=c.id WHERE c.id=?`, id)
	return scanCase(row.Scan)
}

// ListEligiblePage keyset-paginates the eligible population by case id.
func (r Repo) ListEligiblePage(ctx context.Context, afterID string, limit int) ([]domain.Case, error) {
	if limit <= 0 {
		limit = 500
	}
	query := `SELECT ` + caseColumns + ` FROM cases c JOIN loans l ON l.case_id=c.id WHERE ` + eligibleWhere
	var args []any
	if afterID != "" {
		query += ` AND c.id > ?`
		args = append(args, afterID)
	}
	query += ` ORDER BY c.id LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Case
	for rows.Next() {
		c, err := scanCase(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func scanCase(scan func(...any) error) (domain.Case, error) {
	var c domain.Case
	var phone, email, state, city, ownerID, ptpStatus, ptpDate, bucket, productType sql.NullString
	var createdAt string
	err := scan(&c.ID, &c.CustomerName, &phone, &email, &state, &city, &c.AllocationStatus, &ownerID,
		&ptpStatus, &ptpDate, &createdAt, &c.DPD, &bucket, &c.OutstandingAmount, &productType)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if phone.Valid {
		c.Phone = phone.String
	}
	if email.Valid {
		c.Email = email.String
	}
	if state.Valid {
		c.State = state.String
	}
	if city.Valid {
		c.City = city.String
	}
	if ownerID.Valid {
		c.OwnerID = ownerID.String
	}
	if ptpStatus.Valid {
		c.PTPStatus = ptpStatus.String
	}
	c.PTPDate = parseTimePtr(ptpDate)
	if bucket.Valid {
		c.Bucket = bucket.String
	}
	if productType.Valid {
		c.ProductType = productType.String
	}
	c.CreatedAt = parseTime(createdAt)
	return c, nil
}

// caseColumnExprs maps filter field codes to SQL expressions for count
// pushdown. Date fields are deliberately absent: they fall back to the
// in-memory predicate.
var caseColumnExprs = map[string]string{
	"dpd":                "l.dpd",
	"bucket":             "l.bucket",
	"outstanding_amount": "l.outstanding_amount",
	"product_type":       "l.product_type",
	"state":              "c.state",
	"city":               "c.city",
	"allocation_status":  "c.allocation_status",
	"owner_id":           "c.owner_id",
	"ptp_status":         "c.ptp_status",
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// CountWhere counts matching eligible cases at the store level. It reports
// ok=false when any rule cannot be translated to SQL; the caller then
// streams cases through the compiled predicate instead.
func (r Repo) CountWhere(ctx context.Context, list []domain.StrategyRule) (int64, bool, error) {
	clauses := []string{eligibleWhere}
	var args []any
	for _, rule := range list {
		clause, ruleArgs, ok := translateRule(rule)
		if !ok {
			return 0, false, nil
		}
		clauses = append(clauses, clause)
		args = append(args, ruleArgs...)
	}
	query := `SELECT COUNT(*) FROM cases c JOIN loans l ON l.case_id=c.id WHERE ` + strings.Join(clauses, " AND ")
	var n int64
	if err := r.DB.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, false, err
	}
	return n, true, nil
}

func translateRule(rule domain.StrategyRule) (string, []any, bool) {
	col, ok := caseColumnExprs[rule.FieldCode]
	if !ok {
		return "", nil, false
	}
	switch rule.Operator {
	case domain.OpEquals:
		return col + "=?", []any{rule.Value}, true
	case domain.OpNotEquals:
		return col + "!=?", []any{rule.Value}, true
	case domain.OpGreaterThan:
		return col + ">?", []any{rule.Value}, true
	case domain.OpGreaterThanOrEquals:
		return col + ">=?", []any{rule.Value}, true
	case domain.OpLessThan:
		return col + "<?", []any{rule.Value}, true
	case domain.OpLessThanOrEquals:
		return col + "<=?", []any{rule.Value}, true
	case domain.OpBetween:
		if len(rule.Values) != 2 {
			return "", nil, false
		}
		lo, hi := rule.Values[0], rule.Values[1]
		// keep bound ordering consistent with the in-memory predicate
		if a, errA := strconv.ParseFloat(lo, 64); errA == nil {
			if b, errB := strconv.ParseFloat(hi, 64); errB == nil && a > b {
				lo, hi = hi, lo
			}
		}
		return "(" + col + ">=? AND " + col + "<=?)", []any{lo, hi}, true
	case domain.OpIn, domain.OpNotIn:
		if len(rule.Values) == 0 {
			return "", nil, false
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(rule.Values)), ",")
		op := " IN "
		if rule.Operator == domain.OpNotIn {
			op = " NOT IN "
		}
		args := make([]any, len(rule.Values))
		for i, v := range rule.Values {
			args[i] = v
		}
		return col + op + "(" + placeholders + ")", args, true
	case domain.OpContains:
		// the in-memory predicate matches substrings literally, so LIKE
		// metacharacters in the value must not act as wildcards here
		needle := likeEscaper.Replace(strings.ToLower(rule.Value))
		return "LOWER(COALESCE(" + col + ",'')) LIKE ? ESCAPE '\\'", []any{"%" + needle + "%"}, true
	default:
		return "", nil, false
	}
}
