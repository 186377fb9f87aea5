package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"caseflow/internal/domain"
)

func (r Repo) UpsertFilterField(ctx context.Context, f domain.FilterField) error {
	ops, err := json.Marshal(f.AllowedOperators)
	if err != nil {
		return fmt.Errorf("marshal allowed operators: %w", err)
	}
	var opts any
	if len(f.Options) > 0 {
		b, err := json.Marshal(f.Options)
		if err != nil {
			return fmt.Errorf("marshal options: %w", err)
		}
		opts = string(b)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO filter_fields(code,label,data_type,allowed_operators_json,options_json,is_active) VALUES (?,?,?,?,?,?)
ON CONFLICT(code) DO UPDATE SET label=excluded.label, data_type=excluded.data_type, allowed_operators_json=excluded.allowed_operators_json, options_json=excluded.options_json, is_active=excluded.is_active`,
		f.Code, f.Label, f.DataType, string(ops), opts, boolInt(f.IsActive))
	return err
}

func (r Repo) GetFilterField(ctx context.Context, code string) (domain.FilterField, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT code,label,data_type,allowed_operators_json,options_json,is_active FROM filter_fields WHERE code=?`, code)
	return scanFilterField(row.Scan)
}

func (r Repo) ListActiveFilterFields(ctx context.Context) ([]domain.FilterField, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT code,label,data_type,allowed_operators_json,options_json,is_active FROM filter_fields WHERE is_active=1 ORDER BY code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.FilterField
	for rows.Next() {
		f, err := scanFilterField(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}

func scanFilterField(scan func(...any) error) (domain.FilterField, error) {
	var f domain.FilterField
	var ops string
	var opts sql.NullString
	var active int
	err := scan(&f.Code, &f.Label, &f.DataType, &ops, &opts, &active)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	if err != nil {
		return f, err
	}
	if err := json.Unmarshal([]byte(ops), &f.AllowedOperators); err != nil {
		return f, fmt.Errorf("field %s allowed operators: %w", f.Code, err)
	}
	if opts.Valid && opts.String != "" {
		if err := json.Unmarshal([]byte(opts.String), &f.Options); err != nil {
			return f, fmt.Errorf("field %s options: %w", f.Code, err)
		}
	}
	f.IsActive = active != 0
	return f, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// SeedFilterFields inserts the standard collection filter fields. Existing
// rows are updated in place, so reseeding is safe.
func (r Repo) SeedFilterFields(ctx context.Context) error {
	for _, f := range StandardFilterFields() {
		if err := r.UpsertFilterField(ctx, f); err != nil {
			return fmt.Errorf("seed field %s: %w", f.Code, err)
		}
	}
	return nil
}

// StandardFilterFields describes the filterable case/loan attributes.
func StandardFilterFields() []domain.FilterField {
	return []domain.FilterField{
		{Code: "dpd", Label: "Days Past Due", DataType: domain.FieldNumber, IsActive: true},
		{Code: "bucket", Label: "DPD Bucket", DataType: domain.FieldEnum, IsActive: true,
			Options: []string{"B0", "B1", "B2", "B3", "B4", "NPA"}},
		{Code: "outstanding_amount", Label: "Outstanding Amount", DataType: domain.FieldNumber, IsActive: true},
		{Code: "product_type", Label: "Product Type", DataType: domain.FieldEnum, IsActive: true,
			Options: []string{"PERSONAL_LOAN", "AUTO_LOAN", "HOME_LOAN", "CREDIT_CARD", "GOLD_LOAN"}},
		{Code: "state", Label: "State", DataType: domain.FieldText, IsActive: true},
		{Code: "city", Label: "City", DataType: domain.FieldText, IsActive: true},
		{Code: "allocation_status", Label: "Allocation Status", DataType: domain.FieldEnum, IsActive: true,
			Options: []string{"ALLOCATED", "UNALLOCATED", "CLOSED"}},
		{Code: "owner_id", Label: "Allocation Owner", DataType: domain.FieldText, IsActive: true},
		{Code: "ptp_status", Label: "PTP Status", DataType: domain.FieldEnum, IsActive: true,
			Options: []string{"NONE", "OPEN", "KEPT", "BROKEN"}},
		{Code: "ptp_date", Label: "PTP Date", DataType: domain.FieldDate, IsActive: true},
	}
}
