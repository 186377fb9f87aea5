package domain

import "time"

// Field data types supported by the filter field registry.
const (
	FieldNumber  = "NUMBER"
	FieldDate    = "DATE"
	FieldText    = "TEXT"
	FieldEnum    = "ENUM"
	FieldBoolean = "BOOLEAN"
)

// Rule operators.
const (
	OpEquals              = "EQUALS"
	OpNotEquals           = "NOT_EQUALS"
	OpIn                  = "IN"
	OpNotIn               = "NOT_IN"
	OpBetween             = "BETWEEN"
	OpGreaterThan         = "GREATER_THAN"
	OpGreaterThanOrEquals = "GREATER_THAN_OR_EQUALS"
	OpLessThan            = "LESS_THAN"
	OpLessThanOrEquals    = "LESS_THAN_OR_EQUALS"
	OpContains            = "CONTAINS"
)

// Strategy statuses.
const (
	StrategyDraft    = "DRAFT"
	StrategyActive   = "ACTIVE"
	StrategyInactive = "INACTIVE"
)

// Execution statuses.
const (
	ExecutionPending   = "PENDING"
	ExecutionRunning   = "RUNNING"
	ExecutionCompleted = "COMPLETED"
	ExecutionFailed    = "FAILED"
)

// Execution triggers.
const (
	TriggerManual    = "MANUAL"
	TriggerScheduled = "SCHEDULED"
)

// Communication channels.
const (
	ChannelSMS      = "SMS"
	ChannelWhatsApp = "WHATSAPP"
	ChannelEmail    = "EMAIL"
	ChannelNotice   = "NOTICE"
	ChannelIVR      = "IVR"
)

type FilterField struct {
	Code             string   `json:"code"`
	Label            string   `json:"label"`
	DataType         string   `json:"data_type" enum:"NUMBER,DATE,TEXT,ENUM,BOOLEAN"`
	AllowedOperators []string `json:"allowed_operators"`
	Options          []string `json:"options,omitempty"`
	IsActive         bool     `json:"is_active"`
}

type Strategy struct {
	ID        string           `json:"id"`
	Code      string           `json:"code"`
	Name      string           `json:"name"`
	Priority  int              `json:"priority"`
	Status    string           `json:"status" enum:"DRAFT,ACTIVE,INACTIVE"`
	MatchAll  bool             `json:"match_all"`
	Rules     []StrategyRule   `json:"rules,omitempty"`
	Actions   []StrategyAction `json:"actions,omitempty"`
	CreatedAt time.Time        `json:"created_at" format:"date-time"`
	UpdatedAt time.Time        `json:"updated_at" format:"date-time"`
}

type StrategyRule struct {
	FieldCode string   `json:"field_code"`
	Operator  string   `json:"operator"`
	Value     string   `json:"value,omitempty"`
	Values    []string `json:"values,omitempty"`
	Order     int      `json:"order"`
}

type StrategyAction struct {
	Channel     string `json:"channel" enum:"SMS,WHATSAPP,EMAIL,NOTICE,IVR"`
	TemplateRef string `json:"template_ref"`
	Order       int    `json:"order"`
	IsActive    bool   `json:"is_active"`
}

// ScheduledJob is the one-per-strategy schedule record. ClaimedBy/ClaimedAt
// implement the per-tick claim so two scheduler instances never start the
// same due job.
type ScheduledJob struct {
	StrategyID    string     `json:"strategy_id"`
	IsEnabled     bool       `json:"is_enabled"`
	Recurrence    string     `json:"recurrence"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty" format:"date-time"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty" format:"date-time"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
	RunCount      int        `json:"run_count"`
	FailureCount  int        `json:"failure_count"`
	ClaimedBy     string     `json:"claimed_by,omitempty"`
	ClaimedAt     *time.Time `json:"claimed_at,omitempty" format:"date-time"`
	CreatedAt     time.Time  `json:"created_at" format:"date-time"`
	UpdatedAt     time.Time  `json:"updated_at" format:"date-time"`
}

// DueJob is a claimable schedule joined with the owning strategy's priority.
type DueJob struct {
	StrategyID string
	Priority   int
	NextRunAt  time.Time
}

type StrategyExecution struct {
	ID               string     `json:"id"`
	StrategyID       string     `json:"strategy_id"`
	Status           string     `json:"status" enum:"PENDING,RUNNING,COMPLETED,FAILED"`
	Trigger          string     `json:"trigger" enum:"MANUAL,SCHEDULED"`
	StartedAt        *time.Time `json:"started_at,omitempty" format:"date-time"`
	CompletedAt      *time.Time `json:"completed_at,omitempty" format:"date-time"`
	MatchedCaseCount int        `json:"matched_case_count"`
	SuccessCount     int        `json:"success_count"`
	FailureCount     int        `json:"failure_count"`
	Error            string     `json:"error,omitempty"`
	CreatedAt        time.Time  `json:"created_at" format:"date-time"`
}

// Case is a read-only view of a collection case plus its loan attributes.
// The engine never writes cases; it only evaluates rule predicates against
// them through Attribute.
type Case struct {
	ID                string     `json:"id"`
	CustomerName      string     `json:"customer_name"`
	Phone             string     `json:"phone,omitempty"`
	Email             string     `json:"email,omitempty"`
	State             string     `json:"state,omitempty"`
	City              string     `json:"city,omitempty"`
	AllocationStatus  string     `json:"allocation_status"`
	OwnerID           string     `json:"owner_id,omitempty"`
	PTPStatus         string     `json:"ptp_status,omitempty"`
	PTPDate           *time.Time `json:"ptp_date,omitempty" format:"date-time"`
	DPD               int        `json:"dpd"`
	Bucket            string     `json:"bucket,omitempty"`
	OutstandingAmount float64    `json:"outstanding_amount"`
	ProductType       string     `json:"product_type,omitempty"`
	CreatedAt         time.Time  `json:"created_at" format:"date-time"`
}

// Attribute resolves a filter field code against the case. Loan-level fields
// (dpd, bucket, outstanding_amount, product_type) come from the joined loan
// record, so callers never need to know which table a field lives on.
func (c Case) Attribute(code string) (any, bool) {
	switch code {
	case "dpd":
		return c.DPD, true
	case "bucket":
		return c.Bucket, true
	case "outstanding_amount":
		return c.OutstandingAmount, true
	case "product_type":
		return c.ProductType, true
	case "state":
		return c.State, true
	case "city":
		return c.City, true
	case "allocation_status":
		return c.AllocationStatus, true
	case "owner_id":
		return c.OwnerID, true
	case "ptp_status":
		return c.PTPStatus, true
	case "ptp_date":
		if c.PTPDate == nil {
			return nil, false
		}
		return *c.PTPDate, true
	default:
		return nil, false
	}
}

type CaseEvent struct {
	ID          int64     `json:"id"`
	CaseID      string    `json:"case_id"`
	ExecutionID string    `json:"execution_id,omitempty"`
	Type        string    `json:"type"`
	Channel     string    `json:"channel,omitempty"`
	Status      string    `json:"status,omitempty"`
	Detail      string    `json:"detail_json,omitempty"`
	TS          time.Time `json:"ts" format:"date-time"`
}
