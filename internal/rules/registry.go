package rules

import (
	"fmt"

	"caseflow/internal/domain"
)

// UnknownFieldError is returned when a rule references a field code absent
// from the registry.
type UnknownFieldError struct {
	Code string
}

func (e UnknownFieldError) Error() string {
	return fmt.Sprintf("unknown filter field %q", e.Code)
}

// IncompatibleOperatorError is returned when a rule's operator is not legal
// for the field's data type. Detected at strategy save time, never at
// execution time.
type IncompatibleOperatorError struct {
	FieldCode string
	Operator  string
	DataType  string
}

func (e IncompatibleOperatorError) Error() string {
	return fmt.Sprintf("operator %s not allowed for %s field %q", e.Operator, e.DataType, e.FieldCode)
}

// ValueError is returned when a rule's value is missing, has the wrong
// arity, or cannot be parsed as the field's data type.
type ValueError struct {
	FieldCode string
	Operator  string
	Reason    string
}

func (e ValueError) Error() string {
	return fmt.Sprintf("rule on field %q (%s): %s", e.FieldCode, e.Operator, e.Reason)
}

// operatorsByType is the default legality matrix applied when a field does
// not narrow its own allowed operator list.
var operatorsByType = map[string][]string{
	domain.FieldNumber: {
		domain.OpEquals, domain.OpNotEquals,
		domain.OpGreaterThan, domain.OpGreaterThanOrEquals,
		domain.OpLessThan, domain.OpLessThanOrEquals,
		domain.OpBetween, domain.OpIn,
	},
	domain.FieldDate: {
		domain.OpEquals, domain.OpNotEquals,
		domain.OpGreaterThan, domain.OpGreaterThanOrEquals,
		domain.OpLessThan, domain.OpLessThanOrEquals,
		domain.OpBetween,
	},
	domain.FieldText: {
		domain.OpEquals, domain.OpNotEquals, domain.OpContains,
		domain.OpIn, domain.OpNotIn,
	},
	domain.FieldEnum: {
		domain.OpEquals, domain.OpNotEquals, domain.OpIn, domain.OpNotIn,
	},
	domain.FieldBoolean: {
		domain.OpEquals,
	},
}

// Registry holds the active filter fields and validates rules against them.
type Registry struct {
	fields map[string]domain.FilterField
}

func NewRegistry(fields []domain.FilterField) *Registry {
	m := make(map[string]domain.FilterField, len(fields))
	for _, f := range fields {
		if f.IsActive {
			m[f.Code] = f
		}
	}
	return &Registry{fields: m}
}

// Field looks up an active field by code.
func (r *Registry) Field(code string) (domain.FilterField, error) {
	f, ok := r.fields[code]
	if !ok {
		return domain.FilterField{}, UnknownFieldError{Code: code}
	}
	return f, nil
}

// Fields returns the active field set.
func (r *Registry) Fields() []domain.FilterField {
	out := make([]domain.FilterField, 0, len(r.fields))
	for _, f := range r.fields {
		out = append(out, f)
	}
	return out
}

func operatorAllowed(f domain.FilterField, op string) bool {
	allowed := f.AllowedOperators
	if len(allowed) == 0 {
		allowed = operatorsByType[f.DataType]
	}
	for _, a := range allowed {
		if a == op {
			// Field-level lists cannot widen the type matrix.
			for _, t := range operatorsByType[f.DataType] {
				if t == op {
					return true
				}
			}
			return false
		}
	}
	return false
}

// ValidateRule checks field existence, operator legality and value arity.
func (r *Registry) ValidateRule(rule domain.StrategyRule) error {
	f, err := r.Field(rule.FieldCode)
	if err != nil {
		return err
	}
	if !operatorAllowed(f, rule.Operator) {
		return IncompatibleOperatorError{FieldCode: f.Code, Operator: rule.Operator, DataType: f.DataType}
	}
	switch rule.Operator {
	case domain.OpBetween:
		if len(rule.Values) != 2 {
			return ValueError{FieldCode: f.Code, Operator: rule.Operator, Reason: "exactly two bounds required"}
		}
		for _, v := range rule.Values {
			if _, err := parseTyped(f, v); err != nil {
				return ValueError{FieldCode: f.Code, Operator: rule.Operator, Reason: err.Error()}
			}
		}
	case domain.OpIn, domain.OpNotIn:
		if len(rule.Values) == 0 {
			return ValueError{FieldCode: f.Code, Operator: rule.Operator, Reason: "at least one value required"}
		}
		for _, v := range rule.Values {
			if _, err := parseTyped(f, v); err != nil {
				return ValueError{FieldCode: f.Code, Operator: rule.Operator, Reason: err.Error()}
			}
		}
	default:
		if rule.Value == "" {
			return ValueError{FieldCode: f.Code, Operator: rule.Operator, Reason: "value required"}
		}
		if _, err := parseTyped(f, rule.Value); err != nil {
			return ValueError{FieldCode: f.Code, Operator: rule.Operator, Reason: err.Error()}
		}
	}
	if f.DataType == domain.FieldEnum && len(f.Options) > 0 {
		check := rule.Values
		if len(check) == 0 {
			check = []string{rule.Value}
		}
		for _, v := range check {
			if !containsString(f.Options, v) {
				return ValueError{FieldCode: f.Code, Operator: rule.Operator, Reason: fmt.Sprintf("%q is not an option", v)}
			}
		}
	}
	return nil
}

// ValidateRules validates every rule of a strategy, failing on the first
// offending rule.
func (r *Registry) ValidateRules(list []domain.StrategyRule) error {
	for _, rule := range list {
		if err := r.ValidateRule(rule); err != nil {
			return err
		}
	}
	return nil
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
