package rules

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"caseflow/internal/domain"
)

// Predicate is a compiled selection predicate over a single case.
type Predicate func(domain.Case) bool

var dateLayouts = []string{"2006-01-02", time.RFC3339}

func parseDate(raw string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q", raw)
}

// parseTyped converts a rule value into the field's native type.
func parseTyped(f domain.FilterField, raw string) (any, error) {
	switch f.DataType {
	case domain.FieldNumber:
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", raw)
		}
		return n, nil
	case domain.FieldDate:
		return parseDate(raw)
	case domain.FieldBoolean:
		b, err := strconv.ParseBool(strings.ToLower(raw))
		if err != nil {
			return nil, fmt.Errorf("invalid boolean %q", raw)
		}
		return b, nil
	default:
		return raw, nil
	}
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// Compile turns a strategy's ordered rule list into a single conjunction
// predicate. Leaves are evaluated left to right with short-circuit on the
// first false. An empty rule list compiles to match-all; eligibility (open,
// allocated) is the case source's concern, not the predicate's.
func Compile(reg *Registry, list []domain.StrategyRule) (Predicate, error) {
	if len(list) == 0 {
		return func(domain.Case) bool { return true }, nil
	}
	leaves := make([]Predicate, 0, len(list))
	for _, rule := range list {
		f, err := reg.Field(rule.FieldCode)
		if err != nil {
			return nil, err
		}
		leaf, err := compileLeaf(f, rule)
		if err != nil {
			return nil, err
		}
		leaves = append(leaves, leaf)
	}
	return func(c domain.Case) bool {
		for _, leaf := range leaves {
			if !leaf(c) {
				return false
			}
		}
		return true
	}, nil
}

func compileLeaf(f domain.FilterField, rule domain.StrategyRule) (Predicate, error) {
	switch f.DataType {
	case domain.FieldNumber:
		return compileNumberLeaf(f, rule)
	case domain.FieldDate:
		return compileDateLeaf(f, rule)
	case domain.FieldBoolean:
		return compileBooleanLeaf(f, rule)
	default:
		return compileStringLeaf(f, rule)
	}
}

func compileNumberLeaf(f domain.FilterField, rule domain.StrategyRule) (Predicate, error) {
	code := f.Code
	switch rule.Operator {
	case domain.OpBetween:
		lo, hi, err := numberBounds(f, rule)
		if err != nil {
			return nil, err
		}
		return func(c domain.Case) bool {
			n, ok := attrNumber(c, code)
			// inclusive on both bounds
			return ok && n >= lo && n <= hi
		}, nil
	case domain.OpIn:
		set, err := numberSet(f, rule.Values)
		if err != nil {
			return nil, err
		}
		return func(c domain.Case) bool {
			n, ok := attrNumber(c, code)
			return ok && set[n]
		}, nil
	default:
		want, err := parseTyped(f, rule.Value)
		if err != nil {
			return nil, ValueError{FieldCode: code, Operator: rule.Operator, Reason: err.Error()}
		}
		w := want.(float64)
		cmp, err := numberCompare(rule.Operator)
		if err != nil {
			return nil, err
		}
		return func(c domain.Case) bool {
			n, ok := attrNumber(c, code)
			return ok && cmp(n, w)
		}, nil
	}
}

func numberCompare(op string) (func(a, b float64) bool, error) {
	switch op {
	case domain.OpEquals:
		return func(a, b float64) bool { return a == b }, nil
	case domain.OpNotEquals:
		return func(a, b float64) bool { return a != b }, nil
	case domain.OpGreaterThan:
		return func(a, b float64) bool { return a > b }, nil
	case domain.OpGreaterThanOrEquals:
		return func(a, b float64) bool { return a >= b }, nil
	case domain.OpLessThan:
		return func(a, b float64) bool { return a < b }, nil
	case domain.OpLessThanOrEquals:
		return func(a, b float64) bool { return a <= b }, nil
	default:
		return nil, fmt.Errorf("operator %s not supported for numbers", op)
	}
}

func numberBounds(f domain.FilterField, rule domain.StrategyRule) (float64, float64, error) {
	if len(rule.Values) != 2 {
		return 0, 0, ValueError{FieldCode: f.Code, Operator: rule.Operator, Reason: "exactly two bounds required"}
	}
	lo, err := strconv.ParseFloat(rule.Values[0], 64)
	if err != nil {
		return 0, 0, ValueError{FieldCode: f.Code, Operator: rule.Operator, Reason: err.Error()}
	}
	hi, err := strconv.ParseFloat(rule.Values[1], 64)
	if err != nil {
		return 0, 0, ValueError{FieldCode: f.Code, Operator: rule.Operator, Reason: err.Error()}
	}
	if lo > hi {
		lo, hi = hi, lo
	}
	return lo, hi, nil
}

func numberSet(f domain.FilterField, raw []string) (map[float64]bool, error) {
	set := make(map[float64]bool, len(raw))
	for _, v := range raw {
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, ValueError{FieldCode: f.Code, Operator: domain.OpIn, Reason: err.Error()}
		}
		set[n] = true
	}
	return set, nil
}

func attrNumber(c domain.Case, code string) (float64, bool) {
	v, ok := c.Attribute(code)
	if !ok {
		return 0, false
	}
	return asNumber(v)
}

func compileDateLeaf(f domain.FilterField, rule domain.StrategyRule) (Predicate, error) {
	code := f.Code
	attr := func(c domain.Case) (time.Time, bool) {
		v, ok := c.Attribute(code)
		if !ok {
			return time.Time{}, false
		}
		t, ok := v.(time.Time)
		return t, ok
	}
	switch rule.Operator {
	case domain.OpBetween:
		if len(rule.Values) != 2 {
			return nil, ValueError{FieldCode: code, Operator: rule.Operator, Reason: "exactly two bounds required"}
		}
		lo, err := parseDate(rule.Values[0])
		if err != nil {
			return nil, ValueError{FieldCode: code, Operator: rule.Operator, Reason: err.Error()}
		}
		hi, err := parseDate(rule.Values[1])
		if err != nil {
			return nil, ValueError{FieldCode: code, Operator: rule.Operator, Reason: err.Error()}
		}
		if lo.After(hi) {
			lo, hi = hi, lo
		}
		return func(c domain.Case) bool {
			t, ok := attr(c)
			return ok && !t.Before(lo) && !t.After(hi)
		}, nil
	default:
		want, err := parseDate(rule.Value)
		if err != nil {
			return nil, ValueError{FieldCode: code, Operator: rule.Operator, Reason: err.Error()}
		}
		switch rule.Operator {
		case domain.OpEquals:
			return func(c domain.Case) bool {
				t, ok := attr(c)
				return ok && t.Equal(want)
			}, nil
		case domain.OpNotEquals:
			return func(c domain.Case) bool {
				t, ok := attr(c)
				return ok && !t.Equal(want)
			}, nil
		case domain.OpGreaterThan:
			return func(c domain.Case) bool {
				t, ok := attr(c)
				return ok && t.After(want)
			}, nil
		case domain.OpGreaterThanOrEquals:
			return func(c domain.Case) bool {
				t, ok := attr(c)
				return ok && !t.Before(want)
			}, nil
		case domain.OpLessThan:
			return func(c domain.Case) bool {
				t, ok := attr(c)
				return ok && t.Before(want)
			}, nil
		case domain.OpLessThanOrEquals:
			return func(c domain.Case) bool {
				t, ok := attr(c)
				return ok && !t.After(want)
			}, nil
		default:
			return nil, fmt.Errorf("operator %s not supported for dates", rule.Operator)
		}
	}
}

func compileBooleanLeaf(f domain.FilterField, rule domain.StrategyRule) (Predicate, error) {
	want, err := parseTyped(f, rule.Value)
	if err != nil {
		return nil, ValueError{FieldCode: f.Code, Operator: rule.Operator, Reason: err.Error()}
	}
	w := want.(bool)
	code := f.Code
	return func(c domain.Case) bool {
		v, ok := c.Attribute(code)
		if !ok {
			return false
		}
		b, ok := v.(bool)
		return ok && b == w
	}, nil
}

func compileStringLeaf(f domain.FilterField, rule domain.StrategyRule) (Predicate, error) {
	code := f.Code
	attr := func(c domain.Case) (string, bool) {
		v, ok := c.Attribute(code)
		if !ok {
			return "", false
		}
		s, ok := v.(string)
		return s, ok
	}
	switch rule.Operator {
	case domain.OpEquals:
		want := rule.Value
		return func(c domain.Case) bool {
			s, ok := attr(c)
			return ok && s == want
		}, nil
	case domain.OpNotEquals:
		want := rule.Value
		return func(c domain.Case) bool {
			s, ok := attr(c)
			return ok && s != want
		}, nil
	case domain.OpContains:
		// case-insensitive substring match
		want := strings.ToLower(rule.Value)
		return func(c domain.Case) bool {
			s, ok := attr(c)
			return ok && strings.Contains(strings.ToLower(s), want)
		}, nil
	case domain.OpIn, domain.OpNotIn:
		set := make(map[string]bool, len(rule.Values))
		for _, v := range rule.Values {
			set[v] = true
		}
		negate := rule.Operator == domain.OpNotIn
		return func(c domain.Case) bool {
			s, ok := attr(c)
			if !ok {
				return false
			}
			return set[s] != negate
		}, nil
	default:
		return nil, fmt.Errorf("operator %s not supported for strings", rule.Operator)
	}
}
