package rules_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"caseflow/internal/domain"
	"caseflow/internal/rules"
)

func testFields() []domain.FilterField {
	return []domain.FilterField{
		{Code: "dpd", Label: "Days Past Due", DataType: domain.FieldNumber, IsActive: true},
		{Code: "bucket", Label: "Bucket", DataType: domain.FieldEnum, Options: []string{"B0", "B1", "B2", "B3"}, IsActive: true},
		{Code: "state", Label: "State", DataType: domain.FieldText, IsActive: true},
		{Code: "ptp_date", Label: "PTP Date", DataType: domain.FieldDate, IsActive: true},
		{Code: "outstanding_amount", Label: "Outstanding", DataType: domain.FieldNumber, IsActive: true},
		{Code: "retired", Label: "Retired", DataType: domain.FieldText, IsActive: false},
	}
}

func testRegistry() *rules.Registry {
	return rules.NewRegistry(testFields())
}

func mkCase(id string, dpd int, bucket, state string) domain.Case {
	return domain.Case{
		ID:               id,
		CustomerName:     "customer " + id,
		AllocationStatus: "ALLOCATED",
		DPD:              dpd,
		Bucket:           bucket,
		State:            state,
	}
}

// fakeSource serves cases from memory and never supports count pushdown,
// forcing the streaming path.
type fakeSource struct {
	cases []domain.Case
	pages int
}

func (f *fakeSource) ListEligiblePage(_ context.Context, afterID string, limit int) ([]domain.Case, error) {
	f.pages++
	start := 0
	if afterID != "" {
		for i, c := range f.cases {
			if c.ID == afterID {
				start = i + 1
				break
			}
		}
	}
	end := start + limit
	if end > len(f.cases) {
		end = len(f.cases)
	}
	return f.cases[start:end], nil
}

func (f *fakeSource) CountWhere(context.Context, []domain.StrategyRule) (int64, bool, error) {
	return 0, false, nil
}

func TestRegistryRejectsUnknownField(t *testing.T) {
	reg := testRegistry()
	err := reg.ValidateRule(domain.StrategyRule{FieldCode: "dpdd", Operator: domain.OpEquals, Value: "30"})
	var uf rules.UnknownFieldError
	if !errors.As(err, &uf) || uf.Code != "dpdd" {
		t.Fatalf("expected UnknownFieldError for dpdd, got %v", err)
	}
}

func TestRegistryTreatsInactiveFieldAsUnknown(t *testing.T) {
	reg := testRegistry()
	err := reg.ValidateRule(domain.StrategyRule{FieldCode: "retired", Operator: domain.OpEquals, Value: "x"})
	var uf rules.UnknownFieldError
	if !errors.As(err, &uf) {
		t.Fatalf("expected UnknownFieldError for inactive field, got %v", err)
	}
}

func TestRegistryRejectsIncompatibleOperator(t *testing.T) {
	reg := testRegistry()
	// CONTAINS is a text operator; dpd is numeric.
	err := reg.ValidateRule(domain.StrategyRule{FieldCode: "dpd", Operator: domain.OpContains, Value: "3"})
	var oe rules.IncompatibleOperatorError
	if !errors.As(err, &oe) {
		t.Fatalf("expected IncompatibleOperatorError, got %v", err)
	}
	if oe.FieldCode != "dpd" || oe.Operator != domain.OpContains {
		t.Fatalf("unexpected error detail: %+v", oe)
	}
}

func TestRegistryValueArity(t *testing.T) {
	reg := testRegistry()
	cases := []struct {
		name string
		rule domain.StrategyRule
	}{
		{"between needs two values", domain.StrategyRule{FieldCode: "dpd", Operator: domain.OpBetween, Values: []string{"30"}}},
		{"in needs at least one", domain.StrategyRule{FieldCode: "bucket", Operator: domain.OpIn}},
		{"equals needs a value", domain.StrategyRule{FieldCode: "state", Operator: domain.OpEquals}},
		{"number must parse", domain.StrategyRule{FieldCode: "dpd", Operator: domain.OpEquals, Value: "thirty"}},
		{"enum value must be an option", domain.StrategyRule{FieldCode: "bucket", Operator: domain.OpEquals, Value: "B9"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := reg.ValidateRule(tc.rule)
			var ve rules.ValueError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValueError, got %v", err)
			}
		})
	}
}

func TestEmptyRuleSetMatchesEverything(t *testing.T) {
	src := &fakeSource{cases: []domain.Case{mkCase("c1", 10, "B0", "KA"), mkCase("c2", 45, "B2", "MH")}}
	eng := rules.Engine{Source: src}
	matched, err := eng.Filter(context.Background(), testRegistry(), nil)
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if len(matched) != 2 {
		t.Fatalf("expected all cases, got %d", len(matched))
	}
}

func TestBetweenIsInclusive(t *testing.T) {
	src := &fakeSource{cases: []domain.Case{
		mkCase("c1", 29, "B0", "KA"),
		mkCase("c2", 30, "B1", "KA"),
		mkCase("c3", 60, "B2", "KA"),
		mkCase("c4", 61, "B3", "KA"),
	}}
	eng := rules.Engine{Source: src}
	rule := []domain.StrategyRule{{FieldCode: "dpd", Operator: domain.OpBetween, Values: []string{"30", "60"}}}
	ids, err := eng.FilterIDs(context.Background(), testRegistry(), rule)
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if len(ids) != 2 || ids[0] != "c2" || ids[1] != "c3" {
		t.Fatalf("expected [c2 c3], got %v", ids)
	}

	// reversed bounds behave the same
	rule[0].Values = []string{"60", "30"}
	ids, err = eng.FilterIDs(context.Background(), testRegistry(), rule)
	if err != nil {
		t.Fatalf("filter reversed: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("reversed bounds: expected 2, got %v", ids)
	}
}

func TestContainsIsCaseInsensitive(t *testing.T) {
	src := &fakeSource{cases: []domain.Case{mkCase("c1", 5, "B0", "Karnataka"), mkCase("c2", 5, "B0", "Goa")}}
	eng := rules.Engine{Source: src}
	rule := []domain.StrategyRule{{FieldCode: "state", Operator: domain.OpContains, Value: "KARNA"}}
	ids, err := eng.FilterIDs(context.Background(), testRegistry(), rule)
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if len(ids) != 1 || ids[0] != "c1" {
		t.Fatalf("expected [c1], got %v", ids)
	}
}

func TestInAndNotInMembership(t *testing.T) {
	src := &fakeSource{cases: []domain.Case{
		mkCase("c1", 5, "B0", "KA"),
		mkCase("c2", 5, "B1", "KA"),
		mkCase("c3", 5, "B2", "KA"),
	}}
	eng := rules.Engine{Source: src}
	in := []domain.StrategyRule{{FieldCode: "bucket", Operator: domain.OpIn, Values: []string{"B0", "B2"}}}
	ids, err := eng.FilterIDs(context.Background(), testRegistry(), in)
	if err != nil {
		t.Fatalf("filter in: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("IN: expected 2, got %v", ids)
	}
	notIn := []domain.StrategyRule{{FieldCode: "bucket", Operator: domain.OpNotIn, Values: []string{"B0", "B2"}}}
	ids, err = eng.FilterIDs(context.Background(), testRegistry(), notIn)
	if err != nil {
		t.Fatalf("filter not in: %v", err)
	}
	if len(ids) != 1 || ids[0] != "c2" {
		t.Fatalf("NOT_IN: expected [c2], got %v", ids)
	}
}

func TestRulesAreConjunctive(t *testing.T) {
	src := &fakeSource{cases: []domain.Case{
		mkCase("c1", 45, "B2", "KA"),
		mkCase("c2", 45, "B0", "KA"),
		mkCase("c3", 10, "B2", "KA"),
	}}
	eng := rules.Engine{Source: src}
	list := []domain.StrategyRule{
		{FieldCode: "dpd", Operator: domain.OpGreaterThanOrEquals, Value: "30"},
		{FieldCode: "bucket", Operator: domain.OpEquals, Value: "B2"},
	}
	ids, err := eng.FilterIDs(context.Background(), testRegistry(), list)
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if len(ids) != 1 || ids[0] != "c1" {
		t.Fatalf("expected [c1], got %v", ids)
	}
}

func TestMissingAttributeNeverMatches(t *testing.T) {
	c := mkCase("c1", 45, "B2", "KA")
	c.PTPDate = nil
	src := &fakeSource{cases: []domain.Case{c}}
	eng := rules.Engine{Source: src}
	list := []domain.StrategyRule{{FieldCode: "ptp_date", Operator: domain.OpLessThan, Value: "2026-01-01"}}
	ids, err := eng.FilterIDs(context.Background(), testRegistry(), list)
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("case without ptp_date should not match, got %v", ids)
	}
}

func TestDateComparison(t *testing.T) {
	due := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	c := mkCase("c1", 45, "B2", "KA")
	c.PTPDate = &due
	src := &fakeSource{cases: []domain.Case{c}}
	eng := rules.Engine{Source: src}
	list := []domain.StrategyRule{{FieldCode: "ptp_date", Operator: domain.OpLessThan, Value: "2026-04-01"}}
	ids, err := eng.FilterIDs(context.Background(), testRegistry(), list)
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected ptp_date before 2026-04-01 to match, got %v", ids)
	}
}

func TestCountFallsBackToStreaming(t *testing.T) {
	src := &fakeSource{cases: []domain.Case{
		mkCase("c1", 45, "B2", "KA"),
		mkCase("c2", 10, "B0", "KA"),
		mkCase("c3", 50, "B2", "KA"),
	}}
	eng := rules.Engine{Source: src, PageSize: 2}
	list := []domain.StrategyRule{{FieldCode: "dpd", Operator: domain.OpGreaterThan, Value: "30"}}
	n, err := eng.Count(context.Background(), testRegistry(), list)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected count 2, got %d", n)
	}
	if src.pages < 2 {
		t.Fatalf("expected paged streaming, saw %d page reads", src.pages)
	}
	// count must agree with the filtered set
	ids, err := eng.FilterIDs(context.Background(), testRegistry(), list)
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if int64(len(ids)) != n {
		t.Fatalf("count %d != filtered %d", n, len(ids))
	}
}

func TestCountValidatesRulesFirst(t *testing.T) {
	eng := rules.Engine{Source: &fakeSource{}}
	_, err := eng.Count(context.Background(), testRegistry(), []domain.StrategyRule{
		{FieldCode: "nope", Operator: domain.OpEquals, Value: "1"},
	})
	var uf rules.UnknownFieldError
	if !errors.As(err, &uf) {
		t.Fatalf("expected UnknownFieldError, got %v", err)
	}
}

func TestSampleIDsStopsAtLimit(t *testing.T) {
	var cases []domain.Case
	for _, id := range []string{"c1", "c2", "c3", "c4", "c5"} {
		cases = append(cases, mkCase(id, 40, "B2", "KA"))
	}
	src := &fakeSource{cases: cases}
	eng := rules.Engine{Source: src, PageSize: 2}
	ids, err := eng.SampleIDs(context.Background(), testRegistry(), nil, 3)
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("expected sample of 3, got %v", ids)
	}
}
