package rules

import (
	"context"

	"caseflow/internal/domain"
)

// CaseSource abstracts the external case population. Reads are paginated so
// a broad strategy never loads the whole population at once. CountWhere may
// push a rule set down to a store-level count query; it reports ok=false
// when the rule set is not translatable and the caller must fall back to
// streaming through the compiled predicate.
type CaseSource interface {
	ListEligiblePage(ctx context.Context, afterID string, limit int) ([]domain.Case, error)
	CountWhere(ctx context.Context, list []domain.StrategyRule) (count int64, ok bool, err error)
}

// Engine applies compiled strategy predicates to the case population.
type Engine struct {
	Source   CaseSource
	PageSize int
}

func (e Engine) pageSize() int {
	if e.PageSize > 0 {
		return e.PageSize
	}
	return 500
}

// Filter returns every eligible case matching the rule set. An empty rule
// set matches the full eligible population.
func (e Engine) Filter(ctx context.Context, reg *Registry, list []domain.StrategyRule) ([]domain.Case, error) {
	pred, err := Compile(reg, list)
	if err != nil {
		return nil, err
	}
	var matched []domain.Case
	err = e.each(ctx, func(c domain.Case) {
		if pred(c) {
			matched = append(matched, c)
		}
	})
	if err != nil {
		return nil, err
	}
	return matched, nil
}

// FilterIDs is Filter projected to case identifiers.
func (e Engine) FilterIDs(ctx context.Context, reg *Registry, list []domain.StrategyRule) ([]string, error) {
	matched, err := e.Filter(ctx, reg, list)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(matched))
	for i, c := range matched {
		ids[i] = c.ID
	}
	return ids, nil
}

// Count reports how many eligible cases match without materializing them.
// The store-level count is preferred when the whole rule set translates to a
// query; otherwise cases are streamed through the predicate.
func (e Engine) Count(ctx context.Context, reg *Registry, list []domain.StrategyRule) (int64, error) {
	if err := reg.ValidateRules(list); err != nil {
		return 0, err
	}
	if n, ok, err := e.Source.CountWhere(ctx, list); err != nil {
		return 0, err
	} else if ok {
		return n, nil
	}
	pred, err := Compile(reg, list)
	if err != nil {
		return 0, err
	}
	var n int64
	err = e.each(ctx, func(c domain.Case) {
		if pred(c) {
			n++
		}
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// SampleIDs returns up to limit matching case identifiers, stopping as soon
// as the sample is full.
func (e Engine) SampleIDs(ctx context.Context, reg *Registry, list []domain.StrategyRule, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	pred, err := Compile(reg, list)
	if err != nil {
		return nil, err
	}
	var ids []string
	afterID := ""
	pageLimit := e.pageSize()
	for {
		page, err := e.Source.ListEligiblePage(ctx, afterID, pageLimit)
		if err != nil {
			return nil, err
		}
		for _, c := range page {
			if pred(c) {
				ids = append(ids, c.ID)
				if len(ids) == limit {
					return ids, nil
				}
			}
		}
		if len(page) < pageLimit {
			return ids, nil
		}
		afterID = page[len(page)-1].ID
	}
}

func (e Engine) each(ctx context.Context, fn func(domain.Case)) error {
	afterID := ""
	limit := e.pageSize()
	for {
		page, err := e.Source.ListEligiblePage(ctx, afterID, limit)
		if err != nil {
			return err
		}
		for _, c := range page {
			fn(c)
		}
		if len(page) < limit {
			return nil
		}
		afterID = page[len(page)-1].ID
	}
}
