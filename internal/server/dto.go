package server

import (
	"caseflow/internal/domain"
)

// Request payloads

type StrategyRuleRequest struct {
	FieldCode string   `json:"field_code"`
	Operator  string   `json:"operator" enum:"EQUALS,NOT_EQUALS,IN,NOT_IN,BETWEEN,GREATER_THAN,GREATER_THAN_OR_EQUALS,LESS_THAN,LESS_THAN_OR_EQUALS,CONTAINS"`
	Value     string   `json:"value,omitempty"`
	Values    []string `json:"values,omitempty"`
}

type StrategyActionRequest struct {
	Channel     string `json:"channel" enum:"SMS,WHATSAPP,EMAIL,NOTICE,IVR"`
	TemplateRef string `json:"template_ref"`
	IsActive    *bool  `json:"is_active,omitempty"`
}

type SaveStrategyRequest struct {
	ID       *string                 `json:"id,omitempty"`
	Code     string                  `json:"code"`
	Name     string                  `json:"name"`
	Priority int                     `json:"priority"`
	Status   string                  `json:"status,omitempty" enum:"DRAFT,ACTIVE,INACTIVE"`
	MatchAll bool                    `json:"match_all,omitempty"`
	Rules    []StrategyRuleRequest   `json:"rules,omitempty"`
	Actions  []StrategyActionRequest `json:"actions,omitempty"`
}

type ExecuteStrategyRequest struct {
	Trigger string `json:"trigger,omitempty" enum:"MANUAL,SCHEDULED"`
}

type PatchScheduleRequest struct {
	Enabled    *bool   `json:"enabled,omitempty"`
	Recurrence *string `json:"recurrence,omitempty"`
}

// Response payloads

type SimulateResponse struct {
	StrategyID    string   `json:"strategy_id"`
	MatchedCount  int64    `json:"matched_count"`
	SampleCaseIDs []string `json:"sample_case_ids,omitempty"`
}

type ExecuteResponse struct {
	ExecutionID string `json:"execution_id"`
	StrategyID  string `json:"strategy_id"`
	Status      string `json:"status"`
}

func toStrategy(req SaveStrategyRequest) domain.Strategy {
	s := domain.Strategy{
		Code:     req.Code,
		Name:     req.Name,
		Priority: req.Priority,
		Status:   req.Status,
		MatchAll: req.MatchAll,
	}
	if req.ID != nil {
		s.ID = *req.ID
	}
	for i, r := range req.Rules {
		s.Rules = append(s.Rules, domain.StrategyRule{
			FieldCode: r.FieldCode,
			Operator:  r.Operator,
			Value:     r.Value,
			Values:    r.Values,
			Order:     i + 1,
		})
	}
	for i, a := range req.Actions {
		active := true
		if a.IsActive != nil {
			active = *a.IsActive
		}
		s.Actions = append(s.Actions, domain.StrategyAction{
			Channel:     a.Channel,
			TemplateRef: a.TemplateRef,
			Order:       i + 1,
			IsActive:    active,
		})
	}
	return s
}
