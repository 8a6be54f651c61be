package service

import (
	"encoding/json"
	"sync"

	"workshop_rt/server/common/apperr"
	"workshop_rt/server/reconcile/domain"
)

type Action int

const (
	ActionKeepServer Action = iota
	ActionWrite
	ActionDelete
)

// ResolveInput is what a strategy sees. Current is nil when the entity no
// longer exists on the server.
type ResolveInput struct {
	Operation     domain.SyncOperation
	Conflict      domain.Conflict
	Current       *domain.Document
	ManualPayload json.RawMessage
}

type Plan struct {
	Action  Action
	Body    json.RawMessage
	Outcome domain.Outcome
}

// Strategy decides how a conflict is settled. It must not touch any store;
// a returned error leaves the conflict untouched.
type Strategy interface {
	Name() domain.Strategy
	Plan(in ResolveInput) (Plan, error)
}

type StrategyRegistry struct {
	mu         sync.RWMutex
	strategies map[domain.Strategy]Strategy
}

// NewStrategyRegistry registers the built-in strategies, with field merge
// driven by mergers.
func NewStrategyRegistry(mergers map[string]Merger) *StrategyRegistry {
	r := &StrategyRegistry{strategies: map[domain.Strategy]Strategy{}}
	r.Register(authoritativeWins{})
	r.Register(actorWins{})
	r.Register(fieldMerge{mergers: mergers})
	r.Register(manualReview{})
	return r
}

func (r *StrategyRegistry) Register(s Strategy) {
	r.mu.Lock()
	r.strategies[s.Name()] = s
	r.mu.Unlock()
}

func (r *StrategyRegistry) Get(name domain.Strategy) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[name]
	return s, ok
}

type authoritativeWins struct{}

func (authoritativeWins) Name() domain.Strategy { return domain.StrategyAuthoritativeWins }

func (authoritativeWins) Plan(ResolveInput) (Plan, error) {
	return Plan{Action: ActionKeepServer, Outcome: domain.OutcomeServerKept}, nil
}

type actorWins struct{}

func (actorWins) Name() domain.Strategy { return domain.StrategyActorWins }

func (actorWins) Plan(in ResolveInput) (Plan, error) {
	if in.Operation.Kind == domain.KindDelete {
		if in.Current == nil {
			return Plan{Action: ActionKeepServer, Outcome: domain.OutcomeClientApplied}, nil
		}
		return Plan{Action: ActionDelete, Outcome: domain.OutcomeClientApplied}, nil
	}
	if len(in.Operation.Payload) == 0 {
		return Plan{}, apperr.Invalid("strategy", "operation carries no payload to apply")
	}
	return Plan{Action: ActionWrite, Body: in.Operation.Payload, Outcome: domain.OutcomeClientApplied}, nil
}

type fieldMerge struct {
	mergers map[string]Merger
}

func (fieldMerge) Name() domain.Strategy { return domain.StrategyFieldMerge }

func (f fieldMerge) Plan(in ResolveInput) (Plan, error) {
	if in.Operation.Kind == domain.KindDelete {
		return Plan{}, apperr.Invalid("strategy", "field_merge cannot resolve a delete")
	}
	if in.Current == nil {
		return Plan{}, apperr.Invalid("strategy", "field_merge needs an existing server document")
	}
	merger, ok := f.mergers[in.Conflict.EntityType]
	if !ok {
		return Plan{}, apperr.Invalid("strategy", "field_merge is not supported for "+in.Conflict.EntityType)
	}
	merged, err := merger.Merge(in.Current.Body, in.Operation.Payload)
	if err != nil {
		return Plan{}, apperr.Invalid("strategy", err.Error())
	}
	return Plan{Action: ActionWrite, Body: merged, Outcome: domain.OutcomeMerged}, nil
}

type manualReview struct{}

func (manualReview) Name() domain.Strategy { return domain.StrategyManualReview }

func (manualReview) Plan(in ResolveInput) (Plan, error) {
	if len(in.ManualPayload) == 0 {
		return Plan{}, apperr.Invalid("manual_payload", "is required for manual_review")
	}
	if !json.Valid(in.ManualPayload) {
		return Plan{}, apperr.Invalid("manual_payload", "must be valid JSON")
	}
	return Plan{Action: ActionWrite, Body: in.ManualPayload, Outcome: domain.OutcomeManual}, nil
}
