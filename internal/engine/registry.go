package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"

	"civimend/internal/domain"
	"civimend/internal/repo"
)

// UpsertWorker registers a worker or refreshes its profile. Reputation is
// clamped to [0,100]; jobs_completed is engine-owned and never overwritten.
func (e *Engine) UpsertWorker(ctx context.Context, id, name string, reputation int, actorID string) (domain.Worker, error) {
	if strings.TrimSpace(id) == "" {
		return domain.Worker{}, validationf("worker id is required")
	}
	if reputation < 0 {
		reputation = 0
	}
	if reputation > 100 {
		reputation = 100
	}
	w := domain.Worker{
		ID:         id,
		Name:       name,
		Reputation: reputation,
		CreatedAt:  e.nowString(),
	}
	existing, err := e.Repo.GetWorker(ctx, id)
	if err == nil {
		w.JobsCompleted = existing.JobsCompleted
		w.CreatedAt = existing.CreatedAt
	} else if !errors.Is(err, repo.ErrNotFound) {
		return w, err
	}
	if err := e.Repo.UpsertWorker(ctx, w); err != nil {
		return w, err
	}
	return w, nil
}

// UpsertDelegate registers a delegate or updates its weight and eligibility.
func (e *Engine) UpsertDelegate(ctx context.Context, id, name string, weight decimal.Decimal, active bool, actorID string) (domain.Delegate, error) {
	if strings.TrimSpace(id) == "" {
		return domain.Delegate{}, validationf("delegate id is required")
	}
	if weight.Sign() <= 0 {
		return domain.Delegate{}, validationf("delegate weight must be positive")
	}
	d := domain.Delegate{
		ID:        id,
		Name:      name,
		Weight:    weight,
		Active:    active,
		CreatedAt: e.nowString(),
	}
	existing, err := e.Repo.GetDelegate(ctx, id)
	if err == nil {
		d.CreatedAt = existing.CreatedAt
	} else if !errors.Is(err, repo.ErrNotFound) {
		return d, err
	}
	if err := e.Repo.UpsertDelegate(ctx, d); err != nil {
		return d, err
	}
	return d, nil
}

// CreateAPIKey stores the hash of a caller-supplied key bound to an actor.
func (e *Engine) CreateAPIKey(ctx context.Context, actorID, name, key string) (domain.APIKey, error) {
	if strings.TrimSpace(actorID) == "" {
		return domain.APIKey{}, validationf("actor_id is required")
	}
	if strings.TrimSpace(key) == "" {
		return domain.APIKey{}, validationf("key is required")
	}
	k := domain.APIKey{
		ID:        newID(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(key),
		CreatedAt: e.nowString(),
	}
	if err := e.Repo.InsertAPIKey(ctx, k); err != nil {
		return k, err
	}
	return k, nil
}
