package engine

import (
	"context"
	"errors"
	"strings"

	"civimend/internal/domain"
	"civimend/internal/events"
	"civimend/internal/ledger"
	"civimend/internal/repo"
)

// ensureGrievanceTransition is the closed transition table for the grievance
// lifecycle. The assigned/in_progress -> active edge is the unassignment
// reversal; everything else is monotonic.
func ensureGrievanceTransition(oldStatus, newStatus string) error {
	allowed := false
	switch oldStatus {
	case domain.GrievancePending:
		allowed = newStatus == domain.GrievanceClassified
	case domain.GrievanceClassified:
		allowed = newStatus == domain.GrievanceActive || newStatus == domain.GrievanceAssigned
	case domain.GrievanceActive:
		allowed = newStatus == domain.GrievanceAssigned
	case domain.GrievanceAssigned:
		allowed = newStatus == domain.GrievanceInProgress || newStatus == domain.GrievanceActive
	case domain.GrievanceInProgress:
		allowed = newStatus == domain.GrievanceCompleted || newStatus == domain.GrievanceActive
	case domain.GrievanceCompleted:
		allowed = newStatus == domain.GrievanceVerified || newStatus == domain.GrievanceDisputed
	case domain.GrievanceVerified:
		allowed = newStatus == domain.GrievanceDisputed
	case domain.GrievanceDisputed:
		allowed = false
	}
	if !allowed {
		return validationf("invalid grievance status transition %s -> %s", oldStatus, newStatus)
	}
	return nil
}

func validPriority(p string) bool {
	switch p {
	case domain.PriorityLow, domain.PriorityMedium, domain.PriorityHigh, domain.PriorityUrgent:
		return true
	}
	return false
}

// GrievanceCreateOptions are parameters for filing a grievance.
type GrievanceCreateOptions struct {
	CitizenID   string
	Title       string
	Description string
	Location    string
	Category    string
	Priority    string
}

// SubmitGrievance files a grievance and enqueues its fingerprint commit.
// The grievance commits locally regardless of ledger availability.
func (e *Engine) SubmitGrievance(ctx context.Context, opts GrievanceCreateOptions) (domain.Grievance, error) {
	if strings.TrimSpace(opts.CitizenID) == "" {
		return domain.Grievance{}, validationf("citizen_id is required")
	}
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Grievance{}, validationf("title is required")
	}
	if opts.Category == "" {
		opts.Category = "general"
	}
	if opts.Priority == "" {
		opts.Priority = domain.PriorityMedium
	}
	if !validPriority(opts.Priority) {
		return domain.Grievance{}, validationf("unknown priority %s", opts.Priority)
	}
	now := e.nowString()
	g := domain.Grievance{
		ID:          newID(),
		CitizenID:   opts.CitizenID,
		Title:       opts.Title,
		Description: opts.Description,
		Location:    opts.Location,
		Category:    opts.Category,
		Priority:    opts.Priority,
		Status:      domain.GrievancePending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	fingerprint, err := ledger.Fingerprint(ledger.GrievanceRecord{
		GrievanceID: g.ID,
		CitizenID:   g.CitizenID,
		Fingerprint: "",
	})
	if err != nil {
		return domain.Grievance{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Grievance{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertGrievance(ctx, tx, g); err != nil {
		return domain.Grievance{}, err
	}
	intentID, err := e.enqueueIntent(ctx, tx, domain.LedgerIntent{
		Operation:   domain.OpCommitGrievance,
		EntityKind:  "grievance",
		EntityID:    g.ID,
		GrievanceID: g.ID,
		Fingerprint: fingerprint,
	})
	if err != nil {
		return domain.Grievance{}, err
	}
	if err := e.Events.Append(ctx, tx, "grievance.submitted", "grievance", g.ID, g.ID, opts.CitizenID, events.EventPayload{
		"title": g.Title, "priority": g.Priority,
	}); err != nil {
		return domain.Grievance{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Grievance{}, err
	}
	e.notifyIntents([]string{intentID})
	return g, nil
}

func (e *Engine) GetGrievance(ctx context.Context, id string) (domain.Grievance, error) {
	return e.Repo.GetGrievance(ctx, id)
}

func (e *Engine) ListGrievances(ctx context.Context, f repo.GrievanceFilters, p repo.Page) ([]domain.Grievance, int, error) {
	return e.Repo.ListGrievances(ctx, f, p)
}

// GrievanceUpdateOptions carries citizen-editable fields.
type GrievanceUpdateOptions struct {
	ID          string
	ActorID     string
	Steward     bool
	Title       *string
	Description *string
	Location    *string
	Category    *string
	Priority    *string
}

// UpdateGrievance edits a grievance's own fields. Allowed only while the
// grievance is still pending or classified, by the owning citizen or a
// steward.
func (e *Engine) UpdateGrievance(ctx context.Context, opts GrievanceUpdateOptions) (domain.Grievance, error) {
	unlock := e.grievanceMu.Lock(opts.ID)
	defer unlock()

	g, err := e.Repo.GetGrievance(ctx, opts.ID)
	if err != nil {
		return g, err
	}
	if g.CitizenID != opts.ActorID && !opts.Steward {
		return g, forbiddenf("grievance %s is owned by another citizen", g.ID)
	}
	if g.Status != domain.GrievancePending && g.Status != domain.GrievanceClassified {
		return g, validationf("grievance in status %s cannot be edited", g.Status)
	}
	if opts.Title != nil {
		if strings.TrimSpace(*opts.Title) == "" {
			return g, validationf("title is required")
		}
		g.Title = *opts.Title
	}
	if opts.Description != nil {
		g.Description = *opts.Description
	}
	if opts.Location != nil {
		g.Location = *opts.Location
	}
	if opts.Category != nil && *opts.Category != "" {
		g.Category = *opts.Category
	}
	if opts.Priority != nil {
		if !validPriority(*opts.Priority) {
			return g, validationf("unknown priority %s", *opts.Priority)
		}
		g.Priority = *opts.Priority
	}
	g.UpdatedAt = e.nowString()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return g, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateGrievance(ctx, tx, g); err != nil {
		return g, err
	}
	if err := e.Events.Append(ctx, tx, "grievance.updated", "grievance", g.ID, g.ID, opts.ActorID, events.EventPayload{}); err != nil {
		return g, err
	}
	return g, tx.Commit()
}

// DeleteGrievance removes a grievance that never left pending.
func (e *Engine) DeleteGrievance(ctx context.Context, id, actorID string, steward bool) error {
	unlock := e.grievanceMu.Lock(id)
	defer unlock()

	g, err := e.Repo.GetGrievance(ctx, id)
	if err != nil {
		return err
	}
	if g.CitizenID != actorID && !steward {
		return forbiddenf("grievance %s is owned by another citizen", g.ID)
	}
	if g.Status != domain.GrievancePending {
		return validationf("only pending grievances can be deleted")
	}
	return e.Repo.DeleteGrievance(ctx, id)
}

// Classification is the external classifier's verdict.
type Classification struct {
	Category string
	Priority string
	Tags     []string
}

// ApplyClassification overwrites category/priority/tags with the external
// classifier's result. Idempotent: re-applying replaces the fields; the
// status only ever moves pending -> classified.
func (e *Engine) ApplyClassification(ctx context.Context, grievanceID string, c Classification, actorID string) (domain.Grievance, error) {
	unlock := e.grievanceMu.Lock(grievanceID)
	defer unlock()

	g, err := e.Repo.GetGrievance(ctx, grievanceID)
	if err != nil {
		return g, err
	}
	if c.Priority != "" && !validPriority(c.Priority) {
		return g, validationf("unknown priority %s", c.Priority)
	}
	if c.Category != "" {
		g.Category = c.Category
	}
	if c.Priority != "" {
		g.Priority = c.Priority
	}
	g.Tags = c.Tags
	if g.Status == domain.GrievancePending {
		if err := ensureGrievanceTransition(g.Status, domain.GrievanceClassified); err != nil {
			return g, err
		}
		g.Status = domain.GrievanceClassified
	}
	g.UpdatedAt = e.nowString()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return g, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateGrievance(ctx, tx, g); err != nil {
		return g, err
	}
	if err := e.Events.Append(ctx, tx, "grievance.classified", "grievance", g.ID, g.ID, actorID, events.EventPayload{
		"category": g.Category, "priority": g.Priority,
	}); err != nil {
		return g, err
	}
	return g, tx.Commit()
}

// ActivateGrievance opens a classified grievance for bidding.
func (e *Engine) ActivateGrievance(ctx context.Context, grievanceID, actorID string) (domain.Grievance, error) {
	unlock := e.grievanceMu.Lock(grievanceID)
	defer unlock()

	g, err := e.Repo.GetGrievance(ctx, grievanceID)
	if err != nil {
		return g, err
	}
	if err := ensureGrievanceTransition(g.Status, domain.GrievanceActive); err != nil {
		return g, err
	}
	g.Status = domain.GrievanceActive
	g.UpdatedAt = e.nowString()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return g, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateGrievance(ctx, tx, g); err != nil {
		return g, err
	}
	if err := e.Events.Append(ctx, tx, "grievance.activated", "grievance", g.ID, g.ID, actorID, events.EventPayload{}); err != nil {
		return g, err
	}
	return g, tx.Commit()
}

// IsNotFound reports whether err is the repo's missing-row sentinel.
func IsNotFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound)
}
