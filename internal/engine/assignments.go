package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"civimend/internal/domain"
	"civimend/internal/events"
	"civimend/internal/ledger"
	"civimend/internal/repo"
)

// ensureAssignmentTransition is the closed transition table for assignments.
func ensureAssignmentTransition(oldStatus, newStatus string) error {
	allowed := false
	switch oldStatus {
	case domain.AssignmentAssigned:
		allowed = newStatus == domain.AssignmentStarted || newStatus == domain.AssignmentCancelled
	case domain.AssignmentStarted:
		allowed = newStatus == domain.AssignmentInProgress || newStatus == domain.AssignmentCompleted || newStatus == domain.AssignmentCancelled
	case domain.AssignmentInProgress:
		allowed = newStatus == domain.AssignmentCompleted || newStatus == domain.AssignmentCancelled
	case domain.AssignmentCompleted:
		allowed = newStatus == domain.AssignmentVerified || newStatus == domain.AssignmentDisputed
	case domain.AssignmentVerified:
		allowed = newStatus == domain.AssignmentDisputed
	}
	if !allowed {
		return validationf("invalid assignment status transition %s -> %s", oldStatus, newStatus)
	}
	return nil
}

// ExecuteWinner accepts a bid and binds its worker to the grievance. Used by
// stewards to force an outcome; the marketplace and ballot paths go through
// executeWinnerLocked directly.
func (e *Engine) ExecuteWinner(ctx context.Context, grievanceID, bidID, actorID string) (domain.Assignment, error) {
	unlock := e.grievanceMu.Lock(grievanceID)
	defer unlock()
	return e.executeWinnerLocked(ctx, grievanceID, bidID, actorID, "manual", nil)
}

// executeWinnerLocked creates the assignment, settles sibling bids, moves the
// grievance to assigned and queues the escrow lock, all in one transaction.
// When a ballot drove the selection it is marked executed in the same
// transaction. Caller must hold the grievance lock.
func (e *Engine) executeWinnerLocked(ctx context.Context, grievanceID, bidID, actorID, mode string, ballot *domain.Ballot) (domain.Assignment, error) {
	g, err := e.Repo.GetGrievance(ctx, grievanceID)
	if err != nil {
		return domain.Assignment{}, err
	}
	if g.IsAssigned() {
		return domain.Assignment{}, conflictf("grievance %s already has an active assignment", g.ID)
	}
	if err := ensureGrievanceTransition(g.Status, domain.GrievanceAssigned); err != nil {
		return domain.Assignment{}, err
	}
	winner, err := e.Repo.GetBid(ctx, bidID)
	if err != nil {
		return domain.Assignment{}, err
	}
	if winner.GrievanceID != g.ID {
		return domain.Assignment{}, validationf("bid %s does not belong to grievance %s", bidID, g.ID)
	}
	if winner.Status != domain.BidPending {
		return domain.Assignment{}, validationf("bid %s is %s, only pending bids can win", winner.ID, winner.Status)
	}

	now := e.now().UTC()
	nowStr := now.Format(time.RFC3339)
	a := domain.Assignment{
		ID:                  newID(),
		GrievanceID:         g.ID,
		BidID:               winner.ID,
		WorkerID:            winner.WorkerID,
		CitizenID:           g.CitizenID,
		Escrow:              winner.Amount,
		Status:              domain.AssignmentAssigned,
		AssignedAt:          nowStr,
		EstimatedCompletion: now.Add(time.Duration(winner.EtaHours) * time.Hour).Format(time.RFC3339),
	}
	g.Status = domain.GrievanceAssigned
	g.AssignmentID = &a.ID
	g.UpdatedAt = nowStr

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertAssignment(ctx, tx, a); err != nil {
		return a, err
	}
	if err := e.Repo.SetBidStatus(ctx, tx, winner.ID, domain.BidAccepted, nowStr); err != nil {
		return a, err
	}
	siblings, err := e.Repo.PendingBidsTx(ctx, tx, g.ID)
	if err != nil {
		return a, err
	}
	for _, s := range siblings {
		if s.ID == winner.ID {
			continue
		}
		if err := e.Repo.SetBidStatus(ctx, tx, s.ID, domain.BidRejected, nowStr); err != nil {
			return a, err
		}
	}
	if err := e.Repo.UpdateGrievance(ctx, tx, g); err != nil {
		return a, err
	}
	if ballot != nil {
		if err := e.Repo.UpdateBallotStatus(ctx, tx, ballot.ID, domain.BallotCompleted, true, &a.ID); err != nil {
			return a, err
		}
		if err := e.Events.Append(ctx, tx, "ballot.completed", "ballot", ballot.ID, g.ID, actorID, events.EventPayload{
			"winner_bid": winner.ID,
		}); err != nil {
			return a, err
		}
	}
	intentID, err := e.enqueueIntent(ctx, tx, domain.LedgerIntent{
		Operation:   domain.OpLockEscrow,
		EntityKind:  "assignment",
		EntityID:    a.ID,
		GrievanceID: g.ID,
		Amount:      a.Escrow,
	})
	if err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, "assignment.created", "assignment", a.ID, g.ID, actorID, events.EventPayload{
		"worker_id": a.WorkerID, "escrow": a.Escrow.String(), "mode": mode,
	}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	e.notifyIntents([]string{intentID})
	return a, nil
}

func (e *Engine) GetAssignment(ctx context.Context, id string) (domain.Assignment, error) {
	return e.Repo.GetAssignment(ctx, id)
}

func (e *Engine) ListAssignments(ctx context.Context, f repo.AssignmentFilters, p repo.Page) ([]domain.Assignment, int, error) {
	return e.Repo.ListAssignments(ctx, f, p)
}

// StartAssignment marks the worker on site; the grievance follows to
// in_progress.
func (e *Engine) StartAssignment(ctx context.Context, id, actorID string) (domain.Assignment, error) {
	unlock := e.assignmentMu.Lock(id)
	defer unlock()

	a, err := e.Repo.GetAssignment(ctx, id)
	if err != nil {
		return a, err
	}
	if a.WorkerID != actorID {
		return a, forbiddenf("assignment %s belongs to another worker", a.ID)
	}
	if err := ensureAssignmentTransition(a.Status, domain.AssignmentStarted); err != nil {
		return a, err
	}
	g, err := e.Repo.GetGrievance(ctx, a.GrievanceID)
	if err != nil {
		return a, err
	}
	if err := ensureGrievanceTransition(g.Status, domain.GrievanceInProgress); err != nil {
		return a, err
	}
	nowStr := e.nowString()
	a.Status = domain.AssignmentStarted
	a.StartedAt = &nowStr
	g.Status = domain.GrievanceInProgress
	g.UpdatedAt = nowStr

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateAssignment(ctx, tx, a); err != nil {
		return a, err
	}
	if err := e.Repo.UpdateGrievance(ctx, tx, g); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, "assignment.started", "assignment", a.ID, g.ID, actorID, events.EventPayload{}); err != nil {
		return a, err
	}
	return a, tx.Commit()
}

// ProgressAssignment records an interim progress note from the worker.
func (e *Engine) ProgressAssignment(ctx context.Context, id, actorID, note string) (domain.Assignment, error) {
	unlock := e.assignmentMu.Lock(id)
	defer unlock()

	a, err := e.Repo.GetAssignment(ctx, id)
	if err != nil {
		return a, err
	}
	if a.WorkerID != actorID {
		return a, forbiddenf("assignment %s belongs to another worker", a.ID)
	}
	if a.Status != domain.AssignmentStarted && a.Status != domain.AssignmentInProgress {
		return a, validationf("assignment in status %s cannot report progress", a.Status)
	}
	a.Status = domain.AssignmentInProgress

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateAssignment(ctx, tx, a); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, "assignment.progress", "assignment", a.ID, a.GrievanceID, actorID, events.EventPayload{
		"note": note,
	}); err != nil {
		return a, err
	}
	return a, tx.Commit()
}

// CompletionOptions is the worker's structured completion report.
type CompletionOptions struct {
	Notes         string
	MediaRefs     []string
	DurationHours int
}

// SubmitCompletion stores the completion record locally and queues its
// fingerprint for the ledger. The raw record never leaves the local store.
func (e *Engine) SubmitCompletion(ctx context.Context, id, actorID string, opts CompletionOptions) (domain.Assignment, error) {
	unlock := e.assignmentMu.Lock(id)
	defer unlock()

	a, err := e.Repo.GetAssignment(ctx, id)
	if err != nil {
		return a, err
	}
	if a.WorkerID != actorID {
		return a, forbiddenf("assignment %s belongs to another worker", a.ID)
	}
	if err := ensureAssignmentTransition(a.Status, domain.AssignmentCompleted); err != nil {
		return a, err
	}
	g, err := e.Repo.GetGrievance(ctx, a.GrievanceID)
	if err != nil {
		return a, err
	}
	if err := ensureGrievanceTransition(g.Status, domain.GrievanceCompleted); err != nil {
		return a, err
	}

	nowStr := e.nowString()
	completion := domain.Completion{
		Notes:         opts.Notes,
		MediaRefs:     opts.MediaRefs,
		DurationHours: opts.DurationHours,
		SubmittedAt:   nowStr,
	}
	fingerprint, err := ledger.Fingerprint(struct {
		AssignmentID string            `json:"assignment_id"`
		GrievanceID  string            `json:"grievance_id"`
		WorkerID     string            `json:"worker_id"`
		Completion   domain.Completion `json:"completion"`
	}{a.ID, a.GrievanceID, a.WorkerID, completion})
	if err != nil {
		return a, err
	}
	completion.Fingerprint = fingerprint

	a.Status = domain.AssignmentCompleted
	a.Completion = &completion
	a.CompletedAt = &nowStr
	g.Status = domain.GrievanceCompleted
	g.UpdatedAt = nowStr

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateAssignment(ctx, tx, a); err != nil {
		return a, err
	}
	if err := e.Repo.UpdateGrievance(ctx, tx, g); err != nil {
		return a, err
	}
	intentID, err := e.enqueueIntent(ctx, tx, domain.LedgerIntent{
		Operation:   domain.OpCommitCompletion,
		EntityKind:  "assignment",
		EntityID:    a.ID,
		GrievanceID: g.ID,
		Fingerprint: fingerprint,
	})
	if err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, "assignment.completed", "assignment", a.ID, g.ID, actorID, events.EventPayload{
		"fingerprint": fingerprint,
	}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	e.notifyIntents([]string{intentID})
	return a, nil
}

// ConfirmationOptions carries one side of the dual confirmation.
type ConfirmationOptions struct {
	Approved bool
	Feedback string
	Rating   int
}

// ConfirmCitizen records the citizen's verdict on the completed work.
func (e *Engine) ConfirmCitizen(ctx context.Context, id, actorID string, opts ConfirmationOptions) (domain.Assignment, error) {
	return e.confirm(ctx, id, actorID, "citizen", opts)
}

// ConfirmDelegate records a delegate's verdict on the completed work.
func (e *Engine) ConfirmDelegate(ctx context.Context, id, actorID string, opts ConfirmationOptions) (domain.Assignment, error) {
	return e.confirm(ctx, id, actorID, "delegate", opts)
}

// confirm is the dual-confirmation core. The two verdicts are independent:
// either side's approval releases escrow on its own, exactly once, serialized
// on the assignment lock and guarded by the funds_released flag. The other
// side's later approval is still recorded but releases nothing. A rejection
// is recorded as-is; escalation is an explicit RaiseDispute call.
func (e *Engine) confirm(ctx context.Context, id, actorID, side string, opts ConfirmationOptions) (domain.Assignment, error) {
	if opts.Rating != 0 && (opts.Rating < 1 || opts.Rating > 5) {
		return domain.Assignment{}, validationf("rating must be between 1 and 5")
	}

	unlock := e.assignmentMu.Lock(id)
	defer unlock()

	a, err := e.Repo.GetAssignment(ctx, id)
	if err != nil {
		return a, err
	}
	if a.Status != domain.AssignmentCompleted && a.Status != domain.AssignmentVerified {
		return a, validationf("assignment in status %s cannot be confirmed", a.Status)
	}
	switch side {
	case "citizen":
		if a.CitizenID != actorID {
			return a, forbiddenf("only the filing citizen can confirm assignment %s", a.ID)
		}
		if a.CitizenConfirmation != nil {
			return a, conflictf("citizen already confirmed assignment %s", a.ID)
		}
	case "delegate":
		d, err := e.Repo.GetDelegate(ctx, actorID)
		if errors.Is(err, repo.ErrNotFound) {
			return a, forbiddenf("confirmer %s is not a registered delegate", actorID)
		}
		if err != nil {
			return a, err
		}
		if !d.Active {
			return a, forbiddenf("delegate %s is inactive", actorID)
		}
		if a.DelegateConfirmation != nil {
			return a, conflictf("delegate side already confirmed assignment %s", a.ID)
		}
	}

	nowStr := e.nowString()
	conf := domain.Confirmation{
		Approved:    opts.Approved,
		ConfirmedBy: actorID,
		Feedback:    opts.Feedback,
		Rating:      opts.Rating,
		ConfirmedAt: nowStr,
	}
	if side == "citizen" {
		a.CitizenConfirmation = &conf
	} else {
		a.DelegateConfirmation = &conf
	}

	if !opts.Approved {
		return e.confirmReject(ctx, a, actorID, side, opts.Feedback)
	}

	release := !a.FundsReleased

	var g domain.Grievance
	if release {
		a.Status = domain.AssignmentVerified
		a.VerifiedAt = &nowStr
		a.FundsReleased = true
		g, err = e.Repo.GetGrievance(ctx, a.GrievanceID)
		if err != nil {
			return a, err
		}
		if err := ensureGrievanceTransition(g.Status, domain.GrievanceVerified); err != nil {
			return a, err
		}
		g.Status = domain.GrievanceVerified
		g.UpdatedAt = nowStr
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateAssignment(ctx, tx, a); err != nil {
		return a, err
	}
	var intentIDs []string
	if release {
		if err := e.Repo.UpdateGrievance(ctx, tx, g); err != nil {
			return a, err
		}
		if err := e.Repo.IncrementWorkerJobs(ctx, tx, a.WorkerID); err != nil {
			return a, err
		}
		intentID, err := e.enqueueIntent(ctx, tx, domain.LedgerIntent{
			Operation:   domain.OpConfirmRelease,
			EntityKind:  "assignment",
			EntityID:    a.ID,
			GrievanceID: a.GrievanceID,
			Amount:      a.Escrow,
		})
		if err != nil {
			return a, err
		}
		intentIDs = append(intentIDs, intentID)
		if err := e.Events.Append(ctx, tx, "assignment.funds_released", "assignment", a.ID, a.GrievanceID, actorID, events.EventPayload{
			"escrow": a.Escrow.String(),
		}); err != nil {
			return a, err
		}
	}
	if err := e.Events.Append(ctx, tx, fmt.Sprintf("assignment.%s_confirmed", side), "assignment", a.ID, a.GrievanceID, actorID, events.EventPayload{
		"approved": opts.Approved,
	}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	e.notifyIntents(intentIDs)
	return a, nil
}

// confirmReject records a disapproving confirmation. The assignment keeps its
// status and no dispute is opened; either party can follow up with
// RaiseDispute.
func (e *Engine) confirmReject(ctx context.Context, a domain.Assignment, actorID, side, reason string) (domain.Assignment, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateAssignment(ctx, tx, a); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, fmt.Sprintf("assignment.%s_rejected", side), "assignment", a.ID, a.GrievanceID, actorID, events.EventPayload{
		"reason": reason,
	}); err != nil {
		return a, err
	}
	return a, tx.Commit()
}

// Unassign cancels an assignment before completion and reverses every
// marketplace effect: the winning bid and its rejected siblings return to
// pending and the grievance reopens for bidding.
func (e *Engine) Unassign(ctx context.Context, id, actorID, reason string) (domain.Assignment, error) {
	a, err := e.Repo.GetAssignment(ctx, id)
	if err != nil {
		return a, err
	}

	unlockG := e.grievanceMu.Lock(a.GrievanceID)
	defer unlockG()
	unlockA := e.assignmentMu.Lock(id)
	defer unlockA()

	a, err = e.Repo.GetAssignment(ctx, id)
	if err != nil {
		return a, err
	}
	if err := ensureAssignmentTransition(a.Status, domain.AssignmentCancelled); err != nil {
		return a, err
	}
	g, err := e.Repo.GetGrievance(ctx, a.GrievanceID)
	if err != nil {
		return a, err
	}
	if err := ensureGrievanceTransition(g.Status, domain.GrievanceActive); err != nil {
		return a, err
	}

	nowStr := e.nowString()
	a.Status = domain.AssignmentCancelled
	g.Status = domain.GrievanceActive
	g.AssignmentID = nil
	g.UpdatedAt = nowStr

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateAssignment(ctx, tx, a); err != nil {
		return a, err
	}
	if err := e.Repo.SetBidStatus(ctx, tx, a.BidID, domain.BidPending, nowStr); err != nil {
		return a, err
	}
	rejected, err := e.Repo.RejectedBidsTx(ctx, tx, g.ID)
	if err != nil {
		return a, err
	}
	for _, b := range rejected {
		if err := e.Repo.SetBidStatus(ctx, tx, b.ID, domain.BidPending, nowStr); err != nil {
			return a, err
		}
	}
	if err := e.Repo.UpdateGrievance(ctx, tx, g); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, "assignment.cancelled", "assignment", a.ID, g.ID, actorID, events.EventPayload{
		"reason": reason,
	}); err != nil {
		return a, err
	}
	return a, tx.Commit()
}

// DisputeOptions describes a raised dispute.
type DisputeOptions struct {
	Reason       string
	EvidenceRefs []string
}

// RaiseDispute contests a completed or verified assignment.
func (e *Engine) RaiseDispute(ctx context.Context, id, actorID string, opts DisputeOptions) (domain.Assignment, error) {
	if opts.Reason == "" {
		return domain.Assignment{}, validationf("dispute reason is required")
	}

	unlock := e.assignmentMu.Lock(id)
	defer unlock()

	a, err := e.Repo.GetAssignment(ctx, id)
	if err != nil {
		return a, err
	}
	if err := ensureAssignmentTransition(a.Status, domain.AssignmentDisputed); err != nil {
		return a, err
	}
	g, err := e.Repo.GetGrievance(ctx, a.GrievanceID)
	if err != nil {
		return a, err
	}
	if err := ensureGrievanceTransition(g.Status, domain.GrievanceDisputed); err != nil {
		return a, err
	}

	nowStr := e.nowString()
	a.Status = domain.AssignmentDisputed
	a.Dispute = &domain.Dispute{
		RaisedBy:     actorID,
		Reason:       opts.Reason,
		EvidenceRefs: opts.EvidenceRefs,
		RaisedAt:     nowStr,
	}
	g.Status = domain.GrievanceDisputed
	g.UpdatedAt = nowStr

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateAssignment(ctx, tx, a); err != nil {
		return a, err
	}
	if err := e.Repo.UpdateGrievance(ctx, tx, g); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, "assignment.disputed", "assignment", a.ID, g.ID, actorID, events.EventPayload{
		"reason": opts.Reason,
	}); err != nil {
		return a, err
	}
	return a, tx.Commit()
}

// ResolutionOptions is a steward's three-way compensation split. The
// percentages must sum to 100. The split is recorded for bookkeeping; no
// fund movement is executed from it.
type ResolutionOptions struct {
	CitizenPct int
	WorkerPct  int
	PoolPct    int
}

// ResolveDispute records a steward's resolution on a disputed assignment.
func (e *Engine) ResolveDispute(ctx context.Context, id, actorID string, opts ResolutionOptions) (domain.Assignment, error) {
	if opts.CitizenPct < 0 || opts.WorkerPct < 0 || opts.PoolPct < 0 {
		return domain.Assignment{}, validationf("split percentages must be non-negative")
	}
	if opts.CitizenPct+opts.WorkerPct+opts.PoolPct != 100 {
		return domain.Assignment{}, validationf("split percentages must sum to 100")
	}

	unlock := e.assignmentMu.Lock(id)
	defer unlock()

	a, err := e.Repo.GetAssignment(ctx, id)
	if err != nil {
		return a, err
	}
	if a.Status != domain.AssignmentDisputed || a.Dispute == nil {
		return a, validationf("assignment %s is not disputed", a.ID)
	}
	if a.Dispute.Resolved {
		return a, conflictf("dispute on assignment %s is already resolved", a.ID)
	}

	nowStr := e.nowString()
	a.Dispute.Resolved = true
	a.Dispute.ResolvedBy = actorID
	a.Dispute.CitizenPct = opts.CitizenPct
	a.Dispute.WorkerPct = opts.WorkerPct
	a.Dispute.PoolPct = opts.PoolPct
	a.Dispute.ResolvedAt = nowStr

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateAssignment(ctx, tx, a); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, "assignment.dispute_resolved", "assignment", a.ID, a.GrievanceID, actorID, events.EventPayload{
		"citizen_pct": opts.CitizenPct, "worker_pct": opts.WorkerPct, "pool_pct": opts.PoolPct,
	}); err != nil {
		return a, err
	}
	return a, tx.Commit()
}
