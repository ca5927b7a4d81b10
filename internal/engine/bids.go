package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"civimend/internal/domain"
	"civimend/internal/events"
	"civimend/internal/repo"
)

// EscalationDecision is the marketplace's verdict after a new pending bid.
type EscalationDecision int

const (
	EscalationWait EscalationDecision = iota
	EscalationAutoAssign
	EscalationOpenBallot
)

// Escalate is the pure escalation policy. The single-pending-bid urgent case
// is the only voting bypass; three or more bids, or a high/urgent priority,
// go to a ballot; everything else waits for more bids.
func Escalate(pendingBids int, priority string, minBidsForVote int) EscalationDecision {
	if pendingBids == 1 && priority == domain.PriorityUrgent {
		return EscalationAutoAssign
	}
	if pendingBids >= minBidsForVote || priority == domain.PriorityHigh || priority == domain.PriorityUrgent {
		if pendingBids == 0 {
			return EscalationWait
		}
		return EscalationOpenBallot
	}
	return EscalationWait
}

// ScoreBid ranks a candidate bid: cheaper, better-reputed, faster bids score
// higher. The score orders ballot options; it never selects a winner by
// itself.
func ScoreBid(amount, ceiling decimal.Decimal, reputation, etaHours, maxEtaHours int) float64 {
	price := 0.0
	if ceiling.Sign() > 0 {
		ratio, _ := amount.Div(ceiling).Float64()
		price = 1 - ratio
		if price < 0 {
			price = 0
		}
	}
	rep := float64(reputation) / 100
	if rep > 1 {
		rep = 1
	}
	speed := 0.0
	if maxEtaHours > 0 {
		speed = 1 - float64(etaHours)/float64(maxEtaHours)
		if speed < 0 {
			speed = 0
		}
	}
	return 0.4*price + 0.4*rep + 0.2*speed
}

func (e *Engine) scoreBid(ctx context.Context, b domain.Bid) float64 {
	reputation := 50
	if w, err := e.Repo.GetWorker(ctx, b.WorkerID); err == nil {
		reputation = w.Reputation
	}
	return ScoreBid(b.Amount, e.Config.BidCeiling(), reputation, b.EtaHours, e.Config.Marketplace.MaxEtaHours)
}

// BidCreateOptions are parameters for submitting a bid.
type BidCreateOptions struct {
	GrievanceID string
	WorkerID    string
	Amount      decimal.Decimal
	Proposal    string
	EtaHours    int
	Skills      []string
}

// SubmitBid records a worker's bid and evaluates the escalation policy.
// The whole operation is serialized per grievance so two near-simultaneous
// bids cannot both trigger auto-assignment.
func (e *Engine) SubmitBid(ctx context.Context, opts BidCreateOptions) (domain.Bid, error) {
	if strings.TrimSpace(opts.WorkerID) == "" {
		return domain.Bid{}, validationf("worker_id is required")
	}
	if opts.Amount.Sign() <= 0 {
		return domain.Bid{}, validationf("bid amount must be positive")
	}
	if opts.Amount.GreaterThan(e.Config.BidCeiling()) {
		return domain.Bid{}, validationf("bid amount %s exceeds ceiling %s", opts.Amount, e.Config.BidCeiling())
	}
	if opts.EtaHours <= 0 {
		return domain.Bid{}, validationf("eta_hours must be positive")
	}

	unlock := e.grievanceMu.Lock(opts.GrievanceID)
	defer unlock()

	g, err := e.Repo.GetGrievance(ctx, opts.GrievanceID)
	if err != nil {
		return domain.Bid{}, err
	}
	if !g.CanReceiveBids() {
		return domain.Bid{}, validationf("grievance in status %s does not accept bids", g.Status)
	}
	dup, err := e.Repo.HasPendingBid(ctx, g.ID, opts.WorkerID)
	if err != nil {
		return domain.Bid{}, err
	}
	if dup {
		return domain.Bid{}, conflictf("worker %s already has a pending bid on grievance %s", opts.WorkerID, g.ID)
	}

	now := e.nowString()
	b := domain.Bid{
		ID:          newID(),
		GrievanceID: g.ID,
		WorkerID:    opts.WorkerID,
		Amount:      opts.Amount,
		Proposal:    opts.Proposal,
		EtaHours:    opts.EtaHours,
		Skills:      opts.Skills,
		Status:      domain.BidPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	g.BidCount++
	g.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Bid{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertBid(ctx, tx, b); err != nil {
		return domain.Bid{}, err
	}
	if err := e.Repo.UpdateGrievance(ctx, tx, g); err != nil {
		return domain.Bid{}, err
	}
	intentID, err := e.enqueueIntent(ctx, tx, domain.LedgerIntent{
		Operation:   domain.OpCommitBid,
		EntityKind:  "bid",
		EntityID:    b.ID,
		GrievanceID: g.ID,
		Amount:      b.Amount,
	})
	if err != nil {
		return domain.Bid{}, err
	}
	if err := e.Events.Append(ctx, tx, "bid.submitted", "bid", b.ID, g.ID, opts.WorkerID, events.EventPayload{
		"amount": b.Amount.String(), "eta_hours": b.EtaHours,
	}); err != nil {
		return domain.Bid{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Bid{}, err
	}
	e.notifyIntents([]string{intentID})

	if err := e.evaluateEscalation(ctx, g, opts.WorkerID); err != nil {
		// The bid itself is committed; escalation problems surface to the
		// caller so a steward can retry via ballot creation.
		return b, err
	}
	return b, nil
}

// evaluateEscalation applies the escalation policy to the grievance's
// current pending bids. Caller must hold the grievance lock.
func (e *Engine) evaluateEscalation(ctx context.Context, g domain.Grievance, actorID string) error {
	pending, err := e.Repo.PendingBids(ctx, g.ID)
	if err != nil {
		return err
	}
	switch Escalate(len(pending), g.Priority, e.Config.Marketplace.MinBidsForVote) {
	case EscalationAutoAssign:
		_, err := e.executeWinnerLocked(ctx, g.ID, pending[0].ID, actorID, "auto", nil)
		return err
	case EscalationOpenBallot:
		_, err := e.Repo.OpenBallotForGrievance(ctx, g.ID)
		if err == nil {
			return nil // a ballot is already open for this grievance
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		_, err = e.createBallot(ctx, g, pending, actorID)
		return err
	default:
		return nil
	}
}

// WithdrawBid retracts a pending bid and decrements the grievance counter.
func (e *Engine) WithdrawBid(ctx context.Context, bidID, actorID string) (domain.Bid, error) {
	b, err := e.Repo.GetBid(ctx, bidID)
	if err != nil {
		return b, err
	}

	unlock := e.grievanceMu.Lock(b.GrievanceID)
	defer unlock()

	b, err = e.Repo.GetBid(ctx, bidID)
	if err != nil {
		return b, err
	}
	if b.WorkerID != actorID {
		return b, forbiddenf("bid %s belongs to another worker", b.ID)
	}
	if b.Status != domain.BidPending {
		return b, validationf("only pending bids can be withdrawn")
	}
	g, err := e.Repo.GetGrievance(ctx, b.GrievanceID)
	if err != nil {
		return b, err
	}
	now := e.nowString()
	if g.BidCount > 0 {
		g.BidCount--
	}
	g.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return b, err
	}
	defer tx.Rollback()
	if err := e.Repo.SetBidStatus(ctx, tx, b.ID, domain.BidWithdrawn, now); err != nil {
		return b, err
	}
	if err := e.Repo.UpdateGrievance(ctx, tx, g); err != nil {
		return b, err
	}
	if err := e.Events.Append(ctx, tx, "bid.withdrawn", "bid", b.ID, g.ID, actorID, events.EventPayload{}); err != nil {
		return b, err
	}
	if err := tx.Commit(); err != nil {
		return b, err
	}
	b.Status = domain.BidWithdrawn
	b.UpdatedAt = now
	return b, nil
}

func (e *Engine) GetBid(ctx context.Context, id string) (domain.Bid, error) {
	return e.Repo.GetBid(ctx, id)
}

func (e *Engine) ListBids(ctx context.Context, grievanceID string, p repo.Page) ([]domain.Bid, int, error) {
	if grievanceID == "" {
		return nil, 0, validationf("grievance_id is required")
	}
	return e.Repo.ListBidsByGrievance(ctx, grievanceID, p)
}

func bidLabel(b domain.Bid) string {
	return fmt.Sprintf("%s by %s", b.Amount.StringFixed(2), b.WorkerID)
}
