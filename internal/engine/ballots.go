package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"civimend/internal/domain"
	"civimend/internal/events"
	"civimend/internal/repo"
)

// computeResults tallies a ballot deterministically from its votes. Quorum is
// ceil(activeDelegates * quorumPercent / 100) counted in ballots cast, not
// weight. The winner is the option with the highest voting power; ties break
// toward the lowest option index.
func computeResults(options []domain.BallotOption, votes []domain.Vote, activeDelegates, quorumPercent int) domain.BallotResults {
	res := domain.BallotResults{
		QuorumNeeded: (activeDelegates*quorumPercent + 99) / 100,
		TotalCast:    len(votes),
	}
	tallies := make([]domain.OptionTally, len(options))
	for i := range options {
		tallies[i] = domain.OptionTally{Index: options[i].Index, VotingPower: decimal.Zero}
	}
	for _, v := range votes {
		if v.OptionIndex < 0 || v.OptionIndex >= len(tallies) {
			continue
		}
		tallies[v.OptionIndex].VoteCount++
		tallies[v.OptionIndex].VotingPower = tallies[v.OptionIndex].VotingPower.Add(v.Weight)
	}
	res.Options = tallies
	res.QuorumReached = res.TotalCast >= res.QuorumNeeded
	var winner *int
	for i := range tallies {
		if tallies[i].VoteCount == 0 {
			continue
		}
		if winner == nil || tallies[i].VotingPower.GreaterThan(tallies[*winner].VotingPower) {
			idx := i
			winner = &idx
		}
	}
	res.WinnerIndex = winner
	return res
}

// createBallot opens a ballot over the grievance's pending bids, ordered by
// score descending. Caller must hold the grievance lock.
func (e *Engine) createBallot(ctx context.Context, g domain.Grievance, pending []domain.Bid, actorID string) (domain.Ballot, error) {
	if len(pending) == 0 {
		return domain.Ballot{}, validationf("grievance %s has no pending bids to vote on", g.ID)
	}
	type scored struct {
		bid   domain.Bid
		score float64
	}
	ranked := make([]scored, len(pending))
	for i, b := range pending {
		ranked[i] = scored{bid: b, score: e.scoreBid(ctx, b)}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	options := make([]domain.BallotOption, len(ranked))
	for i, s := range ranked {
		options[i] = domain.BallotOption{
			Index:    i,
			BidID:    s.bid.ID,
			WorkerID: s.bid.WorkerID,
			Label:    bidLabel(s.bid),
			Score:    s.score,
		}
	}

	now := e.now().UTC()
	b := domain.Ballot{
		ID:            newID(),
		GrievanceID:   g.ID,
		Title:         fmt.Sprintf("Select worker for: %s", g.Title),
		CreatedBy:     actorID,
		Status:        domain.BallotActive,
		Options:       options,
		AllowChange:   e.Config.Voting.AllowChange,
		QuorumPercent: e.Config.Voting.QuorumPercent,
		StartsAt:      now.Format(time.RFC3339),
		EndsAt:        now.Add(time.Duration(e.Config.Voting.WindowHours) * time.Hour).Format(time.RFC3339),
		CreatedAt:     now.Format(time.RFC3339),
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return b, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertBallot(ctx, tx, b); err != nil {
		return b, err
	}
	if err := e.Events.Append(ctx, tx, "ballot.opened", "ballot", b.ID, g.ID, actorID, events.EventPayload{
		"options": len(options), "ends_at": b.EndsAt,
	}); err != nil {
		return b, err
	}
	return b, tx.Commit()
}

// CreateBallot opens a ballot manually, typically by a steward when the
// escalation policy left a grievance waiting.
func (e *Engine) CreateBallot(ctx context.Context, grievanceID, actorID string) (domain.Ballot, error) {
	unlock := e.grievanceMu.Lock(grievanceID)
	defer unlock()

	g, err := e.Repo.GetGrievance(ctx, grievanceID)
	if err != nil {
		return domain.Ballot{}, err
	}
	if !g.CanReceiveBids() {
		return domain.Ballot{}, validationf("grievance in status %s cannot open a ballot", g.Status)
	}
	if _, err := e.Repo.OpenBallotForGrievance(ctx, g.ID); err == nil {
		return domain.Ballot{}, conflictf("grievance %s already has an open ballot", g.ID)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Ballot{}, err
	}
	pending, err := e.Repo.PendingBids(ctx, g.ID)
	if err != nil {
		return domain.Ballot{}, err
	}
	return e.createBallot(ctx, g, pending, actorID)
}

// CastVote records a delegate's vote. Recount and the quorum check happen
// under the ballot lock so concurrent votes serialize.
func (e *Engine) CastVote(ctx context.Context, ballotID, voterID string, optionIndex int) (domain.Ballot, error) {
	unlock := e.ballotMu.Lock(ballotID)
	defer unlock()

	b, err := e.Repo.GetBallot(ctx, ballotID)
	if err != nil {
		return b, err
	}
	if b.Status == domain.BallotActive && e.pastWindow(b) {
		if b, err = e.finalizeBallotLocked(ctx, b, "system"); err != nil {
			return b, err
		}
	}
	if b.Status != domain.BallotActive {
		return b, validationf("ballot %s is %s, voting is closed", b.ID, b.Status)
	}
	if optionIndex < 0 || optionIndex >= len(b.Options) {
		return b, validationf("option index %d out of range", optionIndex)
	}
	d, err := e.Repo.GetDelegate(ctx, voterID)
	if errors.Is(err, repo.ErrNotFound) {
		return b, forbiddenf("voter %s is not a registered delegate", voterID)
	}
	if err != nil {
		return b, err
	}
	if !d.Active {
		return b, forbiddenf("delegate %s is inactive", voterID)
	}

	v := domain.Vote{
		VoterID:     voterID,
		OptionIndex: optionIndex,
		Weight:      d.Weight,
		CastAt:      e.nowString(),
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return b, err
	}
	defer tx.Rollback()
	voted, err := e.Repo.HasVoted(ctx, tx, b.ID, voterID)
	if err != nil {
		return b, err
	}
	evtType := "ballot.vote_cast"
	if voted {
		if !b.AllowChange {
			return b, conflictf("delegate %s already voted on ballot %s", voterID, b.ID)
		}
		evtType = "ballot.vote_changed"
		if err := e.Repo.UpdateVote(ctx, tx, b.ID, v); err != nil {
			return b, err
		}
	} else if err := e.Repo.InsertVote(ctx, tx, b.ID, v); err != nil {
		return b, err
	}
	if err := e.Events.Append(ctx, tx, evtType, "ballot", b.ID, b.GrievanceID, voterID, events.EventPayload{
		"option": optionIndex,
	}); err != nil {
		return b, err
	}
	if err := tx.Commit(); err != nil {
		return b, err
	}

	b, err = e.Repo.GetBallot(ctx, b.ID)
	if err != nil {
		return b, err
	}
	active, err := e.Repo.CountActiveDelegates(ctx)
	if err != nil {
		return b, err
	}
	b.Results = computeResults(b.Options, b.Votes, active, b.QuorumPercent)
	if b.Results.QuorumReached {
		// quorum decides the ballot; no need to wait for the window
		return e.finalizeBallotLocked(ctx, b, voterID)
	}
	return b, nil
}

func (e *Engine) pastWindow(b domain.Ballot) bool {
	end, err := time.Parse(time.RFC3339, b.EndsAt)
	if err != nil {
		return false
	}
	return e.now().UTC().After(end)
}

// finalizeBallotLocked closes an active ballot: with quorum and a winner the
// winning bid is executed, otherwise the ballot expires. Caller must hold
// the ballot lock.
func (e *Engine) finalizeBallotLocked(ctx context.Context, b domain.Ballot, actorID string) (domain.Ballot, error) {
	if b.Terminal() {
		return b, nil
	}
	active, err := e.Repo.CountActiveDelegates(ctx)
	if err != nil {
		return b, err
	}
	b.Results = computeResults(b.Options, b.Votes, active, b.QuorumPercent)

	if !b.Results.QuorumReached || b.Results.WinnerIndex == nil {
		b.Status = domain.BallotExpired
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return b, err
		}
		defer tx.Rollback()
		if err := e.Repo.UpdateBallotStatus(ctx, tx, b.ID, b.Status, false, nil); err != nil {
			return b, err
		}
		if err := e.Events.Append(ctx, tx, "ballot.expired", "ballot", b.ID, b.GrievanceID, actorID, events.EventPayload{
			"total_cast": b.Results.TotalCast, "quorum_needed": b.Results.QuorumNeeded,
		}); err != nil {
			return b, err
		}
		return b, tx.Commit()
	}

	winning := b.Options[*b.Results.WinnerIndex]
	unlock := e.grievanceMu.Lock(b.GrievanceID)
	defer unlock()
	a, err := e.executeWinnerLocked(ctx, b.GrievanceID, winning.BidID, actorID, "ballot", &b)
	if err != nil {
		return b, err
	}
	b.Status = domain.BallotCompleted
	b.Executed = true
	b.AssignmentID = &a.ID
	return b, nil
}

// ExpireStaleBallots finalizes every active ballot whose window has closed.
// Ballots with quorum execute their winner; the rest expire.
func (e *Engine) ExpireStaleBallots(ctx context.Context) (int, error) {
	ids, err := e.Repo.StaleActiveBallots(ctx, e.nowString())
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		if err := func() error {
			unlock := e.ballotMu.Lock(id)
			defer unlock()
			b, err := e.Repo.GetBallot(ctx, id)
			if err != nil {
				return err
			}
			if b.Status != domain.BallotActive || !e.pastWindow(b) {
				return nil
			}
			_, err = e.finalizeBallotLocked(ctx, b, "system")
			return err
		}(); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// CancelBallot withdraws an open ballot without executing anything.
func (e *Engine) CancelBallot(ctx context.Context, ballotID, actorID string) (domain.Ballot, error) {
	unlock := e.ballotMu.Lock(ballotID)
	defer unlock()

	b, err := e.Repo.GetBallot(ctx, ballotID)
	if err != nil {
		return b, err
	}
	if b.Terminal() {
		return b, validationf("ballot %s is already %s", b.ID, b.Status)
	}
	b.Status = domain.BallotCancelled

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return b, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateBallotStatus(ctx, tx, b.ID, b.Status, false, nil); err != nil {
		return b, err
	}
	if err := e.Events.Append(ctx, tx, "ballot.cancelled", "ballot", b.ID, b.GrievanceID, actorID, events.EventPayload{}); err != nil {
		return b, err
	}
	return b, tx.Commit()
}

// GetBallot returns a ballot with a fresh tally. Active ballots that reached
// quorum or outlived their window are finalized lazily on read.
func (e *Engine) GetBallot(ctx context.Context, id string) (domain.Ballot, error) {
	unlock := e.ballotMu.Lock(id)
	defer unlock()

	b, err := e.Repo.GetBallot(ctx, id)
	if err != nil {
		return b, err
	}
	active, err := e.Repo.CountActiveDelegates(ctx)
	if err != nil {
		return b, err
	}
	b.Results = computeResults(b.Options, b.Votes, active, b.QuorumPercent)
	if b.Status == domain.BallotActive {
		quorate := b.Results.QuorumReached && b.Results.TotalCast > 0
		if quorate || e.pastWindow(b) {
			return e.finalizeBallotLocked(ctx, b, "system")
		}
	}
	return b, nil
}

func (e *Engine) ListBallots(ctx context.Context, grievanceID, status string, p repo.Page) ([]domain.Ballot, int, error) {
	return e.Repo.ListBallots(ctx, grievanceID, status, p)
}
