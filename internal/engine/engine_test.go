package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"civimend/internal/config"
	"civimend/internal/db"
	"civimend/internal/domain"
	"civimend/internal/engine"
	"civimend/internal/migrate"
	"civimend/internal/repo"
)

type testEnv struct {
	Engine *engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func (env testEnv) seedDelegate(t *testing.T, id string, weight int64) {
	t.Helper()
	_, err := env.Engine.UpsertDelegate(env.Ctx, id, id, decimal.NewFromInt(weight), true, "steward-1")
	if err != nil {
		t.Fatalf("seed delegate %s: %v", id, err)
	}
}

// openGrievance files, classifies, and activates a grievance so it accepts
// bids.
func (env testEnv) openGrievance(t *testing.T, priority string) domain.Grievance {
	t.Helper()
	g, err := env.Engine.SubmitGrievance(env.Ctx, engine.GrievanceCreateOptions{
		CitizenID: "citizen-1",
		Title:     "Broken streetlight on 5th",
		Priority:  priority,
	})
	if err != nil {
		t.Fatalf("submit grievance: %v", err)
	}
	if g.Status != domain.GrievancePending {
		t.Fatalf("expected pending, got %s", g.Status)
	}
	g, err = env.Engine.ApplyClassification(env.Ctx, g.ID, engine.Classification{
		Category: "lighting", Priority: priority,
	}, "classifier")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	g, err = env.Engine.ActivateGrievance(env.Ctx, g.ID, "steward-1")
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	return g
}

func (env testEnv) bid(t *testing.T, grievanceID, workerID string, amount int64, etaHours int) domain.Bid {
	t.Helper()
	b, err := env.Engine.SubmitBid(env.Ctx, engine.BidCreateOptions{
		GrievanceID: grievanceID,
		WorkerID:    workerID,
		Amount:      decimal.NewFromInt(amount),
		EtaHours:    etaHours,
	})
	if err != nil {
		t.Fatalf("bid by %s: %v", workerID, err)
	}
	return b
}

func TestGrievanceLifecycle(t *testing.T) {
	env := newTestEnv(t)
	g := env.openGrievance(t, domain.PriorityMedium)
	if g.Status != domain.GrievanceActive {
		t.Fatalf("expected active, got %s", g.Status)
	}
	// active grievances can no longer be deleted
	if err := env.Engine.DeleteGrievance(env.Ctx, g.ID, "citizen-1", false); err == nil {
		t.Fatalf("expected delete to fail on active grievance")
	}
	// re-classification is idempotent and keeps the status
	g2, err := env.Engine.ApplyClassification(env.Ctx, g.ID, engine.Classification{Category: "roads"}, "classifier")
	if err != nil {
		t.Fatalf("re-classify: %v", err)
	}
	if g2.Status != domain.GrievanceActive || g2.Category != "roads" {
		t.Fatalf("expected active/roads, got %s/%s", g2.Status, g2.Category)
	}
}

func TestUpdateGrievanceOwnership(t *testing.T) {
	env := newTestEnv(t)
	g, err := env.Engine.SubmitGrievance(env.Ctx, engine.GrievanceCreateOptions{
		CitizenID: "citizen-1", Title: "Pothole",
	})
	if err != nil {
		t.Fatal(err)
	}
	title := "Deep pothole"
	_, err = env.Engine.UpdateGrievance(env.Ctx, engine.GrievanceUpdateOptions{
		ID: g.ID, ActorID: "citizen-2", Title: &title,
	})
	if err == nil {
		t.Fatalf("expected ownership error")
	}
	g2, err := env.Engine.UpdateGrievance(env.Ctx, engine.GrievanceUpdateOptions{
		ID: g.ID, ActorID: "citizen-1", Title: &title,
	})
	if err != nil || g2.Title != title {
		t.Fatalf("update by owner: %v", err)
	}
}

func TestUrgentSingleBidAutoAssigns(t *testing.T) {
	env := newTestEnv(t)
	g := env.openGrievance(t, domain.PriorityUrgent)
	b := env.bid(t, g.ID, "worker-1", 500, 24)

	g2, err := env.Engine.GetGrievance(env.Ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if g2.Status != domain.GrievanceAssigned {
		t.Fatalf("expected assigned, got %s", g2.Status)
	}
	if g2.AssignmentID == nil {
		t.Fatalf("expected assignment id on grievance")
	}
	a, err := env.Engine.GetAssignment(env.Ctx, *g2.AssignmentID)
	if err != nil {
		t.Fatal(err)
	}
	if a.BidID != b.ID || a.WorkerID != "worker-1" {
		t.Fatalf("wrong winner: %+v", a)
	}
	if !a.Escrow.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("escrow should equal bid amount, got %s", a.Escrow)
	}
	b2, _ := env.Engine.GetBid(env.Ctx, b.ID)
	if b2.Status != domain.BidAccepted {
		t.Fatalf("expected accepted bid, got %s", b2.Status)
	}
}

func TestThreeBidsOpenBallot(t *testing.T) {
	env := newTestEnv(t)
	g := env.openGrievance(t, domain.PriorityMedium)
	env.bid(t, g.ID, "worker-1", 900, 48)
	env.bid(t, g.ID, "worker-2", 300, 24)
	env.bid(t, g.ID, "worker-3", 600, 72)

	ballots, _, err := env.Engine.ListBallots(env.Ctx, g.ID, "", repo.Page{})
	if err != nil {
		t.Fatal(err)
	}
	if len(ballots) != 1 {
		t.Fatalf("expected one ballot, got %d", len(ballots))
	}
	b := ballots[0]
	if b.Status != domain.BallotActive || len(b.Options) != 3 {
		t.Fatalf("expected active 3-option ballot, got %s with %d options", b.Status, len(b.Options))
	}
	// cheapest and fastest bid ranks first with equal default reputation
	if b.Options[0].WorkerID != "worker-2" {
		t.Fatalf("expected worker-2 ranked first, got %s", b.Options[0].WorkerID)
	}
	// grievance still accepts bids while the ballot runs
	g2, _ := env.Engine.GetGrievance(env.Ctx, g.ID)
	if g2.Status != domain.GrievanceActive {
		t.Fatalf("expected grievance still active, got %s", g2.Status)
	}
	// a fourth bid must not open a second ballot
	env.bid(t, g.ID, "worker-4", 450, 36)
	ballots, _, _ = env.Engine.ListBallots(env.Ctx, g.ID, "", repo.Page{})
	if len(ballots) != 1 {
		t.Fatalf("expected still one ballot, got %d", len(ballots))
	}
}

func TestDuplicatePendingBidRejected(t *testing.T) {
	env := newTestEnv(t)
	g := env.openGrievance(t, domain.PriorityLow)
	env.bid(t, g.ID, "worker-1", 200, 10)
	_, err := env.Engine.SubmitBid(env.Ctx, engine.BidCreateOptions{
		GrievanceID: g.ID, WorkerID: "worker-1", Amount: decimal.NewFromInt(150), EtaHours: 8,
	})
	if err == nil {
		t.Fatalf("expected duplicate pending bid conflict")
	}
}

func TestWithdrawBid(t *testing.T) {
	env := newTestEnv(t)
	g := env.openGrievance(t, domain.PriorityLow)
	b := env.bid(t, g.ID, "worker-1", 200, 10)
	_, err := env.Engine.WithdrawBid(env.Ctx, b.ID, "worker-2")
	if err == nil {
		t.Fatalf("expected ownership error")
	}
	b2, err := env.Engine.WithdrawBid(env.Ctx, b.ID, "worker-1")
	if err != nil || b2.Status != domain.BidWithdrawn {
		t.Fatalf("withdraw: %v", err)
	}
	g2, _ := env.Engine.GetGrievance(env.Ctx, g.ID)
	if g2.BidCount != 0 {
		t.Fatalf("expected bid count back to 0, got %d", g2.BidCount)
	}
	// withdrawn bids free the worker to bid again
	env.bid(t, g.ID, "worker-1", 180, 10)
}

func TestBallotQuorumExecutesWinner(t *testing.T) {
	env := newTestEnv(t)
	env.seedDelegate(t, "delegate-1", 1)
	env.seedDelegate(t, "delegate-2", 1)
	g := env.openGrievance(t, domain.PriorityMedium)
	env.bid(t, g.ID, "worker-1", 900, 48)
	winner := env.bid(t, g.ID, "worker-2", 300, 24)
	env.bid(t, g.ID, "worker-3", 600, 72)

	ballots, _, _ := env.Engine.ListBallots(env.Ctx, g.ID, "", repo.Page{})
	ballot := ballots[0]

	// non-delegates cannot vote
	if _, err := env.Engine.CastVote(env.Ctx, ballot.ID, "citizen-1", 0); err == nil {
		t.Fatalf("expected non-delegate vote rejection")
	}

	b, err := env.Engine.CastVote(env.Ctx, ballot.ID, "delegate-1", 0)
	if err != nil {
		t.Fatalf("first vote: %v", err)
	}
	if b.Status != domain.BallotActive {
		t.Fatalf("ballot should remain active after one of two votes, got %s", b.Status)
	}
	// vote change is rejected when allow_change is off
	if _, err := env.Engine.CastVote(env.Ctx, ballot.ID, "delegate-1", 1); err == nil {
		t.Fatalf("expected duplicate vote conflict")
	}

	// the second vote reaches quorum; the ballot finalizes without waiting
	// for the window
	b, err = env.Engine.CastVote(env.Ctx, ballot.ID, "delegate-2", 0)
	if err != nil {
		t.Fatalf("second vote: %v", err)
	}
	if b.Status != domain.BallotCompleted || !b.Executed {
		t.Fatalf("expected completed executed ballot, got %s executed=%v", b.Status, b.Executed)
	}
	if b.AssignmentID == nil {
		t.Fatalf("expected assignment from ballot")
	}
	a, err := env.Engine.GetAssignment(env.Ctx, *b.AssignmentID)
	if err != nil {
		t.Fatal(err)
	}
	if a.BidID != winner.ID {
		t.Fatalf("expected option 0 winner %s, got bid %s", winner.ID, a.BidID)
	}
	// losing bids are rejected in the same transaction
	bids, _, _ := env.Engine.ListBids(env.Ctx, g.ID, repo.Page{})
	for _, bd := range bids {
		switch bd.ID {
		case winner.ID:
			if bd.Status != domain.BidAccepted {
				t.Fatalf("winner should be accepted, got %s", bd.Status)
			}
		default:
			if bd.Status != domain.BidRejected {
				t.Fatalf("loser should be rejected, got %s", bd.Status)
			}
		}
	}
}

func TestQuorumFinalizesBeforeFullElectorate(t *testing.T) {
	env := newTestEnv(t)
	env.seedDelegate(t, "delegate-1", 1)
	env.seedDelegate(t, "delegate-2", 1)
	env.seedDelegate(t, "delegate-3", 1)
	g := env.openGrievance(t, domain.PriorityMedium)
	env.bid(t, g.ID, "worker-1", 900, 48)
	env.bid(t, g.ID, "worker-2", 300, 24)
	env.bid(t, g.ID, "worker-3", 600, 72)
	ballots, _, _ := env.Engine.ListBallots(env.Ctx, g.ID, "", repo.Page{})
	ballot := ballots[0]

	b, err := env.Engine.CastVote(env.Ctx, ballot.ID, "delegate-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if b.Status != domain.BallotActive {
		t.Fatalf("one of three votes is below quorum, got %s", b.Status)
	}
	// two of three votes meet the 51% quorum; the third delegate is not needed
	b, err = env.Engine.CastVote(env.Ctx, ballot.ID, "delegate-2", 0)
	if err != nil {
		t.Fatal(err)
	}
	if b.Status != domain.BallotCompleted || !b.Executed {
		t.Fatalf("quorum must finalize the ballot, got %s executed=%v", b.Status, b.Executed)
	}
	if b.Results.TotalCast != 2 || !b.Results.QuorumReached {
		t.Fatalf("unexpected tally: %+v", b.Results)
	}
	if b.AssignmentID == nil {
		t.Fatalf("expected assignment from quorate ballot")
	}
	g2, _ := env.Engine.GetGrievance(env.Ctx, g.ID)
	if g2.Status != domain.GrievanceAssigned {
		t.Fatalf("expected assigned grievance, got %s", g2.Status)
	}
}

func TestVoteChangeAllowed(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Voting.AllowChange = true
	env.seedDelegate(t, "delegate-1", 1)
	env.seedDelegate(t, "delegate-2", 1)
	env.seedDelegate(t, "delegate-3", 1)
	g := env.openGrievance(t, domain.PriorityMedium)
	env.bid(t, g.ID, "worker-1", 900, 48)
	env.bid(t, g.ID, "worker-2", 300, 24)
	env.bid(t, g.ID, "worker-3", 600, 72)
	ballots, _, _ := env.Engine.ListBallots(env.Ctx, g.ID, "", repo.Page{})
	ballot := ballots[0]

	if _, err := env.Engine.CastVote(env.Ctx, ballot.ID, "delegate-1", 0); err != nil {
		t.Fatal(err)
	}
	b, err := env.Engine.CastVote(env.Ctx, ballot.ID, "delegate-1", 2)
	if err != nil {
		t.Fatalf("vote change: %v", err)
	}
	if b.Results.TotalCast != 1 {
		t.Fatalf("changed vote must not double-count, got %d cast", b.Results.TotalCast)
	}
	if b.Results.Options[2].VoteCount != 1 || b.Results.Options[0].VoteCount != 0 {
		t.Fatalf("tally did not follow the change: %+v", b.Results.Options)
	}
}

func TestBallotExpiresWithoutQuorum(t *testing.T) {
	env := newTestEnv(t)
	env.seedDelegate(t, "delegate-1", 1)
	env.seedDelegate(t, "delegate-2", 1)
	env.seedDelegate(t, "delegate-3", 1)
	g := env.openGrievance(t, domain.PriorityMedium)
	env.bid(t, g.ID, "worker-1", 900, 48)
	env.bid(t, g.ID, "worker-2", 300, 24)
	env.bid(t, g.ID, "worker-3", 600, 72)
	ballots, _, _ := env.Engine.ListBallots(env.Ctx, g.ID, "", repo.Page{})
	ballot := ballots[0]

	// one of three delegates votes; quorum (51% of 3 = 2) is not met
	if _, err := env.Engine.CastVote(env.Ctx, ballot.ID, "delegate-1", 0); err != nil {
		t.Fatal(err)
	}

	// jump past the voting window
	env.Engine.Now = func() time.Time { return time.Date(2026, 3, 8, 12, 0, 0, 0, time.UTC) }
	n, err := env.Engine.ExpireStaleBallots(env.Ctx)
	if err != nil {
		t.Fatalf("expire pass: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one finalized ballot, got %d", n)
	}
	b, err := env.Engine.GetBallot(env.Ctx, ballot.ID)
	if err != nil {
		t.Fatal(err)
	}
	if b.Status != domain.BallotExpired || b.Executed {
		t.Fatalf("expected expired unexecuted ballot, got %s executed=%v", b.Status, b.Executed)
	}
	// grievance stays open for bids; a steward can reopen a ballot
	g2, _ := env.Engine.GetGrievance(env.Ctx, g.ID)
	if g2.Status != domain.GrievanceActive {
		t.Fatalf("expected grievance still active, got %s", g2.Status)
	}
	if _, err := env.Engine.CreateBallot(env.Ctx, g.ID, "steward-1"); err != nil {
		t.Fatalf("steward reopen: %v", err)
	}
}

func completedAssignment(t *testing.T, env testEnv) domain.Assignment {
	t.Helper()
	g := env.openGrievance(t, domain.PriorityUrgent)
	env.bid(t, g.ID, "worker-1", 500, 24)
	g, _ = env.Engine.GetGrievance(env.Ctx, g.ID)
	a, err := env.Engine.StartAssignment(env.Ctx, *g.AssignmentID, "worker-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	a, err = env.Engine.SubmitCompletion(env.Ctx, a.ID, "worker-1", engine.CompletionOptions{
		Notes: "Replaced the fixture", DurationHours: 3,
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	return a
}

func TestCitizenApprovalReleasesFundsOnce(t *testing.T) {
	env := newTestEnv(t)
	env.seedDelegate(t, "delegate-1", 1)
	a := completedAssignment(t, env)
	if a.Completion == nil || a.Completion.Fingerprint == "" {
		t.Fatalf("expected fingerprinted completion record")
	}

	// the citizen's approval releases escrow on its own
	a, err := env.Engine.ConfirmCitizen(env.Ctx, a.ID, "citizen-1", engine.ConfirmationOptions{Approved: true, Rating: 5})
	if err != nil {
		t.Fatalf("citizen confirm: %v", err)
	}
	if !a.FundsReleased || a.Status != domain.AssignmentVerified {
		t.Fatalf("citizen approval alone must release funds: %+v", a)
	}
	g, _ := env.Engine.GetGrievance(env.Ctx, a.GrievanceID)
	if g.Status != domain.GrievanceVerified {
		t.Fatalf("grievance should follow to verified, got %s", g.Status)
	}
	w, err := env.Engine.Repo.GetWorker(env.Ctx, "worker-1")
	if err != nil || w.JobsCompleted != 1 {
		t.Fatalf("expected one completed job, got %+v (%v)", w, err)
	}

	// duplicate citizen confirmation conflicts
	if _, err := env.Engine.ConfirmCitizen(env.Ctx, a.ID, "citizen-1", engine.ConfirmationOptions{Approved: true}); err == nil {
		t.Fatalf("expected duplicate confirmation conflict")
	}

	// the delegate's later approval is recorded but releases nothing more
	a, err = env.Engine.ConfirmDelegate(env.Ctx, a.ID, "delegate-1", engine.ConfirmationOptions{Approved: true, Rating: 4})
	if err != nil {
		t.Fatalf("delegate confirm: %v", err)
	}
	if a.DelegateConfirmation == nil || !a.DelegateConfirmation.Approved {
		t.Fatalf("delegate verdict not recorded: %+v", a)
	}
	if !a.FundsReleased || a.Status != domain.AssignmentVerified {
		t.Fatalf("release must stay exactly-once: %+v", a)
	}

	// exactly one release intent exists
	intents, _, err := env.Engine.ListIntents(env.Ctx, "", repo.Page{Size: 100})
	if err != nil {
		t.Fatal(err)
	}
	releases := 0
	for _, in := range intents {
		if in.Operation == domain.OpConfirmRelease {
			releases++
		}
	}
	if releases != 1 {
		t.Fatalf("expected exactly one release intent, got %d", releases)
	}
}

func TestDelegateApprovalReleasesIndependently(t *testing.T) {
	env := newTestEnv(t)
	env.seedDelegate(t, "delegate-1", 1)
	a := completedAssignment(t, env)

	a, err := env.Engine.ConfirmDelegate(env.Ctx, a.ID, "delegate-1", engine.ConfirmationOptions{Approved: true})
	if err != nil {
		t.Fatalf("delegate confirm: %v", err)
	}
	if !a.FundsReleased || a.Status != domain.AssignmentVerified {
		t.Fatalf("delegate approval alone must release funds: %+v", a)
	}
}

func TestRejectionRecordedWithoutDispute(t *testing.T) {
	env := newTestEnv(t)
	a := completedAssignment(t, env)
	a, err := env.Engine.ConfirmCitizen(env.Ctx, a.ID, "citizen-1", engine.ConfirmationOptions{
		Approved: false, Feedback: "light still flickers",
	})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	// a rejection is bookkeeping only: no release, no status change
	if a.Status != domain.AssignmentCompleted || a.FundsReleased {
		t.Fatalf("rejection must not change status or release funds: %+v", a)
	}
	if a.CitizenConfirmation == nil || a.CitizenConfirmation.Approved {
		t.Fatalf("disapproving verdict not recorded: %+v", a)
	}
	g, _ := env.Engine.GetGrievance(env.Ctx, a.GrievanceID)
	if g.Status != domain.GrievanceCompleted {
		t.Fatalf("grievance should stay completed, got %s", g.Status)
	}

	// escalation is an explicit step
	a, err = env.Engine.RaiseDispute(env.Ctx, a.ID, "citizen-1", engine.DisputeOptions{
		Reason: "light still flickers",
	})
	if err != nil {
		t.Fatalf("raise dispute: %v", err)
	}
	if a.Status != domain.AssignmentDisputed {
		t.Fatalf("expected disputed after explicit raise, got %s", a.Status)
	}
	g, _ = env.Engine.GetGrievance(env.Ctx, a.GrievanceID)
	if g.Status != domain.GrievanceDisputed {
		t.Fatalf("grievance should follow to disputed, got %s", g.Status)
	}

	// split must sum to 100
	if _, err := env.Engine.ResolveDispute(env.Ctx, a.ID, "steward-1", engine.ResolutionOptions{CitizenPct: 50, WorkerPct: 30}); err == nil {
		t.Fatalf("expected split validation error")
	}
	a, err = env.Engine.ResolveDispute(env.Ctx, a.ID, "steward-1", engine.ResolutionOptions{
		CitizenPct: 50, WorkerPct: 30, PoolPct: 20,
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !a.Dispute.Resolved || a.Dispute.WorkerPct != 30 {
		t.Fatalf("resolution not recorded: %+v", a.Dispute)
	}
	if _, err := env.Engine.ResolveDispute(env.Ctx, a.ID, "steward-1", engine.ResolutionOptions{CitizenPct: 100}); err == nil {
		t.Fatalf("expected already-resolved conflict")
	}
}

func TestUnassignReopensBidding(t *testing.T) {
	env := newTestEnv(t)
	g := env.openGrievance(t, domain.PriorityUrgent)
	b := env.bid(t, g.ID, "worker-1", 500, 24)
	g, _ = env.Engine.GetGrievance(env.Ctx, g.ID)

	a, err := env.Engine.Unassign(env.Ctx, *g.AssignmentID, "steward-1", "worker unavailable")
	if err != nil {
		t.Fatalf("unassign: %v", err)
	}
	if a.Status != domain.AssignmentCancelled {
		t.Fatalf("expected cancelled, got %s", a.Status)
	}
	g, _ = env.Engine.GetGrievance(env.Ctx, g.ID)
	if g.Status != domain.GrievanceActive || g.AssignmentID != nil {
		t.Fatalf("grievance should reopen: %+v", g)
	}
	b2, _ := env.Engine.GetBid(env.Ctx, b.ID)
	if b2.Status != domain.BidPending {
		t.Fatalf("winning bid should return to pending, got %s", b2.Status)
	}
	// the grievance can be re-assigned through the manual path
	if _, err := env.Engine.ExecuteWinner(env.Ctx, g.ID, b.ID, "steward-1"); err != nil {
		t.Fatalf("re-execute: %v", err)
	}
}

func TestExecuteWinnerGuards(t *testing.T) {
	env := newTestEnv(t)
	g := env.openGrievance(t, domain.PriorityUrgent)
	b := env.bid(t, g.ID, "worker-1", 500, 24)
	// the auto-assignment already consumed the bid
	if _, err := env.Engine.ExecuteWinner(env.Ctx, g.ID, b.ID, "steward-1"); err == nil {
		t.Fatalf("expected conflict on already-assigned grievance")
	}

	other := env.openGrievance(t, domain.PriorityLow)
	ob := env.bid(t, other.ID, "worker-2", 400, 12)
	// bids cannot cross grievances
	if _, err := env.Engine.ExecuteWinner(env.Ctx, g.ID, ob.ID, "steward-1"); err == nil {
		t.Fatalf("expected cross-grievance bid rejection")
	}
	if _, err := env.Engine.ExecuteWinner(env.Ctx, other.ID, ob.ID, "steward-1"); err != nil {
		t.Fatalf("manual execute: %v", err)
	}
}

func TestBidValidation(t *testing.T) {
	env := newTestEnv(t)
	g := env.openGrievance(t, domain.PriorityLow)
	cases := []engine.BidCreateOptions{
		{GrievanceID: g.ID, WorkerID: "w", Amount: decimal.Zero, EtaHours: 1},
		{GrievanceID: g.ID, WorkerID: "w", Amount: decimal.NewFromInt(20000), EtaHours: 1},
		{GrievanceID: g.ID, WorkerID: "w", Amount: decimal.NewFromInt(100), EtaHours: 0},
		{GrievanceID: g.ID, WorkerID: "", Amount: decimal.NewFromInt(100), EtaHours: 1},
	}
	for i, c := range cases {
		if _, err := env.Engine.SubmitBid(env.Ctx, c); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
	// pending grievances do not accept bids
	pg, _ := env.Engine.SubmitGrievance(env.Ctx, engine.GrievanceCreateOptions{CitizenID: "c", Title: "t"})
	if _, err := env.Engine.SubmitBid(env.Ctx, engine.BidCreateOptions{
		GrievanceID: pg.ID, WorkerID: "w", Amount: decimal.NewFromInt(100), EtaHours: 1,
	}); err == nil {
		t.Fatalf("expected bid rejection on pending grievance")
	}
}

func TestIntentEnqueuedPerOperation(t *testing.T) {
	env := newTestEnv(t)
	env.seedDelegate(t, "delegate-1", 1)
	a := completedAssignment(t, env)
	_, _ = env.Engine.ConfirmCitizen(env.Ctx, a.ID, "citizen-1", engine.ConfirmationOptions{Approved: true})
	_, err := env.Engine.ConfirmDelegate(env.Ctx, a.ID, "delegate-1", engine.ConfirmationOptions{Approved: true})
	if err != nil {
		t.Fatal(err)
	}
	intents, _, err := env.Engine.ListIntents(env.Ctx, domain.IntentPending, repo.Page{Size: 100})
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]bool{
		domain.OpCommitGrievance:  false,
		domain.OpCommitBid:        false,
		domain.OpLockEscrow:       false,
		domain.OpCommitCompletion: false,
		domain.OpConfirmRelease:   false,
	}
	for _, in := range intents {
		want[in.Operation] = true
	}
	for op, seen := range want {
		if !seen {
			t.Fatalf("missing intent for %s", op)
		}
	}
}
