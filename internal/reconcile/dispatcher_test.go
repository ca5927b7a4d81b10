package reconcile_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"civimend/internal/config"
	"civimend/internal/db"
	"civimend/internal/domain"
	"civimend/internal/engine"
	"civimend/internal/ledger"
	"civimend/internal/migrate"
	"civimend/internal/reconcile"
	"civimend/internal/repo"
)

type dispatchEnv struct {
	Engine     *engine.Engine
	Dispatcher *reconcile.Dispatcher
	Ctx        context.Context
}

func newDispatchEnv(t *testing.T) dispatchEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := reconcile.New(conn, cfg, log)
	e := engine.New(conn, cfg)
	return dispatchEnv{Engine: e, Dispatcher: d, Ctx: context.Background()}
}

// failClient refuses every ledger call.
type failClient struct{}

func (failClient) CommitGrievance(ctx context.Context, rec ledger.GrievanceRecord) (ledger.Receipt, error) {
	return ledger.Receipt{}, errors.New("ledger unreachable")
}
func (failClient) CommitBid(ctx context.Context, rec ledger.BidRecord) (ledger.Receipt, error) {
	return ledger.Receipt{}, errors.New("ledger unreachable")
}
func (failClient) LockEscrow(ctx context.Context, rec ledger.EscrowRecord) (ledger.Receipt, error) {
	return ledger.Receipt{}, errors.New("ledger unreachable")
}
func (failClient) CommitCompletion(ctx context.Context, rec ledger.CompletionRecord) (ledger.Receipt, error) {
	return ledger.Receipt{}, errors.New("ledger unreachable")
}
func (failClient) ConfirmRelease(ctx context.Context, rec ledger.ReleaseRecord) (ledger.Receipt, error) {
	return ledger.Receipt{}, errors.New("ledger unreachable")
}

func pendingIntent(t *testing.T, env dispatchEnv) domain.LedgerIntent {
	t.Helper()
	if _, err := env.Engine.SubmitGrievance(env.Ctx, engine.GrievanceCreateOptions{
		CitizenID: "citizen-1", Title: "Leaking hydrant",
	}); err != nil {
		t.Fatalf("submit grievance: %v", err)
	}
	intents, _, err := env.Engine.ListIntents(env.Ctx, domain.IntentPending, repo.Page{})
	if err != nil {
		t.Fatal(err)
	}
	if len(intents) != 1 {
		t.Fatalf("expected one pending intent, got %d", len(intents))
	}
	return intents[0]
}

func TestFlushCompletesIntentsSimulated(t *testing.T) {
	env := newDispatchEnv(t)
	in := pendingIntent(t, env)

	if err := env.Dispatcher.Flush(env.Ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	in, err := env.Engine.GetIntent(env.Ctx, in.ID)
	if err != nil {
		t.Fatal(err)
	}
	if in.Status != domain.IntentCompleted {
		t.Fatalf("expected completed, got %s (%s)", in.Status, in.LastError)
	}
	if !in.Simulated || !strings.HasPrefix(in.TxRef, "sim-") {
		t.Fatalf("expected simulated receipt, got %+v", in)
	}
	if in.Attempts != 1 {
		t.Fatalf("expected a single attempt, got %d", in.Attempts)
	}
	if in.ProcessedAt == nil {
		t.Fatalf("expected processed timestamp")
	}
}

func TestExhaustedIntentStaysFailedUntilRetried(t *testing.T) {
	env := newDispatchEnv(t)
	env.Dispatcher.Config.Ledger.MaxAttempts = 1
	in := pendingIntent(t, env)

	env.Dispatcher.Client = failClient{}
	if err := env.Dispatcher.Flush(env.Ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	in, err := env.Engine.GetIntent(env.Ctx, in.ID)
	if err != nil {
		t.Fatal(err)
	}
	if in.Status != domain.IntentFailed || in.Attempts != 1 {
		t.Fatalf("expected failed after one attempt, got %s attempts=%d", in.Status, in.Attempts)
	}
	if in.LastError == "" {
		t.Fatalf("expected recorded error")
	}
	// a second pass must not touch the dead-lettered intent
	if err := env.Dispatcher.Flush(env.Ctx); err != nil {
		t.Fatal(err)
	}
	in, _ = env.Engine.GetIntent(env.Ctx, in.ID)
	if in.Attempts != 1 {
		t.Fatalf("dead-lettered intent was re-attempted: %d", in.Attempts)
	}

	// manual retry requeues; with the ledger back the mirror completes
	env.Dispatcher.Client = ledger.NewSimClient()
	if err := env.Dispatcher.Retry(env.Ctx, in.ID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if err := env.Dispatcher.Flush(env.Ctx); err != nil {
		t.Fatal(err)
	}
	in, _ = env.Engine.GetIntent(env.Ctx, in.ID)
	if in.Status != domain.IntentCompleted {
		t.Fatalf("expected completed after retry, got %s (%s)", in.Status, in.LastError)
	}
}

func TestBidIntentCarriesTokenAmount(t *testing.T) {
	env := newDispatchEnv(t)
	g, err := env.Engine.SubmitGrievance(env.Ctx, engine.GrievanceCreateOptions{
		CitizenID: "citizen-1", Title: "Cracked sidewalk",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ApplyClassification(env.Ctx, g.ID, engine.Classification{Category: "roads"}, "classifier"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ActivateGrievance(env.Ctx, g.ID, "steward-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SubmitBid(env.Ctx, engine.BidCreateOptions{
		GrievanceID: g.ID, WorkerID: "worker-1", Amount: decimal.NewFromInt(500), EtaHours: 8,
	}); err != nil {
		t.Fatal(err)
	}

	if err := env.Dispatcher.Flush(env.Ctx); err != nil {
		t.Fatal(err)
	}
	intents, _, err := env.Engine.ListIntents(env.Ctx, domain.IntentCompleted, repo.Page{Size: 10})
	if err != nil {
		t.Fatal(err)
	}
	var bidIntent *domain.LedgerIntent
	for i := range intents {
		if intents[i].Operation == domain.OpCommitBid {
			bidIntent = &intents[i]
		}
	}
	if bidIntent == nil {
		t.Fatalf("bid intent not mirrored: %+v", intents)
	}
	// the fixed fallback oracle rate is 1, so tokens equal the native amount
	if !bidIntent.TokenAmount.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("expected 500 tokens, got %s", bidIntent.TokenAmount)
	}
}
