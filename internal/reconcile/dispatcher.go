// Package reconcile drains the ledger intent outbox. The dispatcher mirrors
// committed marketplace operations onto the external ledger asynchronously;
// local state is authoritative and never waits on the ledger.
package reconcile

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"civimend/internal/config"
	"civimend/internal/domain"
	"civimend/internal/ledger"
	"civimend/internal/repo"
)

const notifyBuffer = 256

// Dispatcher consumes ledger intents: claim, dispatch, record receipt.
// Failed intents retry with exponential backoff up to the configured attempt
// cap, then stay failed for inspection and manual retry.
type Dispatcher struct {
	Repo   repo.Repo
	Client ledger.Client
	Oracle ledger.Oracle
	Config *config.Config
	Log    *slog.Logger
	Now    func() time.Time

	notify chan string
}

func New(db *sql.DB, cfg *config.Config, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	timeout := time.Duration(cfg.Ledger.TimeoutSeconds) * time.Second
	var client ledger.Client
	if cfg.Ledger.Simulate || cfg.Ledger.Endpoint == "" {
		client = ledger.NewSimClient()
	} else {
		client = ledger.NewHTTPClient(cfg.Ledger.Endpoint, timeout)
	}
	var oracle ledger.Oracle
	if cfg.Ledger.OracleEndpoint != "" {
		oracle = ledger.NewHTTPOracle(cfg.Ledger.OracleEndpoint, timeout)
	} else {
		oracle = ledger.FixedOracle{Rate: cfg.FallbackRate()}
	}
	return &Dispatcher{
		Repo:   repo.Repo{DB: db},
		Client: client,
		Oracle: oracle,
		Config: cfg,
		Log:    log,
		Now:    time.Now,
		notify: make(chan string, notifyBuffer),
	}
}

// Notify wakes the dispatcher for a freshly committed intent. Never blocks;
// a full buffer falls back to the poll loop.
func (d *Dispatcher) Notify(intentID string) {
	select {
	case d.notify <- intentID:
	default:
	}
}

// Run processes notifications and polls for stragglers until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case id := <-d.notify:
				d.processIntent(ctx, id)
			}
		}
	})
	g.Go(func() error {
		ticker := time.NewTicker(d.pollInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if err := d.Flush(ctx); err != nil {
					d.Log.Warn("intent poll pass failed", "err", err)
				}
			}
		}
	})
	return g.Wait()
}

func (d *Dispatcher) pollInterval() time.Duration {
	base := d.Config.Ledger.BackoffBaseSecs
	if base < 1 {
		base = 2
	}
	return time.Duration(base*5) * time.Second
}

// Flush makes one pass over all pending intents. Used by the poll loop and
// the one-shot CLI path.
func (d *Dispatcher) Flush(ctx context.Context) error {
	pending, _, err := d.Repo.ListIntents(ctx, domain.IntentPending, repo.Page{Size: 500})
	if err != nil {
		return err
	}
	for _, in := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.processIntent(ctx, in.ID)
	}
	return nil
}

// Retry requeues a failed intent and wakes the dispatcher.
func (d *Dispatcher) Retry(ctx context.Context, intentID string) error {
	if err := d.Repo.RequeueIntent(ctx, intentID); err != nil {
		return err
	}
	d.Notify(intentID)
	return nil
}

// processIntent claims and dispatches one intent, retrying with exponential
// backoff until it completes or exhausts its attempts. Errors are recorded on
// the intent row, never propagated to callers.
func (d *Dispatcher) processIntent(ctx context.Context, id string) {
	for {
		claimed, err := d.Repo.MarkIntentProcessing(ctx, id)
		if err != nil {
			d.Log.Error("claim intent", "intent", id, "err", err)
			return
		}
		if !claimed {
			return
		}
		in, err := d.Repo.GetIntent(ctx, id)
		if err != nil {
			d.Log.Error("load intent", "intent", id, "err", err)
			return
		}
		receipt, tokenAmount, err := d.dispatch(ctx, in)
		now := d.Now().UTC().Format(time.RFC3339)
		if err == nil {
			if cerr := d.Repo.CompleteIntent(ctx, id, receipt.TxRef, receipt.Sequence, receipt.Simulated, tokenAmount.String(), now); cerr != nil {
				d.Log.Error("complete intent", "intent", id, "err", cerr)
				return
			}
			d.Log.Info("intent mirrored", "intent", id, "op", in.Operation, "tx_ref", receipt.TxRef, "simulated", receipt.Simulated)
			return
		}
		if ferr := d.Repo.FailIntent(ctx, id, err.Error(), now); ferr != nil {
			d.Log.Error("fail intent", "intent", id, "err", ferr)
			return
		}
		if in.Attempts >= in.MaxAttempts {
			d.Log.Error("intent exhausted retries", "intent", id, "op", in.Operation, "attempts", in.Attempts, "err", err)
			return
		}
		backoff := d.backoff(in.Attempts)
		d.Log.Warn("intent dispatch failed, retrying", "intent", id, "op", in.Operation, "attempt", in.Attempts, "backoff", backoff, "err", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		// the failed row is claimable again; loop re-claims it
	}
}

func (d *Dispatcher) backoff(attempt int) time.Duration {
	base := d.Config.Ledger.BackoffBaseSecs
	if base < 1 {
		base = 2
	}
	dur := time.Duration(base) * time.Second
	for i := 1; i < attempt && dur < time.Minute; i++ {
		dur *= 2
	}
	if dur > time.Minute {
		dur = time.Minute
	}
	return dur
}

// tokenAmount converts a native amount to ledger token units. Oracle failures
// fall back to the configured fixed rate rather than blocking the mirror.
func (d *Dispatcher) tokenAmount(ctx context.Context, amount decimal.Decimal) decimal.Decimal {
	rate, err := d.Oracle.TokenRate(ctx)
	if err != nil || rate.Sign() <= 0 {
		if err != nil {
			d.Log.Warn("token oracle unavailable, using fallback rate", "err", err)
		}
		rate = d.Config.FallbackRate()
	}
	return amount.Mul(rate)
}

func (d *Dispatcher) dispatch(ctx context.Context, in domain.LedgerIntent) (ledger.Receipt, decimal.Decimal, error) {
	timeout := time.Duration(d.Config.Ledger.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tokens := decimal.Zero
	switch in.Operation {
	case domain.OpCommitGrievance:
		g, err := d.Repo.GetGrievance(ctx, in.GrievanceID)
		if err != nil {
			return ledger.Receipt{}, tokens, err
		}
		r, err := d.Client.CommitGrievance(ctx, ledger.GrievanceRecord{
			GrievanceID: g.ID,
			CitizenID:   g.CitizenID,
			Fingerprint: in.Fingerprint,
		})
		return r, tokens, err
	case domain.OpCommitBid:
		b, err := d.Repo.GetBid(ctx, in.EntityID)
		if err != nil {
			return ledger.Receipt{}, tokens, err
		}
		tokens = d.tokenAmount(ctx, in.Amount)
		r, err := d.Client.CommitBid(ctx, ledger.BidRecord{
			BidID:       b.ID,
			GrievanceID: b.GrievanceID,
			WorkerID:    b.WorkerID,
			TokenAmount: tokens,
		})
		return r, tokens, err
	case domain.OpLockEscrow:
		a, err := d.Repo.GetAssignment(ctx, in.EntityID)
		if err != nil {
			return ledger.Receipt{}, tokens, err
		}
		tokens = d.tokenAmount(ctx, in.Amount)
		r, err := d.Client.LockEscrow(ctx, ledger.EscrowRecord{
			AssignmentID: a.ID,
			GrievanceID:  a.GrievanceID,
			WorkerID:     a.WorkerID,
			TokenAmount:  tokens,
		})
		return r, tokens, err
	case domain.OpCommitCompletion:
		r, err := d.Client.CommitCompletion(ctx, ledger.CompletionRecord{
			AssignmentID: in.EntityID,
			GrievanceID:  in.GrievanceID,
			Fingerprint:  in.Fingerprint,
		})
		return r, tokens, err
	case domain.OpConfirmRelease:
		a, err := d.Repo.GetAssignment(ctx, in.EntityID)
		if err != nil {
			return ledger.Receipt{}, tokens, err
		}
		confirmedBy := a.CitizenID
		if a.CitizenConfirmation != nil {
			confirmedBy = a.CitizenConfirmation.ConfirmedBy
		}
		tokens = d.tokenAmount(ctx, in.Amount)
		r, err := d.Client.ConfirmRelease(ctx, ledger.ReleaseRecord{
			AssignmentID: a.ID,
			GrievanceID:  a.GrievanceID,
			ConfirmedBy:  confirmedBy,
			TokenAmount:  tokens,
		})
		return r, tokens, err
	default:
		return ledger.Receipt{}, tokens, fmt.Errorf("unknown ledger operation %q", in.Operation)
	}
}
