package engine

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"civimend/internal/config"
	"civimend/internal/domain"
	"civimend/internal/events"
	"civimend/internal/repo"
)

// IntentQueue wakes the reconciliation dispatcher after an intent row has
// committed. Notify must never block the caller.
type IntentQueue interface {
	Notify(intentID string)
}

// Engine is the coordination core: grievance lifecycle, bid marketplace,
// quorum voting, and assignment settlement. Every mutation commits to the
// local store first; ledger mirroring happens afterwards through the queue.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Queue  IntentQueue
	Now    func() time.Time

	grievanceMu  *keyedMutex
	ballotMu     *keyedMutex
	assignmentMu *keyedMutex
}

func New(db *sql.DB, cfg *config.Config) *Engine {
	return &Engine{
		DB:           db,
		Repo:         repo.Repo{DB: db},
		Events:       events.Writer{DB: db},
		Config:       cfg,
		Now:          time.Now,
		grievanceMu:  newKeyedMutex(),
		ballotMu:     newKeyedMutex(),
		assignmentMu: newKeyedMutex(),
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) nowString() string {
	return e.now().UTC().Format(time.RFC3339)
}

func newID() string {
	return uuid.New().String()
}

// notifyIntents wakes the dispatcher for intent rows that are already
// committed. Called strictly after tx.Commit.
func (e *Engine) notifyIntents(ids []string) {
	if e.Queue == nil {
		return
	}
	for _, id := range ids {
		e.Queue.Notify(id)
	}
}

// enqueueIntent appends a ledger intent row inside the caller's transaction
// so the authoritative mutation and its mirror intent commit together.
func (e *Engine) enqueueIntent(ctx context.Context, tx *sql.Tx, in domain.LedgerIntent) (string, error) {
	in.ID = newID()
	in.Status = domain.IntentPending
	in.MaxAttempts = e.Config.Ledger.MaxAttempts
	if in.MaxAttempts < 1 {
		in.MaxAttempts = 1
	}
	if in.Currency == "" {
		in.Currency = e.Config.Marketplace.Currency
	}
	in.CreatedAt = e.nowString()
	if err := e.Repo.InsertIntent(ctx, tx, in); err != nil {
		return "", err
	}
	return in.ID, nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
