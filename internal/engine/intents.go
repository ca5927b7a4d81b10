package engine

import (
	"context"

	"civimend/internal/domain"
	"civimend/internal/repo"
)

func (e *Engine) GetIntent(ctx context.Context, id string) (domain.LedgerIntent, error) {
	return e.Repo.GetIntent(ctx, id)
}

// ListIntents pages through the outbox, optionally by status. Failed intents
// with exhausted attempts are the dead letter queue.
func (e *Engine) ListIntents(ctx context.Context, status string, p repo.Page) ([]domain.LedgerIntent, int, error) {
	if status != "" {
		switch status {
		case domain.IntentPending, domain.IntentProcessing, domain.IntentCompleted, domain.IntentFailed:
		default:
			return nil, 0, validationf("unknown intent status %s", status)
		}
	}
	return e.Repo.ListIntents(ctx, status, p)
}
