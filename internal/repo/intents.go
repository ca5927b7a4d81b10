package repo

import (
	"context"
	"database/sql"

	"civimend/internal/domain"
)

const intentCols = `id,operation,entity_kind,entity_id,grievance_id,amount,currency,token_amount,fingerprint,status,attempts,max_attempts,last_error,simulated,tx_ref,sequence,created_at,processed_at`

func scanIntent(scan func(...any) error) (domain.LedgerIntent, error) {
	var in domain.LedgerIntent
	var amount, tokenAmount string
	var currency, fingerprint, lastError, txRef, processedAt sql.NullString
	var sequence sql.NullInt64
	var simulated int
	err := scan(&in.ID, &in.Operation, &in.EntityKind, &in.EntityID, &in.GrievanceID,
		&amount, &currency, &tokenAmount, &fingerprint, &in.Status, &in.Attempts, &in.MaxAttempts,
		&lastError, &simulated, &txRef, &sequence, &in.CreatedAt, &processedAt)
	if err == sql.ErrNoRows {
		return in, ErrNotFound
	}
	if err != nil {
		return in, err
	}
	in.Amount = scanDecimal(amount)
	in.TokenAmount = scanDecimal(tokenAmount)
	in.Currency = currency.String
	in.Fingerprint = fingerprint.String
	in.LastError = lastError.String
	in.TxRef = txRef.String
	in.Simulated = simulated != 0
	if sequence.Valid {
		in.Sequence = sequence.Int64
	}
	if processedAt.Valid {
		in.ProcessedAt = &processedAt.String
	}
	return in, nil
}

// InsertIntent appends the intent inside the caller's transaction, so intent
// and authoritative mutation commit or fail together (outbox pattern).
func (r Repo) InsertIntent(ctx context.Context, tx *sql.Tx, in domain.LedgerIntent) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO ledger_intents(id,operation,entity_kind,entity_id,grievance_id,amount,currency,token_amount,fingerprint,status,attempts,max_attempts,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		in.ID, in.Operation, in.EntityKind, in.EntityID, in.GrievanceID,
		in.Amount.String(), nullable(in.Currency), in.TokenAmount.String(), nullable(in.Fingerprint),
		in.Status, in.Attempts, in.MaxAttempts, in.CreatedAt)
	return err
}

func (r Repo) GetIntent(ctx context.Context, id string) (domain.LedgerIntent, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+intentCols+` FROM ledger_intents WHERE id=?`, id)
	return scanIntent(row.Scan)
}

// MarkIntentProcessing claims a pending or failed intent for dispatch. The
// single UPDATE guarded by the status check keeps two dispatchers from
// processing the same intent.
func (r Repo) MarkIntentProcessing(ctx context.Context, id string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE ledger_intents SET status=?, attempts=attempts+1 WHERE id=? AND status IN (?,?)`,
		domain.IntentProcessing, id, domain.IntentPending, domain.IntentFailed)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) CompleteIntent(ctx context.Context, id, txRef string, sequence int64, simulated bool, tokenAmount, processedAt string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE ledger_intents SET status=?, tx_ref=?, sequence=?, simulated=?, token_amount=?, last_error=NULL, processed_at=? WHERE id=?`,
		domain.IntentCompleted, txRef, sequence, boolInt(simulated), tokenAmount, processedAt, id)
	return err
}

func (r Repo) FailIntent(ctx context.Context, id, lastError, processedAt string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE ledger_intents SET status=?, last_error=?, processed_at=? WHERE id=?`,
		domain.IntentFailed, lastError, processedAt, id)
	return err
}

// RequeueIntent puts a failed intent back to pending for a retry pass.
func (r Repo) RequeueIntent(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE ledger_intents SET status=? WHERE id=? AND status=?`,
		domain.IntentPending, id, domain.IntentFailed)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListIntents(ctx context.Context, status string, p Page) ([]domain.LedgerIntent, int, error) {
	where := ""
	var args []any
	if status != "" {
		where = " WHERE status=?"
		args = append(args, status)
	}
	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM ledger_intents`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	limit, offset := p.limitOffset()
	rows, err := r.DB.QueryContext(ctx, `SELECT `+intentCols+` FROM ledger_intents`+where+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var res []domain.LedgerIntent
	for rows.Next() {
		in, err := scanIntent(rows.Scan)
		if err != nil {
			return nil, 0, err
		}
		res = append(res, in)
	}
	return res, total, rows.Err()
}
