package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"civimend/internal/domain"
)

const bidCols = `id,grievance_id,worker_id,amount,proposal,eta_hours,skills_json,status,created_at,updated_at`

func scanBid(scan func(...any) error) (domain.Bid, error) {
	var b domain.Bid
	var amount string
	var proposal, skills sql.NullString
	err := scan(&b.ID, &b.GrievanceID, &b.WorkerID, &amount, &proposal, &b.EtaHours, &skills, &b.Status, &b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	b.Amount = scanDecimal(amount)
	b.Proposal = proposal.String
	if skills.Valid && skills.String != "" {
		_ = json.Unmarshal([]byte(skills.String), &b.Skills)
	}
	return b, nil
}

func (r Repo) InsertBid(ctx context.Context, tx *sql.Tx, b domain.Bid) error {
	skills, err := marshalStringSlice(b.Skills)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO bids(`+bidCols+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		b.ID, b.GrievanceID, b.WorkerID, b.Amount.String(), nullable(b.Proposal), b.EtaHours, skills, b.Status, b.CreatedAt, b.UpdatedAt)
	return err
}

func (r Repo) GetBid(ctx context.Context, id string) (domain.Bid, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+bidCols+` FROM bids WHERE id=?`, id)
	return scanBid(row.Scan)
}

func (r Repo) GetBidTx(ctx context.Context, tx *sql.Tx, id string) (domain.Bid, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+bidCols+` FROM bids WHERE id=?`, id)
	return scanBid(row.Scan)
}

func (r Repo) SetBidStatus(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE bids SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListBidsByGrievance(ctx context.Context, grievanceID string, p Page) ([]domain.Bid, int, error) {
	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM bids WHERE grievance_id=?`, grievanceID).Scan(&total); err != nil {
		return nil, 0, err
	}
	limit, offset := p.limitOffset()
	rows, err := r.DB.QueryContext(ctx, `SELECT `+bidCols+` FROM bids WHERE grievance_id=? ORDER BY created_at ASC, id ASC LIMIT ? OFFSET ?`,
		grievanceID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var res []domain.Bid
	for rows.Next() {
		b, err := scanBid(rows.Scan)
		if err != nil {
			return nil, 0, err
		}
		res = append(res, b)
	}
	return res, total, rows.Err()
}

// PendingBids returns the pending bids on a grievance in submission order.
func (r Repo) PendingBids(ctx context.Context, grievanceID string) ([]domain.Bid, error) {
	return r.bidsByStatus(ctx, nil, grievanceID, domain.BidPending)
}

func (r Repo) PendingBidsTx(ctx context.Context, tx *sql.Tx, grievanceID string) ([]domain.Bid, error) {
	return r.bidsByStatus(ctx, tx, grievanceID, domain.BidPending)
}

func (r Repo) RejectedBidsTx(ctx context.Context, tx *sql.Tx, grievanceID string) ([]domain.Bid, error) {
	return r.bidsByStatus(ctx, tx, grievanceID, domain.BidRejected)
}

func (r Repo) bidsByStatus(ctx context.Context, tx *sql.Tx, grievanceID, status string) ([]domain.Bid, error) {
	query := `SELECT ` + bidCols + ` FROM bids WHERE grievance_id=? AND status=? ORDER BY created_at ASC, id ASC`
	var rows *sql.Rows
	var err error
	if tx != nil {
		rows, err = tx.QueryContext(ctx, query, grievanceID, status)
	} else {
		rows, err = r.DB.QueryContext(ctx, query, grievanceID, status)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Bid
	for rows.Next() {
		b, err := scanBid(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// HasPendingBid reports whether the worker already holds a pending bid on
// the grievance.
func (r Repo) HasPendingBid(ctx context.Context, grievanceID, workerID string) (bool, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT 1 FROM bids WHERE grievance_id=? AND worker_id=? AND status=? LIMIT 1`,
		grievanceID, workerID, domain.BidPending)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}
