package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"civimend/internal/domain"
)

const ballotCols = `id,grievance_id,title,created_by,status,options_json,allow_change,quorum_percent,starts_at,ends_at,executed,assignment_id,created_at`

func scanBallot(scan func(...any) error) (domain.Ballot, error) {
	var b domain.Ballot
	var optionsJSON string
	var allowChange, executed int
	var assignmentID sql.NullString
	err := scan(&b.ID, &b.GrievanceID, &b.Title, &b.CreatedBy, &b.Status, &optionsJSON,
		&allowChange, &b.QuorumPercent, &b.StartsAt, &b.EndsAt, &executed, &assignmentID, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	b.AllowChange = allowChange != 0
	b.Executed = executed != 0
	if assignmentID.Valid {
		b.AssignmentID = &assignmentID.String
	}
	if err := json.Unmarshal([]byte(optionsJSON), &b.Options); err != nil {
		return b, fmt.Errorf("decode ballot options: %w", err)
	}
	return b, nil
}

func (r Repo) InsertBallot(ctx context.Context, tx *sql.Tx, b domain.Ballot) error {
	options, err := json.Marshal(b.Options)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO ballots(`+ballotCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		b.ID, b.GrievanceID, b.Title, b.CreatedBy, b.Status, string(options),
		boolInt(b.AllowChange), b.QuorumPercent, b.StartsAt, b.EndsAt, boolInt(b.Executed),
		nullableStringPtr(b.AssignmentID), b.CreatedAt)
	return err
}

func (r Repo) UpdateBallotStatus(ctx context.Context, tx *sql.Tx, id, status string, executed bool, assignmentID *string) error {
	res, err := tx.ExecContext(ctx, `UPDATE ballots SET status=?, executed=?, assignment_id=? WHERE id=?`,
		status, boolInt(executed), nullableStringPtr(assignmentID), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetBallot(ctx context.Context, id string) (domain.Ballot, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+ballotCols+` FROM ballots WHERE id=?`, id)
	b, err := scanBallot(row.Scan)
	if err != nil {
		return b, err
	}
	b.Votes, err = r.listVotes(ctx, nil, id)
	return b, err
}

func (r Repo) GetBallotTx(ctx context.Context, tx *sql.Tx, id string) (domain.Ballot, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+ballotCols+` FROM ballots WHERE id=?`, id)
	b, err := scanBallot(row.Scan)
	if err != nil {
		return b, err
	}
	b.Votes, err = r.listVotes(ctx, tx, id)
	return b, err
}

func (r Repo) listVotes(ctx context.Context, tx *sql.Tx, ballotID string) ([]domain.Vote, error) {
	query := `SELECT voter_id,option_index,weight,cast_at FROM votes WHERE ballot_id=? ORDER BY cast_at ASC, voter_id ASC`
	var rows *sql.Rows
	var err error
	if tx != nil {
		rows, err = tx.QueryContext(ctx, query, ballotID)
	} else {
		rows, err = r.DB.QueryContext(ctx, query, ballotID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var votes []domain.Vote
	for rows.Next() {
		var v domain.Vote
		var weight string
		if err := rows.Scan(&v.VoterID, &v.OptionIndex, &weight, &v.CastAt); err != nil {
			return nil, err
		}
		v.Weight = scanDecimal(weight)
		votes = append(votes, v)
	}
	return votes, rows.Err()
}

func (r Repo) InsertVote(ctx context.Context, tx *sql.Tx, ballotID string, v domain.Vote) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO votes(ballot_id,voter_id,option_index,weight,cast_at) VALUES (?,?,?,?,?)`,
		ballotID, v.VoterID, v.OptionIndex, v.Weight.String(), v.CastAt)
	return err
}

func (r Repo) UpdateVote(ctx context.Context, tx *sql.Tx, ballotID string, v domain.Vote) error {
	res, err := tx.ExecContext(ctx, `UPDATE votes SET option_index=?, weight=?, cast_at=? WHERE ballot_id=? AND voter_id=?`,
		v.OptionIndex, v.Weight.String(), v.CastAt, ballotID, v.VoterID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) HasVoted(ctx context.Context, tx *sql.Tx, ballotID, voterID string) (bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT 1 FROM votes WHERE ballot_id=? AND voter_id=? LIMIT 1`, ballotID, voterID)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// OpenBallotForGrievance returns a draft or active ballot on the grievance,
// if one exists. Used to avoid double-escalation.
func (r Repo) OpenBallotForGrievance(ctx context.Context, grievanceID string) (domain.Ballot, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+ballotCols+` FROM ballots WHERE grievance_id=? AND status IN (?,?) LIMIT 1`,
		grievanceID, domain.BallotDraft, domain.BallotActive)
	return scanBallot(row.Scan)
}

func (r Repo) ListBallots(ctx context.Context, grievanceID, status string, p Page) ([]domain.Ballot, int, error) {
	where := " WHERE 1=1"
	var args []any
	if grievanceID != "" {
		where += " AND grievance_id=?"
		args = append(args, grievanceID)
	}
	if status != "" {
		where += " AND status=?"
		args = append(args, status)
	}
	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM ballots`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	limit, offset := p.limitOffset()
	rows, err := r.DB.QueryContext(ctx, `SELECT `+ballotCols+` FROM ballots`+where+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var res []domain.Ballot
	for rows.Next() {
		b, err := scanBallot(rows.Scan)
		if err != nil {
			return nil, 0, err
		}
		res = append(res, b)
	}
	return res, total, rows.Err()
}

// StaleActiveBallots returns active ballots whose window closed before now.
// The reaper expires these; reads also expire lazily.
func (r Repo) StaleActiveBallots(ctx context.Context, now string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM ballots WHERE status=? AND ends_at<?`, domain.BallotActive, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
