package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"civimend/internal/domain"
)

const assignmentCols = `id,grievance_id,bid_id,worker_id,citizen_id,escrow,status,assigned_at,started_at,completed_at,verified_at,estimated_completion,completion_json,citizen_conf_json,delegate_conf_json,funds_released,dispute_json`

func scanAssignment(scan func(...any) error) (domain.Assignment, error) {
	var a domain.Assignment
	var escrow string
	var started, completed, verified, completionJSON, citizenJSON, delegateJSON, disputeJSON sql.NullString
	var released int
	err := scan(&a.ID, &a.GrievanceID, &a.BidID, &a.WorkerID, &a.CitizenID, &escrow, &a.Status,
		&a.AssignedAt, &started, &completed, &verified, &a.EstimatedCompletion,
		&completionJSON, &citizenJSON, &delegateJSON, &released, &disputeJSON)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Escrow = scanDecimal(escrow)
	a.FundsReleased = released != 0
	if started.Valid {
		a.StartedAt = &started.String
	}
	if completed.Valid {
		a.CompletedAt = &completed.String
	}
	if verified.Valid {
		a.VerifiedAt = &verified.String
	}
	if completionJSON.Valid && completionJSON.String != "" {
		a.Completion = &domain.Completion{}
		_ = json.Unmarshal([]byte(completionJSON.String), a.Completion)
	}
	if citizenJSON.Valid && citizenJSON.String != "" {
		a.CitizenConfirmation = &domain.Confirmation{}
		_ = json.Unmarshal([]byte(citizenJSON.String), a.CitizenConfirmation)
	}
	if delegateJSON.Valid && delegateJSON.String != "" {
		a.DelegateConfirmation = &domain.Confirmation{}
		_ = json.Unmarshal([]byte(delegateJSON.String), a.DelegateConfirmation)
	}
	if disputeJSON.Valid && disputeJSON.String != "" {
		a.Dispute = &domain.Dispute{}
		_ = json.Unmarshal([]byte(disputeJSON.String), a.Dispute)
	}
	return a, nil
}

func assignmentArgs(a domain.Assignment) ([]any, error) {
	marshalOpt := func(v any) (any, error) {
		if v == nil {
			return nil, nil
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	}
	var completionJSON, citizenJSON, delegateJSON, disputeJSON any
	var err error
	if a.Completion != nil {
		if completionJSON, err = marshalOpt(a.Completion); err != nil {
			return nil, err
		}
	}
	if a.CitizenConfirmation != nil {
		if citizenJSON, err = marshalOpt(a.CitizenConfirmation); err != nil {
			return nil, err
		}
	}
	if a.DelegateConfirmation != nil {
		if delegateJSON, err = marshalOpt(a.DelegateConfirmation); err != nil {
			return nil, err
		}
	}
	if a.Dispute != nil {
		if disputeJSON, err = marshalOpt(a.Dispute); err != nil {
			return nil, err
		}
	}
	released := 0
	if a.FundsReleased {
		released = 1
	}
	return []any{
		a.ID, a.GrievanceID, a.BidID, a.WorkerID, a.CitizenID, a.Escrow.String(), a.Status,
		a.AssignedAt, nullableStringPtr(a.StartedAt), nullableStringPtr(a.CompletedAt), nullableStringPtr(a.VerifiedAt),
		a.EstimatedCompletion, completionJSON, citizenJSON, delegateJSON, released, disputeJSON,
	}, nil
}

func (r Repo) InsertAssignment(ctx context.Context, tx *sql.Tx, a domain.Assignment) error {
	args, err := assignmentArgs(a)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO assignments(`+assignmentCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, args...)
	return err
}

func (r Repo) UpdateAssignment(ctx context.Context, tx *sql.Tx, a domain.Assignment) error {
	args, err := assignmentArgs(a)
	if err != nil {
		return err
	}
	// shift id to the WHERE position
	args = append(args[1:], a.ID)
	res, err := tx.ExecContext(ctx, `UPDATE assignments SET grievance_id=?, bid_id=?, worker_id=?, citizen_id=?, escrow=?, status=?, assigned_at=?, started_at=?, completed_at=?, verified_at=?, estimated_completion=?, completion_json=?, citizen_conf_json=?, delegate_conf_json=?, funds_released=?, dispute_json=? WHERE id=?`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetAssignment(ctx context.Context, id string) (domain.Assignment, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+assignmentCols+` FROM assignments WHERE id=?`, id)
	return scanAssignment(row.Scan)
}

func (r Repo) GetAssignmentTx(ctx context.Context, tx *sql.Tx, id string) (domain.Assignment, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+assignmentCols+` FROM assignments WHERE id=?`, id)
	return scanAssignment(row.Scan)
}

// ActiveAssignmentForGrievance returns the single non-cancelled assignment
// bound to a grievance, if any.
func (r Repo) ActiveAssignmentForGrievance(ctx context.Context, grievanceID string) (domain.Assignment, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+assignmentCols+` FROM assignments WHERE grievance_id=? AND status!=? LIMIT 1`,
		grievanceID, domain.AssignmentCancelled)
	return scanAssignment(row.Scan)
}

func (r Repo) ActiveAssignmentForGrievanceTx(ctx context.Context, tx *sql.Tx, grievanceID string) (domain.Assignment, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+assignmentCols+` FROM assignments WHERE grievance_id=? AND status!=? LIMIT 1`,
		grievanceID, domain.AssignmentCancelled)
	return scanAssignment(row.Scan)
}

type AssignmentFilters struct {
	GrievanceID string
	WorkerID    string
	Status      string
}

func (r Repo) ListAssignments(ctx context.Context, f AssignmentFilters, p Page) ([]domain.Assignment, int, error) {
	var clauses []string
	var args []any
	if f.GrievanceID != "" {
		clauses = append(clauses, "grievance_id=?")
		args = append(args, f.GrievanceID)
	}
	if f.WorkerID != "" {
		clauses = append(clauses, "worker_id=?")
		args = append(args, f.WorkerID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}
	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM assignments`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	limit, offset := p.limitOffset()
	rows, err := r.DB.QueryContext(ctx, `SELECT `+assignmentCols+` FROM assignments`+where+` ORDER BY assigned_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var res []domain.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows.Scan)
		if err != nil {
			return nil, 0, err
		}
		res = append(res, a)
	}
	return res, total, rows.Err()
}
