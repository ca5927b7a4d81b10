package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"github.com/shopspring/decimal"

	"civimend/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// Page is limit/offset pagination input; page numbers start at 1.
type Page struct {
	Page int
	Size int
}

func (p Page) limitOffset() (int, int) {
	size := p.Size
	if size <= 0 {
		size = 20
	}
	page := p.Page
	if page <= 0 {
		page = 1
	}
	return size, (page - 1) * size
}

const grievanceCols = `id,citizen_id,title,description,location,category,priority,tags_json,status,assignment_id,bid_count,created_at,updated_at`

func scanGrievance(scan func(...any) error) (domain.Grievance, error) {
	var g domain.Grievance
	var desc, loc, tags, assignmentID sql.NullString
	err := scan(&g.ID, &g.CitizenID, &g.Title, &desc, &loc, &g.Category, &g.Priority, &tags, &g.Status, &assignmentID, &g.BidCount, &g.CreatedAt, &g.UpdatedAt)
	if err == sql.ErrNoRows {
		return g, ErrNotFound
	}
	if err != nil {
		return g, err
	}
	g.Description = desc.String
	g.Location = loc.String
	if assignmentID.Valid {
		g.AssignmentID = &assignmentID.String
	}
	if tags.Valid && tags.String != "" {
		_ = json.Unmarshal([]byte(tags.String), &g.Tags)
	}
	return g, nil
}

func (r Repo) InsertGrievance(ctx context.Context, tx *sql.Tx, g domain.Grievance) error {
	tags, err := marshalStringSlice(g.Tags)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO grievances(`+grievanceCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		g.ID, g.CitizenID, g.Title, nullable(g.Description), nullable(g.Location), g.Category, g.Priority, tags,
		g.Status, nullableStringPtr(g.AssignmentID), g.BidCount, g.CreatedAt, g.UpdatedAt)
	return err
}

func (r Repo) UpdateGrievance(ctx context.Context, tx *sql.Tx, g domain.Grievance) error {
	tags, err := marshalStringSlice(g.Tags)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE grievances SET citizen_id=?, title=?, description=?, location=?, category=?, priority=?, tags_json=?, status=?, assignment_id=?, bid_count=?, updated_at=? WHERE id=?`,
		g.CitizenID, g.Title, nullable(g.Description), nullable(g.Location), g.Category, g.Priority, tags,
		g.Status, nullableStringPtr(g.AssignmentID), g.BidCount, g.UpdatedAt, g.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetGrievance(ctx context.Context, id string) (domain.Grievance, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+grievanceCols+` FROM grievances WHERE id=?`, id)
	return scanGrievance(row.Scan)
}

func (r Repo) GetGrievanceTx(ctx context.Context, tx *sql.Tx, id string) (domain.Grievance, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+grievanceCols+` FROM grievances WHERE id=?`, id)
	return scanGrievance(row.Scan)
}

func (r Repo) DeleteGrievance(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM grievances WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type GrievanceFilters struct {
	Status    string
	CitizenID string
	Category  string
	Priority  string
}

func (r Repo) ListGrievances(ctx context.Context, f GrievanceFilters, p Page) ([]domain.Grievance, int, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CitizenID != "" {
		clauses = append(clauses, "citizen_id=?")
		args = append(args, f.CitizenID)
	}
	if f.Category != "" {
		clauses = append(clauses, "category=?")
		args = append(args, f.Category)
	}
	if f.Priority != "" {
		clauses = append(clauses, "priority=?")
		args = append(args, f.Priority)
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}
	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM grievances`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	limit, offset := p.limitOffset()
	query := `SELECT ` + grievanceCols + ` FROM grievances` + where + ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	rows, err := r.DB.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var res []domain.Grievance
	for rows.Next() {
		g, err := scanGrievance(rows.Scan)
		if err != nil {
			return nil, 0, err
		}
		res = append(res, g)
	}
	return res, total, rows.Err()
}

// --- helpers shared across repo files ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func marshalStringSlice(in []string) (any, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func scanDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
