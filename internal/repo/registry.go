package repo

import (
	"context"
	"database/sql"

	"civimend/internal/domain"
)

func (r Repo) UpsertWorker(ctx context.Context, w domain.Worker) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO workers(id,name,reputation,jobs_completed,created_at) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, reputation=excluded.reputation, jobs_completed=excluded.jobs_completed`,
		w.ID, nullable(w.Name), w.Reputation, w.JobsCompleted, w.CreatedAt)
	return err
}

func (r Repo) GetWorker(ctx context.Context, id string) (domain.Worker, error) {
	var w domain.Worker
	var name sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,reputation,jobs_completed,created_at FROM workers WHERE id=?`, id).
		Scan(&w.ID, &name, &w.Reputation, &w.JobsCompleted, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	w.Name = name.String
	return w, err
}

func (r Repo) IncrementWorkerJobs(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `UPDATE workers SET jobs_completed=jobs_completed+1 WHERE id=?`, id)
	return err
}

func (r Repo) ListWorkers(ctx context.Context, p Page) ([]domain.Worker, int, error) {
	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM workers`).Scan(&total); err != nil {
		return nil, 0, err
	}
	limit, offset := p.limitOffset()
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,reputation,jobs_completed,created_at FROM workers ORDER BY id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var res []domain.Worker
	for rows.Next() {
		var w domain.Worker
		var name sql.NullString
		if err := rows.Scan(&w.ID, &name, &w.Reputation, &w.JobsCompleted, &w.CreatedAt); err != nil {
			return nil, 0, err
		}
		w.Name = name.String
		res = append(res, w)
	}
	return res, total, rows.Err()
}

func (r Repo) UpsertDelegate(ctx context.Context, d domain.Delegate) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO delegates(id,name,weight,active,created_at) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, weight=excluded.weight, active=excluded.active`,
		d.ID, nullable(d.Name), d.Weight.String(), boolInt(d.Active), d.CreatedAt)
	return err
}

func (r Repo) GetDelegate(ctx context.Context, id string) (domain.Delegate, error) {
	var d domain.Delegate
	var name sql.NullString
	var weight string
	var active int
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,weight,active,created_at FROM delegates WHERE id=?`, id).
		Scan(&d.ID, &name, &weight, &active, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.Name = name.String
	d.Weight = scanDecimal(weight)
	d.Active = active != 0
	return d, nil
}

// CountActiveDelegates is the quorum base: the number of currently-active
// eligible voters.
func (r Repo) CountActiveDelegates(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM delegates WHERE active=1`).Scan(&n)
	return n, err
}

func (r Repo) ListDelegates(ctx context.Context, p Page) ([]domain.Delegate, int, error) {
	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM delegates`).Scan(&total); err != nil {
		return nil, 0, err
	}
	limit, offset := p.limitOffset()
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,weight,active,created_at FROM delegates ORDER BY id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var res []domain.Delegate
	for rows.Next() {
		var d domain.Delegate
		var name sql.NullString
		var weight string
		var active int
		if err := rows.Scan(&d.ID, &name, &weight, &active, &d.CreatedAt); err != nil {
			return nil, 0, err
		}
		d.Name = name.String
		d.Weight = scanDecimal(weight)
		d.Active = active != 0
		res = append(res, d)
	}
	return res, total, rows.Err()
}
