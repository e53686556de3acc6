package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"reportline/internal/domain"
)

const projectColumns = `id,name,interrupt_job_time,created_at`

func scanProject(scan func(dest ...any) error) (domain.Project, error) {
	var p domain.Project
	var seconds int64
	var created string
	if err := scan(&p.ID, &p.Name, &seconds, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return p, ErrNotFound
		}
		return p, err
	}
	p.InterruptJobTime = time.Duration(seconds) * time.Second
	t, err := ParseTime(created)
	if err != nil {
		return p, err
	}
	p.CreatedAt = t
	return p, nil
}

func (r Repo) InsertProject(ctx context.Context, q Querier, p domain.Project) (int64, error) {
	res, err := q.ExecContext(ctx, `INSERT INTO projects(name,interrupt_job_time,created_at) VALUES (?,?,?)`,
		p.Name, int64(p.InterruptJobTime/time.Second), FormatTime(p.CreatedAt))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetProject(ctx context.Context, q Querier, id int64) (domain.Project, error) {
	return scanProject(q.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id).Scan)
}

func (r Repo) GetProjectByName(ctx context.Context, q Querier, name string) (domain.Project, error) {
	return scanProject(q.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE name=?`, name).Scan)
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// SetInterruptJobTime updates the reaper threshold; zero disables reaping.
func (r Repo) SetInterruptJobTime(ctx context.Context, name string, d time.Duration) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE projects SET interrupt_job_time=? WHERE name=?`, int64(d/time.Second), name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
