package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"reportline/internal/domain"
)

const launchColumns = `id,uuid,project_id,owner_id,name,description,mode,status,start_time,end_time,last_modified`

func scanLaunch(scan func(dest ...any) error) (domain.Launch, error) {
	var l domain.Launch
	var desc, end sql.NullString
	var mode, status, start, modified string
	if err := scan(&l.ID, &l.UUID, &l.ProjectID, &l.OwnerID, &l.Name, &desc, &mode, &status, &start, &end, &modified); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return l, ErrNotFound
		}
		return l, err
	}
	l.Description = desc.String
	l.Mode = domain.Mode(mode)
	l.Status = domain.Status(status)
	var err error
	if l.StartTime, err = ParseTime(start); err != nil {
		return l, err
	}
	if l.EndTime, err = parseNullTime(end); err != nil {
		return l, err
	}
	if l.LastModified, err = ParseTime(modified); err != nil {
		return l, err
	}
	return l, nil
}

func (r Repo) InsertLaunch(ctx context.Context, q Querier, l domain.Launch) (int64, error) {
	res, err := q.ExecContext(ctx, `INSERT INTO launches(uuid,project_id,owner_id,name,description,mode,status,start_time,end_time,last_modified)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		l.UUID, l.ProjectID, l.OwnerID, l.Name, nullable(l.Description), string(l.Mode), string(l.Status),
		FormatTime(l.StartTime), nullableTimePtr(l.EndTime), FormatTime(l.LastModified))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetLaunch(ctx context.Context, q Querier, id int64) (domain.Launch, error) {
	return scanLaunch(q.QueryRowContext(ctx, `SELECT `+launchColumns+` FROM launches WHERE id=?`, id).Scan)
}

func (r Repo) GetLaunchByUUID(ctx context.Context, q Querier, uuid string) (domain.Launch, error) {
	return scanLaunch(q.QueryRowContext(ctx, `SELECT `+launchColumns+` FROM launches WHERE uuid=?`, uuid).Scan)
}

// UpdateLaunchStatus sets the terminal status and end time of a launch.
func (r Repo) UpdateLaunchStatus(ctx context.Context, q Querier, id int64, status domain.Status, end, modified time.Time) error {
	res, err := q.ExecContext(ctx, `UPDATE launches SET status=?, end_time=?, last_modified=? WHERE id=?`,
		string(status), FormatTime(end), FormatTime(modified), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReapCandidate is an in-progress launch whose project has reaping enabled.
type ReapCandidate struct {
	Launch  domain.Launch
	Timeout time.Duration
}

// ListReapCandidates returns in-progress launches that started before
// now minus their project's interrupt timeout. Projects with a zero
// timeout are never returned.
func (r Repo) ListReapCandidates(ctx context.Context, now time.Time) ([]ReapCandidate, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT l.id,l.uuid,l.project_id,l.owner_id,l.name,l.description,l.mode,l.status,l.start_time,l.end_time,l.last_modified,
		p.interrupt_job_time
		FROM launches l JOIN projects p ON p.id = l.project_id
		WHERE l.status=? AND p.interrupt_job_time > 0
		ORDER BY l.id`, string(domain.StatusInProgress))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []ReapCandidate
	for rows.Next() {
		var seconds int64
		l, err := scanLaunch(func(dest ...any) error {
			return rows.Scan(append(dest, &seconds)...)
		})
		if err != nil {
			return nil, err
		}
		timeout := time.Duration(seconds) * time.Second
		if !l.StartTime.Before(now.Add(-timeout)) {
			continue
		}
		res = append(res, ReapCandidate{Launch: l, Timeout: timeout})
	}
	return res, rows.Err()
}

func (r Repo) LaunchHasItems(ctx context.Context, q Querier, launchID int64) (bool, error) {
	return exists(ctx, q, `SELECT EXISTS(SELECT 1 FROM test_items WHERE launch_id=?)`, launchID)
}

// LaunchActivitySince reports whether any item of the launch was modified,
// or any log of the launch was received, at or after since. Logs are judged
// by received_at; log_time is agent-supplied.
func (r Repo) LaunchActivitySince(ctx context.Context, q Querier, launchID int64, since time.Time) (bool, error) {
	ts := FormatTime(since)
	return exists(ctx, q, `SELECT
		EXISTS(SELECT 1 FROM test_items WHERE launch_id=? AND last_modified >= ?)
		OR EXISTS(SELECT 1 FROM logs WHERE launch_id=? AND received_at >= ?)`,
		launchID, ts, launchID, ts)
}
