package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"reportline/internal/domain"
)

const itemColumns = `id,uuid,launch_id,parent_id,name,type,status,start_time,end_time,has_children,last_modified`

func scanItem(scan func(dest ...any) error) (domain.TestItem, error) {
	var it domain.TestItem
	var parent sql.NullInt64
	var end sql.NullString
	var status, start, modified string
	var hasChildren int
	if err := scan(&it.ID, &it.UUID, &it.LaunchID, &parent, &it.Name, &it.Type, &status, &start, &end, &hasChildren, &modified); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return it, ErrNotFound
		}
		return it, err
	}
	it.ParentID = parseNullInt64(parent)
	it.Status = domain.Status(status)
	it.HasChildren = hasChildren != 0
	var err error
	if it.StartTime, err = ParseTime(start); err != nil {
		return it, err
	}
	if it.EndTime, err = parseNullTime(end); err != nil {
		return it, err
	}
	if it.LastModified, err = ParseTime(modified); err != nil {
		return it, err
	}
	return it, nil
}

func (r Repo) InsertItem(ctx context.Context, q Querier, it domain.TestItem) (int64, error) {
	hasChildren := 0
	if it.HasChildren {
		hasChildren = 1
	}
	res, err := q.ExecContext(ctx, `INSERT INTO test_items(uuid,launch_id,parent_id,name,type,status,start_time,end_time,has_children,last_modified)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		it.UUID, it.LaunchID, nullableInt64Ptr(it.ParentID), it.Name, it.Type, string(it.Status),
		FormatTime(it.StartTime), nullableTimePtr(it.EndTime), hasChildren, FormatTime(it.LastModified))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetItem(ctx context.Context, q Querier, id int64) (domain.TestItem, error) {
	return scanItem(q.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM test_items WHERE id=?`, id).Scan)
}

func (r Repo) GetItemByUUID(ctx context.Context, q Querier, uuid string) (domain.TestItem, error) {
	return scanItem(q.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM test_items WHERE uuid=?`, uuid).Scan)
}

func (r Repo) MarkHasChildren(ctx context.Context, q Querier, id int64, modified time.Time) error {
	_, err := q.ExecContext(ctx, `UPDATE test_items SET has_children=1, last_modified=? WHERE id=?`, FormatTime(modified), id)
	return err
}

func (r Repo) UpdateItemStatus(ctx context.Context, q Querier, id int64, status domain.Status, end, modified time.Time) error {
	res, err := q.ExecContext(ctx, `UPDATE test_items SET status=?, end_time=?, last_modified=? WHERE id=?`,
		string(status), FormatTime(end), FormatTime(modified), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ChildStatuses(ctx context.Context, q Querier, parentID int64) ([]domain.Status, error) {
	return r.statuses(ctx, q, `SELECT status FROM test_items WHERE parent_id=?`, parentID)
}

func (r Repo) RootItemStatuses(ctx context.Context, q Querier, launchID int64) ([]domain.Status, error) {
	return r.statuses(ctx, q, `SELECT status FROM test_items WHERE launch_id=? AND parent_id IS NULL`, launchID)
}

func (r Repo) statuses(ctx context.Context, q Querier, query string, args ...any) ([]domain.Status, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Status
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		res = append(res, domain.Status(s))
	}
	return res, rows.Err()
}

func (r Repo) AnyItemInProgress(ctx context.Context, q Querier, launchID int64) (bool, error) {
	return exists(ctx, q, `SELECT EXISTS(SELECT 1 FROM test_items WHERE launch_id=? AND status=?)`,
		launchID, string(domain.StatusInProgress))
}

// AnyDescendantInProgress walks the subtree below itemID.
func (r Repo) AnyDescendantInProgress(ctx context.Context, q Querier, itemID int64) (bool, error) {
	return exists(ctx, q, `WITH RECURSIVE sub(id) AS (
			SELECT id FROM test_items WHERE parent_id=?
			UNION ALL
			SELECT t.id FROM test_items t JOIN sub ON t.parent_id = sub.id
		)
		SELECT EXISTS(SELECT 1 FROM test_items WHERE id IN (SELECT id FROM sub) AND status=?)`,
		itemID, string(domain.StatusInProgress))
}

// InterruptInProgressItems moves every in-progress item of the launch to
// INTERRUPTED and returns how many rows changed.
func (r Repo) InterruptInProgressItems(ctx context.Context, q Querier, launchID int64, end time.Time) (int64, error) {
	ts := FormatTime(end)
	res, err := q.ExecContext(ctx, `UPDATE test_items SET status=?, end_time=?, last_modified=? WHERE launch_id=? AND status=?`,
		string(domain.StatusInterrupted), ts, ts, launchID, string(domain.StatusInProgress))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) ListItems(ctx context.Context, launchID int64) ([]domain.TestItem, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+itemColumns+` FROM test_items WHERE launch_id=? ORDER BY id`, launchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TestItem
	for rows.Next() {
		it, err := scanItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

func (r Repo) CountItemsByStatus(ctx context.Context, launchID int64) (map[domain.Status]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM test_items WHERE launch_id=? GROUP BY status`, launchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.Status]int{}
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		res[domain.Status(s)] = n
	}
	return res, rows.Err()
}
