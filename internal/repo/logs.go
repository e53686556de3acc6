package repo

import (
	"context"
	"database/sql"
	"errors"

	"reportline/internal/domain"
)

func (r Repo) InsertAttachment(ctx context.Context, q Querier, a domain.Attachment) (int64, error) {
	res, err := q.ExecContext(ctx, `INSERT INTO attachments(file_id,thumbnail_id,content_type,project_id,launch_id,item_id,created_at)
		VALUES (?,?,?,?,?,?,?)`,
		a.FileID, nullable(a.ThumbnailID), a.ContentType, a.ProjectID, a.LaunchID, nullableInt64Ptr(a.ItemID), FormatTime(a.CreatedAt))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetAttachment(ctx context.Context, q Querier, id int64) (domain.Attachment, error) {
	var a domain.Attachment
	var thumb sql.NullString
	var item sql.NullInt64
	var created string
	err := q.QueryRowContext(ctx, `SELECT id,file_id,thumbnail_id,content_type,project_id,launch_id,item_id,created_at FROM attachments WHERE id=?`, id).
		Scan(&a.ID, &a.FileID, &thumb, &a.ContentType, &a.ProjectID, &a.LaunchID, &item, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.ThumbnailID = thumb.String
	a.ItemID = parseNullInt64(item)
	a.CreatedAt, err = ParseTime(created)
	return a, err
}

func (r Repo) InsertLog(ctx context.Context, q Querier, l domain.Log) (int64, error) {
	res, err := q.ExecContext(ctx, `INSERT INTO logs(uuid,launch_id,item_id,level,message,log_time,received_at,attachment_id) VALUES (?,?,?,?,?,?,?,?)`,
		l.UUID, l.LaunchID, nullableInt64Ptr(l.ItemID), l.Level, l.Message, FormatTime(l.LogTime), FormatTime(l.ReceivedAt), nullableInt64Ptr(l.AttachmentID))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetLogByUUID(ctx context.Context, q Querier, uuid string) (domain.Log, error) {
	var l domain.Log
	var item, att sql.NullInt64
	var ts, received string
	err := q.QueryRowContext(ctx, `SELECT id,uuid,launch_id,item_id,level,message,log_time,received_at,attachment_id FROM logs WHERE uuid=?`, uuid).
		Scan(&l.ID, &l.UUID, &l.LaunchID, &item, &l.Level, &l.Message, &ts, &received, &att)
	if errors.Is(err, sql.ErrNoRows) {
		return l, ErrNotFound
	}
	if err != nil {
		return l, err
	}
	l.ItemID = parseNullInt64(item)
	l.AttachmentID = parseNullInt64(att)
	if l.LogTime, err = ParseTime(ts); err != nil {
		return l, err
	}
	l.ReceivedAt, err = ParseTime(received)
	return l, err
}

func (r Repo) CountLogs(ctx context.Context, launchID int64) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM logs WHERE launch_id=?`, launchID).Scan(&n)
	return n, err
}
