package repo

import (
	"context"
	"database/sql"

	"reportline/internal/domain"
)

// ListEvents returns the activity log of a launch, oldest first.
func (r Repo) ListEvents(ctx context.Context, launchID int64) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,project_id,entity_kind,entity_id,launch_id,actor,payload_json
		FROM events WHERE launch_id=? ORDER BY id`, launchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var (
			ev        domain.Event
			projectID sql.NullInt64
			entityID  sql.NullString
			launch    sql.NullInt64
		)
		if err := rows.Scan(&ev.ID, &ev.TS, &ev.Type, &projectID, &ev.EntityKind, &entityID, &launch, &ev.Actor, &ev.Payload); err != nil {
			return nil, err
		}
		ev.ProjectID = projectID.Int64
		ev.EntityID = entityID.String
		ev.LaunchID = launch.Int64
		res = append(res, ev)
	}
	return res, rows.Err()
}
