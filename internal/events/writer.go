package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types recorded in the activity log.
const (
	LaunchStarted     = "launch.started"
	LaunchFinished    = "launch.finished"
	LaunchInterrupted = "launch.interrupted"
	ItemStarted       = "item.started"
	ItemFinished      = "item.finished"
	LogSaved          = "log.saved"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Entry scopes an event to a project, an entity and optionally a launch.
type Entry struct {
	Type       string
	ProjectID  int64
	EntityKind string
	EntityID   string
	LaunchID   int64
	Actor      string
	Payload    EventPayload
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339Nano)
	if e.Payload == nil {
		e.Payload = EventPayload{}
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	actor := e.Actor
	if actor == "" {
		actor = "system"
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,launch_id,actor,payload_json) VALUES (?,?,?,?,?,?,?,?)`,
		ts, e.Type, nullableID(e.ProjectID), e.EntityKind, nullable(e.EntityID), nullableID(e.LaunchID), actor, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableID(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
