package domain

import "time"

// Status is the execution status shared by launches and test items.
type Status string

const (
	StatusInProgress  Status = "IN_PROGRESS"
	StatusPassed      Status = "PASSED"
	StatusFailed      Status = "FAILED"
	StatusSkipped     Status = "SKIPPED"
	StatusStopped     Status = "STOPPED"
	StatusInterrupted Status = "INTERRUPTED"
)

// Terminal reports whether no further transitions are possible from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusPassed, StatusFailed, StatusSkipped, StatusStopped, StatusInterrupted:
		return true
	}
	return false
}

// ParseStatus accepts the upper-case wire names; empty input yields "".
func ParseStatus(v string) (Status, bool) {
	switch s := Status(v); s {
	case "", StatusInProgress, StatusPassed, StatusFailed, StatusSkipped, StatusStopped, StatusInterrupted:
		return s, true
	}
	return "", false
}

// Mode separates regular launches from debug runs excluded from analysis.
type Mode string

const (
	ModeDefault Mode = "DEFAULT"
	ModeDebug   Mode = "DEBUG"
)

type Project struct {
	ID               int64         `json:"id"`
	Name             string        `json:"name"`
	InterruptJobTime time.Duration `json:"interrupt_job_time"`
	CreatedAt        time.Time     `json:"created_at" format:"date-time"`
}

type User struct {
	ID        int64     `json:"id"`
	Login     string    `json:"login"`
	CreatedAt time.Time `json:"created_at" format:"date-time"`
}

type Launch struct {
	ID           int64      `json:"id"`
	UUID         string     `json:"uuid"`
	ProjectID    int64      `json:"project_id"`
	OwnerID      int64      `json:"owner_id"`
	Name         string     `json:"name"`
	Description  string     `json:"description,omitempty"`
	Mode         Mode       `json:"mode" enum:"DEFAULT,DEBUG"`
	Status       Status     `json:"status" enum:"IN_PROGRESS,PASSED,FAILED,STOPPED,INTERRUPTED"`
	StartTime    time.Time  `json:"start_time" format:"date-time"`
	EndTime      *time.Time `json:"end_time,omitempty" format:"date-time"`
	LastModified time.Time  `json:"last_modified" format:"date-time"`
}

type TestItem struct {
	ID           int64      `json:"id"`
	UUID         string     `json:"uuid"`
	LaunchID     int64      `json:"launch_id"`
	ParentID     *int64     `json:"parent_id,omitempty"`
	Name         string     `json:"name"`
	Type         string     `json:"type"`
	Status       Status     `json:"status" enum:"IN_PROGRESS,PASSED,FAILED,SKIPPED,STOPPED,INTERRUPTED"`
	StartTime    time.Time  `json:"start_time" format:"date-time"`
	EndTime      *time.Time `json:"end_time,omitempty" format:"date-time"`
	HasChildren  bool       `json:"has_children"`
	LastModified time.Time  `json:"last_modified" format:"date-time"`
}

type Log struct {
	ID       int64     `json:"id"`
	UUID     string    `json:"uuid"`
	LaunchID int64     `json:"launch_id"`
	ItemID   *int64    `json:"item_id,omitempty"`
	Level    string    `json:"level"`
	Message  string    `json:"message"`
	LogTime  time.Time `json:"log_time" format:"date-time"`
	// ReceivedAt is the server clock at ingestion; reaper activity uses it.
	ReceivedAt   time.Time `json:"received_at" format:"date-time"`
	AttachmentID *int64    `json:"attachment_id,omitempty"`
}

type Attachment struct {
	ID          int64     `json:"id"`
	FileID      string    `json:"file_id"`
	ThumbnailID string    `json:"thumbnail_id,omitempty"`
	ContentType string    `json:"content_type"`
	ProjectID   int64     `json:"project_id"`
	LaunchID    int64     `json:"launch_id"`
	ItemID      *int64    `json:"item_id,omitempty"`
	CreatedAt   time.Time `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  int64  `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	LaunchID   int64  `json:"launch_id,omitempty"`
	Actor      string `json:"actor"`
	Payload    string `json:"payload_json"`
}

// LaunchSummary pairs a launch with the status histogram of its items.
type LaunchSummary struct {
	Launch     Launch         `json:"launch"`
	ItemCounts map[Status]int `json:"item_counts"`
}
