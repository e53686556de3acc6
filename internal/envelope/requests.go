package envelope

import "time"

// StartLaunchRQ is the body of START_LAUNCH.
type StartLaunchRQ struct {
	UUID        string    `json:"uuid"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Mode        string    `json:"mode,omitempty"`
	StartTime   time.Time `json:"startTime"`
}

// FinishExecutionRQ is the body of FINISH_LAUNCH and FINISH_TEST. The
// target uuid comes from the launchId or itemId header when the body
// omits it.
type FinishExecutionRQ struct {
	UUID    string    `json:"uuid,omitempty"`
	Status  string    `json:"status,omitempty"`
	EndTime time.Time `json:"endTime"`
}

// StartTestItemRQ is the body of START_TEST.
type StartTestItemRQ struct {
	UUID      string    `json:"uuid"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	StartTime time.Time `json:"startTime"`
}

// SaveLogRQ is the body of LOG. ItemUUID is empty for launch-level logs.
type SaveLogRQ struct {
	UUID       string    `json:"uuid"`
	ItemUUID   string    `json:"itemUuid,omitempty"`
	LaunchUUID string    `json:"launchUuid,omitempty"`
	Level      string    `json:"level"`
	Message    string    `json:"message"`
	LogTime    time.Time `json:"time"`
	File       *FileRQ   `json:"file,omitempty"`
}

// FileRQ describes an attachment. Either the blob ids are already known
// (FileID, ThumbnailID) or the bytes are carried inline.
type FileRQ struct {
	Name        string `json:"name,omitempty"`
	ContentType string `json:"contentType"`
	FileID      string `json:"fileId,omitempty"`
	ThumbnailID string `json:"thumbnailId,omitempty"`
	Content     []byte `json:"content,omitempty"`
	Thumbnail   []byte `json:"thumbnail,omitempty"`
}
