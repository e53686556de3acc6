package reportlinesdk

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"reportline/internal/envelope"
	"reportline/internal/transport"
)

// Publisher sends one message; *transport.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, subject string, header map[string][]string, data []byte) error
}

// Reporter emits reporting events for one project and user with the
// header contract the consumers expect.
type Reporter struct {
	Publisher   Publisher
	ProjectName string
	Username    string
	// ContentType selects the body codec; empty means JSON.
	ContentType string
}

// NewReporter creates a JSON reporter.
func NewReporter(pub Publisher, projectName, username string) *Reporter {
	return &Reporter{Publisher: pub, ProjectName: projectName, Username: username}
}

// Launch describes a START_LAUNCH event. UUID is generated when empty.
type Launch struct {
	UUID        string
	Name        string
	Description string
	Mode        string
	StartTime   time.Time
}

// Item describes a START_TEST event. ParentUUID is empty for root items.
type Item struct {
	UUID       string
	LaunchUUID string
	ParentUUID string
	Name       string
	Type       string
	StartTime  time.Time
}

// Finish describes FINISH_TEST and FINISH_LAUNCH. An empty Status lets the
// server derive it from the children.
type Finish struct {
	Status  string
	EndTime time.Time
}

// LogEntry describes a LOG event. Attachment is optional.
type LogEntry struct {
	UUID       string
	LaunchUUID string
	ItemUUID   string
	Level      string
	Message    string
	Time       time.Time
	Attachment *Attachment
}

// Attachment carries inline bytes or ids of blobs already stored.
type Attachment struct {
	Name        string
	ContentType string
	Content     []byte
	Thumbnail   []byte
	FileID      string
	ThumbnailID string
}

// StartLaunch publishes START_LAUNCH and returns the launch uuid.
func (r *Reporter) StartLaunch(ctx context.Context, l Launch) (string, error) {
	if l.UUID == "" {
		l.UUID = uuid.NewString()
	}
	if l.StartTime.IsZero() {
		l.StartTime = time.Now().UTC()
	}
	body := envelope.StartLaunchRQ{
		UUID:        l.UUID,
		Name:        l.Name,
		Description: l.Description,
		Mode:        l.Mode,
		StartTime:   l.StartTime,
	}
	ids := map[string]string{envelope.HeaderLaunchID: l.UUID}
	return l.UUID, r.publish(ctx, envelope.StartLaunch, ids, body)
}

// StartItem publishes START_TEST and returns the item uuid.
func (r *Reporter) StartItem(ctx context.Context, it Item) (string, error) {
	if it.LaunchUUID == "" {
		return "", errors.New("launch uuid is required")
	}
	if it.UUID == "" {
		it.UUID = uuid.NewString()
	}
	if it.StartTime.IsZero() {
		it.StartTime = time.Now().UTC()
	}
	body := envelope.StartTestItemRQ{UUID: it.UUID, Name: it.Name, Type: it.Type, StartTime: it.StartTime}
	ids := map[string]string{envelope.HeaderLaunchID: it.LaunchUUID, envelope.HeaderItemID: it.UUID}
	if it.ParentUUID != "" {
		ids[envelope.HeaderParentID] = it.ParentUUID
	}
	return it.UUID, r.publish(ctx, envelope.StartTest, ids, body)
}

// FinishItem publishes FINISH_TEST.
func (r *Reporter) FinishItem(ctx context.Context, launchUUID, itemUUID string, f Finish) error {
	ids := map[string]string{envelope.HeaderItemID: itemUUID}
	if launchUUID != "" {
		ids[envelope.HeaderLaunchID] = launchUUID
	}
	return r.publish(ctx, envelope.FinishTest, ids, r.finishBody(itemUUID, f))
}

// FinishLaunch publishes FINISH_LAUNCH to the approval gate.
func (r *Reporter) FinishLaunch(ctx context.Context, launchUUID string, f Finish) error {
	ids := map[string]string{envelope.HeaderLaunchID: launchUUID}
	return r.publish(ctx, envelope.FinishLaunch, ids, r.finishBody(launchUUID, f))
}

func (r *Reporter) finishBody(target string, f Finish) envelope.FinishExecutionRQ {
	if f.EndTime.IsZero() {
		f.EndTime = time.Now().UTC()
	}
	return envelope.FinishExecutionRQ{UUID: target, Status: f.Status, EndTime: f.EndTime}
}

// Log publishes LOG and returns the log uuid.
func (r *Reporter) Log(ctx context.Context, e LogEntry) (string, error) {
	if e.LaunchUUID == "" && e.ItemUUID == "" {
		return "", errors.New("log needs a launch or item uuid")
	}
	if e.UUID == "" {
		e.UUID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	body := envelope.SaveLogRQ{
		UUID:       e.UUID,
		ItemUUID:   e.ItemUUID,
		LaunchUUID: e.LaunchUUID,
		Level:      e.Level,
		Message:    e.Message,
		LogTime:    e.Time,
	}
	if a := e.Attachment; a != nil {
		body.File = &envelope.FileRQ{
			Name:        a.Name,
			ContentType: a.ContentType,
			FileID:      a.FileID,
			ThumbnailID: a.ThumbnailID,
			Content:     a.Content,
			Thumbnail:   a.Thumbnail,
		}
	}
	ids := map[string]string{}
	if e.LaunchUUID != "" {
		ids[envelope.HeaderLaunchID] = e.LaunchUUID
	}
	if e.ItemUUID != "" {
		ids[envelope.HeaderItemID] = e.ItemUUID
	}
	return e.UUID, r.publish(ctx, envelope.Log, ids, body)
}

// Raw publishes a pre-encoded body, e.g. one read from a file by `rl emit`.
func (r *Reporter) Raw(ctx context.Context, rt envelope.RequestType, ids map[string]string, data []byte) error {
	return r.Publisher.Publish(ctx, transport.Subject(transport.EntryQueue(rt)), r.header(rt, ids), data)
}

func (r *Reporter) publish(ctx context.Context, rt envelope.RequestType, ids map[string]string, body any) error {
	ct := r.ContentType
	if ct == "" {
		ct = envelope.ContentTypeJSON
	}
	data, err := envelope.Marshal(ct, body)
	if err != nil {
		return err
	}
	return r.Raw(ctx, rt, ids, data)
}

func (r *Reporter) header(rt envelope.RequestType, ids map[string]string) map[string][]string {
	h := map[string][]string{
		envelope.HeaderRequestType: {string(rt)},
		envelope.HeaderProjectName: {r.ProjectName},
		envelope.HeaderUsername:    {r.Username},
	}
	if r.ContentType != "" && r.ContentType != envelope.ContentTypeJSON {
		h[envelope.HeaderContentType] = []string{r.ContentType}
	}
	for k, v := range ids {
		if v != "" {
			h[k] = []string{v}
		}
	}
	return h
}
