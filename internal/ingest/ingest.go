package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"reportline/internal/blobstore"
	"reportline/internal/domain"
	"reportline/internal/events"
	"reportline/internal/repo"
)

var (
	ErrTargetNotFound = errors.New("log target not found")
	// ErrInvalidLog and ErrInvalidAttachment reject a LOG request that can
	// never succeed, no matter how often it is redelivered.
	ErrInvalidLog        = errors.New("invalid log")
	ErrInvalidAttachment = errors.New("invalid attachment")
	ErrNoBlobStore       = errors.New("no blob store configured")
)

// IsValidation reports whether err rejects the request itself.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidLog) || errors.Is(err, ErrInvalidAttachment)
}

var levels = map[string]bool{
	"FATAL": true, "ERROR": true, "WARN": true, "INFO": true, "DEBUG": true, "TRACE": true, "UNKNOWN": true,
}

// LogEvent is a LOG request. ItemUUID is tried first, then LaunchUUID.
type LogEvent struct {
	UUID       string
	ItemUUID   string
	LaunchUUID string
	Level      string
	Message    string
	LogTime    time.Time
	Actor      string
}

// AttachmentMeta binds a binary to the log. Blobs are either already in
// the store (FileID, ThumbnailID) or carried inline and saved here.
type AttachmentMeta struct {
	ContentType string
	FileID      string
	ThumbnailID string
	Content     []byte
	Thumbnail   []byte
}

type Ingester struct {
	Repo   repo.Repo
	Blobs  blobstore.Store
	Events events.Writer
	Logger *slog.Logger
	Now    func() time.Time
}

func (in Ingester) now() time.Time {
	if in.Now != nil {
		return in.Now().UTC()
	}
	return time.Now().UTC()
}

func (in Ingester) log() *slog.Logger {
	if in.Logger != nil {
		return in.Logger
	}
	return slog.Default()
}

type target struct {
	projectID int64
	launchID  int64
	itemID    *int64
}

func (in Ingester) resolve(ctx context.Context, ev LogEvent) (target, error) {
	if ev.ItemUUID != "" {
		it, err := in.Repo.GetItemByUUID(ctx, in.Repo.DB, ev.ItemUUID)
		if err == nil {
			l, err := in.Repo.GetLaunch(ctx, in.Repo.DB, it.LaunchID)
			if err != nil {
				return target{}, err
			}
			id := it.ID
			return target{projectID: l.ProjectID, launchID: l.ID, itemID: &id}, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return target{}, err
		}
	}
	if ev.LaunchUUID != "" {
		l, err := in.Repo.GetLaunchByUUID(ctx, in.Repo.DB, ev.LaunchUUID)
		if err == nil {
			return target{projectID: l.ProjectID, launchID: l.ID}, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return target{}, err
		}
	}
	return target{}, fmt.Errorf("%w: item %q launch %q", ErrTargetNotFound, ev.ItemUUID, ev.LaunchUUID)
}

// Ingest persists one log and its optional attachment. On failure no Log
// or Attachment row remains and every blob bound to the attachment has
// been deleted. A log uuid that is already stored returns the stored log.
func (in Ingester) Ingest(ctx context.Context, ev LogEvent, meta *AttachmentMeta) (domain.Log, error) {
	if ev.UUID == "" {
		return domain.Log{}, fmt.Errorf("%w: uuid is required", ErrInvalidLog)
	}
	if existing, err := in.Repo.GetLogByUUID(ctx, in.Repo.DB, ev.UUID); err == nil {
		in.log().Debug("duplicate log", "log_uuid", ev.UUID)
		return existing, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Log{}, err
	}
	tgt, err := in.resolve(ctx, ev)
	if err != nil {
		return domain.Log{}, err
	}
	now := in.now()
	level := strings.ToUpper(strings.TrimSpace(ev.Level))
	if !levels[level] {
		level = "UNKNOWN"
	}
	if ev.LogTime.IsZero() {
		ev.LogTime = now
	}
	rec := domain.Log{
		UUID:       ev.UUID,
		LaunchID:   tgt.launchID,
		ItemID:     tgt.itemID,
		Level:      level,
		Message:    ev.Message,
		LogTime:    ev.LogTime.UTC(),
		ReceivedAt: now,
	}

	var att *domain.Attachment
	var saved []string
	if meta != nil {
		a, ids, err := in.storeBlobs(ctx, meta)
		saved = ids
		if err != nil {
			return domain.Log{}, errors.Join(err, in.compensate(ctx, saved))
		}
		a.ProjectID = tgt.projectID
		a.LaunchID = tgt.launchID
		a.ItemID = tgt.itemID
		a.CreatedAt = now
		att = &a
	}

	duplicate := false
	err = in.Repo.InTx(ctx, func(tx *sql.Tx) error {
		duplicate = false
		if existing, err := in.Repo.GetLogByUUID(ctx, tx, ev.UUID); err == nil {
			duplicate = true
			rec = existing
			return nil
		} else if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		rec.AttachmentID = nil
		if att != nil {
			id, err := in.Repo.InsertAttachment(ctx, tx, *att)
			if err != nil {
				return fmt.Errorf("insert attachment: %w", err)
			}
			att.ID = id
			rec.AttachmentID = &id
		}
		id, err := in.Repo.InsertLog(ctx, tx, rec)
		if err != nil {
			return fmt.Errorf("insert log: %w", err)
		}
		rec.ID = id
		return in.Events.Append(ctx, tx, events.Entry{
			Type: events.LogSaved, ProjectID: tgt.projectID, EntityKind: "log", EntityID: rec.UUID, LaunchID: tgt.launchID,
			Actor: ev.Actor, Payload: events.EventPayload{"level": rec.Level, "attachment": att != nil},
		})
	})
	if err != nil {
		owned := saved
		if att != nil {
			owned = blobIDs(att.FileID, att.ThumbnailID)
		}
		return domain.Log{}, errors.Join(err, in.compensate(ctx, owned))
	}
	if duplicate {
		// A concurrent delivery won; drop only what this call stored.
		if cerr := in.compensate(ctx, saved); cerr != nil {
			in.log().Warn("cleanup after duplicate log", "log_uuid", ev.UUID, "err", cerr)
		}
	}
	return rec, nil
}

func (in Ingester) storeBlobs(ctx context.Context, meta *AttachmentMeta) (domain.Attachment, []string, error) {
	a := domain.Attachment{ContentType: meta.ContentType, FileID: meta.FileID, ThumbnailID: meta.ThumbnailID}
	if a.ContentType == "" {
		a.ContentType = "application/octet-stream"
	}
	var saved []string
	if a.FileID == "" {
		if len(meta.Content) == 0 {
			return a, saved, fmt.Errorf("%w: neither file id nor content", ErrInvalidAttachment)
		}
		if in.Blobs == nil {
			return a, saved, ErrNoBlobStore
		}
		id, err := in.Blobs.Save(ctx, meta.Content)
		if err != nil {
			return a, saved, fmt.Errorf("save attachment: %w", err)
		}
		a.FileID = id
		saved = append(saved, id)
	}
	if a.ThumbnailID == "" && len(meta.Thumbnail) > 0 {
		if in.Blobs == nil {
			return a, saved, ErrNoBlobStore
		}
		id, err := in.Blobs.Save(ctx, meta.Thumbnail)
		if err != nil {
			return a, saved, fmt.Errorf("save thumbnail: %w", err)
		}
		a.ThumbnailID = id
		saved = append(saved, id)
	}
	return a, saved, nil
}

// compensate deletes blobs whose owning rows were not committed. It runs
// on a context detached from cancellation so cleanup is not skipped.
func (in Ingester) compensate(ctx context.Context, ids []string) error {
	if len(ids) == 0 || in.Blobs == nil {
		return nil
	}
	ctx = context.WithoutCancel(ctx)
	var errs []error
	for _, id := range ids {
		if err := in.Blobs.Delete(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("delete blob %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func blobIDs(ids ...string) []string {
	var out []string
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}
