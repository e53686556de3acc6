package ingest_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reportline/internal/app"
	"reportline/internal/blobstore"
	"reportline/internal/config"
	"reportline/internal/db"
	"reportline/internal/engine"
	"reportline/internal/ingest"
	"reportline/internal/migrate"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// recordingStore wraps a real store and remembers deletes.
type recordingStore struct {
	*blobstore.FS
	mu      sync.Mutex
	deleted []string
}

func (s *recordingStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	s.deleted = append(s.deleted, id)
	s.mu.Unlock()
	return s.FS.Delete(ctx, id)
}

type testEnv struct {
	Engine   engine.Engine
	Ingester ingest.Ingester
	Blobs    *recordingStore
	Ctx      context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return t0 }
	ctx := context.Background()
	_, err = app.EnsureProject(ctx, eng.Repo, "proj-1", time.Hour, t0)
	require.NoError(t, err)
	_, err = eng.Repo.EnsureUser(ctx, "tester", t0)
	require.NoError(t, err)
	_, err = eng.CreateLaunch(ctx, engine.LaunchStart{UUID: "L1", ProjectName: "proj-1", Owner: "tester", Name: "run", StartTime: t0})
	require.NoError(t, err)
	_, err = eng.CreateItem(ctx, engine.ItemStart{UUID: "I1", LaunchUUID: "L1", Name: "case", Type: "TEST", StartTime: t0})
	require.NoError(t, err)

	fs, err := blobstore.NewFS(t.TempDir(), true)
	require.NoError(t, err)
	blobs := &recordingStore{FS: fs}
	return testEnv{
		Engine:   eng,
		Ingester: ingest.Ingester{Repo: eng.Repo, Blobs: blobs, Events: eng.Events, Now: eng.Now},
		Blobs:    blobs,
		Ctx:      ctx,
	}
}

func (env testEnv) count(t *testing.T, table string) int {
	t.Helper()
	var n int
	require.NoError(t, env.Engine.DB.QueryRowContext(env.Ctx, `SELECT COUNT(*) FROM `+table).Scan(&n))
	return n
}

func TestIngestItemLogWithAttachment(t *testing.T) {
	env := newTestEnv(t)
	l, err := env.Ingester.Ingest(env.Ctx, ingest.LogEvent{UUID: "log-1", ItemUUID: "I1", LaunchUUID: "L1", Level: "error", Message: "boom"},
		&ingest.AttachmentMeta{ContentType: "image/png", Content: []byte("png-bytes"), Thumbnail: []byte("thumb")})
	require.NoError(t, err)
	require.NotNil(t, l.ItemID)
	require.NotNil(t, l.AttachmentID)
	assert.Equal(t, "ERROR", l.Level)

	att, err := env.Engine.Repo.GetAttachment(env.Ctx, env.Engine.DB, *l.AttachmentID)
	require.NoError(t, err)
	data, err := env.Blobs.Load(env.Ctx, att.FileID)
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), data)
	assert.NotEmpty(t, att.ThumbnailID)
}

func TestIngestFallsBackToLaunch(t *testing.T) {
	env := newTestEnv(t)
	l, err := env.Ingester.Ingest(env.Ctx, ingest.LogEvent{UUID: "log-1", ItemUUID: "gone", LaunchUUID: "L1", Level: "INFO", Message: "m"}, nil)
	require.NoError(t, err)
	assert.Nil(t, l.ItemID)

	_, err = env.Ingester.Ingest(env.Ctx, ingest.LogEvent{UUID: "log-2", ItemUUID: "gone", LaunchUUID: "nope", Message: "m"}, nil)
	assert.True(t, errors.Is(err, ingest.ErrTargetNotFound), "got %v", err)
}

func TestIngestDuplicateUUIDStoresNothing(t *testing.T) {
	env := newTestEnv(t)
	first, err := env.Ingester.Ingest(env.Ctx, ingest.LogEvent{UUID: "log-1", LaunchUUID: "L1", Message: "m"}, nil)
	require.NoError(t, err)
	second, err := env.Ingester.Ingest(env.Ctx, ingest.LogEvent{UUID: "log-1", LaunchUUID: "L1", Message: "m"},
		&ingest.AttachmentMeta{Content: []byte("x")})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, env.count(t, "logs"))
	assert.Equal(t, 0, env.count(t, "attachments"))
}

func TestIngestCompensatesOnPersistenceFailure(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.DB.ExecContext(env.Ctx, `CREATE TRIGGER fail_logs BEFORE INSERT ON logs BEGIN SELECT RAISE(ABORT, 'disk full'); END`)
	require.NoError(t, err)

	_, err = env.Ingester.Ingest(env.Ctx, ingest.LogEvent{UUID: "log-1", ItemUUID: "I1", Message: "m"},
		&ingest.AttachmentMeta{ContentType: "image/png", Content: []byte("file"), Thumbnail: []byte("thumb")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	require.Len(t, env.Blobs.deleted, 2)
	for _, id := range env.Blobs.deleted {
		_, lerr := env.Blobs.Load(env.Ctx, id)
		assert.True(t, errors.Is(lerr, blobstore.ErrNotFound), "blob %s still present", id)
	}
	assert.Equal(t, 0, env.count(t, "logs"))
	assert.Equal(t, 0, env.count(t, "attachments"))
}

func TestIngestCompensatesPreStoredBlobs(t *testing.T) {
	env := newTestEnv(t)
	fileID, err := env.Blobs.Save(env.Ctx, []byte("file"))
	require.NoError(t, err)
	thumbID, err := env.Blobs.Save(env.Ctx, []byte("thumb"))
	require.NoError(t, err)
	_, err = env.Engine.DB.ExecContext(env.Ctx, `CREATE TRIGGER fail_logs BEFORE INSERT ON logs BEGIN SELECT RAISE(ABORT, 'disk full'); END`)
	require.NoError(t, err)

	_, err = env.Ingester.Ingest(env.Ctx, ingest.LogEvent{UUID: "log-1", LaunchUUID: "L1", Message: "m"},
		&ingest.AttachmentMeta{ContentType: "text/plain", FileID: fileID, ThumbnailID: thumbID})
	require.Error(t, err)
	assert.ElementsMatch(t, []string{fileID, thumbID}, env.Blobs.deleted)
}

func TestIngestRejectsUnusableRequests(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.Ingester.Ingest(env.Ctx, ingest.LogEvent{ItemUUID: "I1", Message: "no id"}, nil)
	assert.ErrorIs(t, err, ingest.ErrInvalidLog)
	assert.True(t, ingest.IsValidation(err))

	_, err = env.Ingester.Ingest(env.Ctx, ingest.LogEvent{UUID: "log-empty", ItemUUID: "I1", Message: "shot"},
		&ingest.AttachmentMeta{ContentType: "image/png"})
	assert.ErrorIs(t, err, ingest.ErrInvalidAttachment)
	assert.True(t, ingest.IsValidation(err))
	assert.Equal(t, 0, env.count(t, "logs"))
	assert.Equal(t, 0, env.count(t, "attachments"))

	noStore := env.Ingester
	noStore.Blobs = nil
	_, err = noStore.Ingest(env.Ctx, ingest.LogEvent{UUID: "log-inline", ItemUUID: "I1", Message: "shot"},
		&ingest.AttachmentMeta{FileID: "pre-stored", Thumbnail: []byte("thumb")})
	assert.ErrorIs(t, err, ingest.ErrNoBlobStore)
	assert.False(t, ingest.IsValidation(err))
}
