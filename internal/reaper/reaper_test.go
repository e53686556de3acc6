package reaper_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reportline/internal/app"
	"reportline/internal/config"
	"reportline/internal/db"
	"reportline/internal/domain"
	"reportline/internal/engine"
	"reportline/internal/events"
	"reportline/internal/ingest"
	"reportline/internal/migrate"
	"reportline/internal/reaper"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type testEnv struct {
	Engine *engine.Engine
	Reaper *reaper.Reaper
	Ctx    context.Context
	clock  *time.Time
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	clock := t0
	now := func() time.Time { return clock }
	eng := engine.New(conn, config.Default())
	eng.Now = now
	ctx := context.Background()
	_, err = app.EnsureProject(ctx, eng.Repo, "hourly", time.Hour, t0)
	require.NoError(t, err)
	_, err = app.EnsureProject(ctx, eng.Repo, "forever", 0, t0)
	require.NoError(t, err)
	_, err = eng.Repo.EnsureUser(ctx, "tester", t0)
	require.NoError(t, err)

	r := &reaper.Reaper{Engine: eng, Repo: eng.Repo, Workers: 2, Now: now}
	return testEnv{Engine: &eng, Reaper: r, Ctx: ctx, clock: &clock}
}

func (env testEnv) advance(d time.Duration) {
	*env.clock = env.clock.Add(d)
}

func (env testEnv) launch(t *testing.T, uuid, project string, items ...string) {
	t.Helper()
	_, err := env.Engine.CreateLaunch(env.Ctx, engine.LaunchStart{UUID: uuid, ProjectName: project, Owner: "tester", Name: uuid})
	require.NoError(t, err)
	for _, it := range items {
		_, err := env.Engine.CreateItem(env.Ctx, engine.ItemStart{UUID: it, LaunchUUID: uuid, Name: it, Type: "TEST"})
		require.NoError(t, err)
	}
}

func (env testEnv) status(t *testing.T, uuid string) domain.Launch {
	t.Helper()
	sum, err := env.Engine.GetLaunch(env.Ctx, uuid)
	require.NoError(t, err)
	return sum.Launch
}

func TestZeroTimeoutIsNeverReaped(t *testing.T) {
	env := newTestEnv(t)
	env.launch(t, "L-forever", "forever", "I1")
	env.advance(30 * 24 * time.Hour)

	rep, err := env.Reaper.RunOnce(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Candidates)
	assert.Equal(t, domain.StatusInProgress, env.status(t, "L-forever").Status)
}

func TestIdleLaunchIsInterruptedAtNow(t *testing.T) {
	env := newTestEnv(t)
	env.launch(t, "L-idle", "hourly", "I1", "I2")
	env.launch(t, "L-empty", "hourly")
	env.advance(2 * time.Hour)
	now := *env.clock

	rep, err := env.Reaper.RunOnce(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Candidates)
	assert.Equal(t, 2, rep.Interrupted)
	assert.Equal(t, 0, rep.Failed)
	assert.ElementsMatch(t, []string{"L-idle", "L-empty"}, rep.Launches)

	l := env.status(t, "L-idle")
	assert.Equal(t, domain.StatusInterrupted, l.Status)
	require.NotNil(t, l.EndTime)
	assert.True(t, l.EndTime.Equal(now), "end time %v", l.EndTime)

	items, err := env.Engine.ListItems(env.Ctx, "L-idle")
	require.NoError(t, err)
	for _, it := range items {
		assert.Equal(t, domain.StatusInterrupted, it.Status, it.UUID)
		require.NotNil(t, it.EndTime)
		assert.True(t, it.EndTime.Equal(now))
	}

	evs, err := env.Engine.Repo.ListEvents(env.Ctx, l.ID)
	require.NoError(t, err)
	last := evs[len(evs)-1]
	assert.Equal(t, events.LaunchInterrupted, last.Type)
	assert.Equal(t, "reaper", last.Actor)

	// A second pass finds nothing left to do.
	rep, err = env.Reaper.RunOnce(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Candidates)
}

func TestRecentActivityKeepsLaunchAlive(t *testing.T) {
	env := newTestEnv(t)
	env.launch(t, "L-busy", "hourly", "I1")
	env.advance(90 * time.Minute)

	ing := ingest.Ingester{Repo: env.Engine.Repo, Events: env.Engine.Events, Now: env.Engine.Now}
	_, err := ing.Ingest(env.Ctx, ingest.LogEvent{UUID: "log-1", ItemUUID: "I1", Level: "INFO", Message: "still here", LogTime: *env.clock}, nil)
	require.NoError(t, err)
	env.advance(10 * time.Minute)

	rep, err := env.Reaper.RunOnce(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Candidates)
	assert.Equal(t, 0, rep.Interrupted)
	assert.Equal(t, 1, rep.Skipped)
	assert.Equal(t, domain.StatusInProgress, env.status(t, "L-busy").Status)
}

func TestLateLogCountsFromArrival(t *testing.T) {
	env := newTestEnv(t)
	env.launch(t, "L-lagging", "hourly", "I1")
	env.advance(90 * time.Minute)

	// The agent stamps the log with a time long outside the window.
	ing := ingest.Ingester{Repo: env.Engine.Repo, Events: env.Engine.Events, Now: env.Engine.Now}
	saved, err := ing.Ingest(env.Ctx, ingest.LogEvent{UUID: "log-late", ItemUUID: "I1", Level: "INFO", Message: "buffered", LogTime: t0}, nil)
	require.NoError(t, err)
	assert.True(t, saved.ReceivedAt.Equal(*env.clock), "received at %v", saved.ReceivedAt)
	env.advance(time.Minute)

	rep, err := env.Reaper.RunOnce(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Interrupted)
	assert.Equal(t, 1, rep.Skipped)
	assert.Equal(t, domain.StatusInProgress, env.status(t, "L-lagging").Status)

	stored, err := env.Engine.Repo.GetLogByUUID(env.Ctx, env.Engine.DB, "log-late")
	require.NoError(t, err)
	assert.True(t, stored.LogTime.Equal(t0))
	assert.True(t, stored.ReceivedAt.Equal(t0.Add(90*time.Minute)))
}

func TestRunStopsOnCancel(t *testing.T) {
	env := newTestEnv(t)
	env.Reaper.Interval = 5 * time.Millisecond
	ctx, cancel := context.WithCancel(env.Ctx)
	done := make(chan struct{})
	go func() {
		env.Reaper.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reaper did not stop")
	}
}
