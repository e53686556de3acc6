package consumer_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reportline/internal/blobstore"
	"reportline/internal/config"
	"reportline/internal/consumer"
	"reportline/internal/db"
	"reportline/internal/domain"
	"reportline/internal/engine"
	"reportline/internal/envelope"
	"reportline/internal/ingest"
	"reportline/internal/migrate"
	"reportline/internal/transport"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeDelivery struct {
	subject   string
	header    map[string][]string
	data      []byte
	attempt   int
	published time.Time

	acked  bool
	termed bool
	naks   []time.Duration
}

func (d *fakeDelivery) Subject() string             { return d.subject }
func (d *fakeDelivery) Header() map[string][]string { return d.header }
func (d *fakeDelivery) Data() []byte                { return d.data }
func (d *fakeDelivery) Attempt() int                { return d.attempt }
func (d *fakeDelivery) Published() time.Time        { return d.published }
func (d *fakeDelivery) Ack() error                  { d.acked = true; return nil }
func (d *fakeDelivery) Term() error                 { d.termed = true; return nil }
func (d *fakeDelivery) Nak(delay time.Duration) error {
	d.naks = append(d.naks, delay)
	return nil
}

type published struct {
	subject string
	header  map[string][]string
	data    []byte
}

type capturePublisher struct {
	mu   sync.Mutex
	msgs []published
}

func (p *capturePublisher) Publish(_ context.Context, subject string, header map[string][]string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{subject, header, data})
	return nil
}

func (p *capturePublisher) take() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.msgs
	p.msgs = nil
	return out
}

type testEnv struct {
	Dispatcher consumer.Dispatcher
	Engine     engine.Engine
	Pub        *capturePublisher
	Cfg        *config.Config
	Ctx        context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	cfg := config.Default()
	cfg.MaxRetry = 3
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return t0 }
	blobs, err := blobstore.NewFS(t.TempDir(), true)
	require.NoError(t, err)
	ing := ingest.Ingester{Repo: eng.Repo, Blobs: blobs, Events: eng.Events, Now: eng.Now}
	pub := &capturePublisher{}
	return testEnv{
		Dispatcher: consumer.New(eng, ing, pub, cfg, nil, nil),
		Engine:     eng,
		Pub:        pub,
		Cfg:        cfg,
		Ctx:        context.Background(),
	}
}

func message(t *testing.T, queue string, rt envelope.RequestType, ids map[string]string, body any) *fakeDelivery {
	t.Helper()
	header := map[string][]string{
		envelope.HeaderRequestType: {string(rt)},
		envelope.HeaderProjectName: {"demo"},
		envelope.HeaderUsername:    {"alice"},
	}
	for k, v := range ids {
		header[k] = []string{v}
	}
	data, err := json.Marshal(body)
	require.NoError(t, err)
	return &fakeDelivery{subject: transport.Subject(queue), header: header, data: data, published: t0.Add(-time.Minute)}
}

func (env testEnv) deliver(t *testing.T, queue string, d *fakeDelivery) consumer.Settlement {
	t.Helper()
	return env.Dispatcher.Handle(env.Ctx, queue, d)
}

func startLaunch(t *testing.T, uuid string) *fakeDelivery {
	return message(t, config.QueueLaunchStart, envelope.StartLaunch, map[string]string{envelope.HeaderLaunchID: uuid},
		envelope.StartLaunchRQ{UUID: uuid, Name: "nightly", StartTime: t0})
}

func startTest(t *testing.T, launch, item, parent string) *fakeDelivery {
	ids := map[string]string{envelope.HeaderLaunchID: launch, envelope.HeaderItemID: item}
	if parent != "" {
		ids[envelope.HeaderParentID] = parent
	}
	return message(t, config.QueueItemStart, envelope.StartTest, ids,
		envelope.StartTestItemRQ{UUID: item, Name: item, Type: "TEST", StartTime: t0})
}

func finishTest(t *testing.T, item, status string, end time.Time) *fakeDelivery {
	return message(t, config.QueueItemFinish, envelope.FinishTest, map[string]string{envelope.HeaderItemID: item},
		envelope.FinishExecutionRQ{Status: status, EndTime: end})
}

func finishLaunch(t *testing.T, queue, launch string) *fakeDelivery {
	return message(t, queue, envelope.FinishLaunch, map[string]string{envelope.HeaderLaunchID: launch},
		envelope.FinishExecutionRQ{EndTime: t0.Add(time.Minute)})
}

func saveLog(t *testing.T, uuid, item string) *fakeDelivery {
	return message(t, config.QueueLog, envelope.Log, map[string]string{envelope.HeaderItemID: item},
		envelope.SaveLogRQ{UUID: uuid, ItemUUID: item, Level: "info", Message: "hello", LogTime: t0})
}

func TestLaunchWithOneItemEndToEnd(t *testing.T) {
	env := newTestEnv(t)

	d := startLaunch(t, "L1")
	assert.Equal(t, consumer.OutcomeOK, env.deliver(t, config.QueueLaunchStart, d).Outcome)
	assert.True(t, d.acked)

	d = startTest(t, "L1", "I1", "")
	env.deliver(t, config.QueueItemStart, d)
	assert.True(t, d.acked)

	d = saveLog(t, "log-1", "I1")
	env.deliver(t, config.QueueLog, d)
	assert.True(t, d.acked)

	// The gate holds the finish while I1 runs.
	d = finishLaunch(t, config.QueueLaunchPending, "L1")
	s := env.deliver(t, config.QueueLaunchPending, d)
	assert.Equal(t, consumer.OutcomeRequeued, s.Outcome)
	assert.Equal(t, []time.Duration{env.Cfg.GateRetryDelay}, d.naks)
	assert.Empty(t, env.Pub.take())

	d = finishTest(t, "I1", "passed", t0.Add(30*time.Second))
	env.deliver(t, config.QueueItemFinish, d)
	assert.True(t, d.acked)

	d = finishLaunch(t, config.QueueLaunchPending, "L1")
	d.attempt = 1
	assert.Equal(t, consumer.OutcomeForwarded, env.deliver(t, config.QueueLaunchPending, d).Outcome)
	assert.True(t, d.acked)
	fwd := env.Pub.take()
	require.Len(t, fwd, 1)
	assert.Equal(t, transport.Subject(config.QueueLaunchApproved), fwd[0].subject)

	approved := &fakeDelivery{subject: fwd[0].subject, header: fwd[0].header, data: fwd[0].data, published: t0.Add(-5 * time.Second)}
	assert.Equal(t, consumer.OutcomeOK, env.deliver(t, config.QueueLaunchApproved, approved).Outcome)
	assert.True(t, approved.acked)

	sum, err := env.Engine.GetLaunch(env.Ctx, "L1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPassed, sum.Launch.Status)
	require.NotNil(t, sum.Launch.EndTime)
	assert.Equal(t, t0.Add(time.Minute), sum.Launch.EndTime.UTC())
	assert.Equal(t, 1, sum.ItemCounts[domain.StatusPassed])
}

func TestRedeliveryIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	deliveries := []struct {
		queue string
		mk    func() *fakeDelivery
	}{
		{config.QueueLaunchStart, func() *fakeDelivery { return startLaunch(t, "L1") }},
		{config.QueueItemStart, func() *fakeDelivery { return startTest(t, "L1", "I1", "") }},
		{config.QueueItemFinish, func() *fakeDelivery { return finishTest(t, "I1", "FAILED", t0.Add(time.Second)) }},
		{config.QueueLaunchApproved, func() *fakeDelivery { return finishLaunch(t, config.QueueLaunchApproved, "L1") }},
	}
	for _, step := range deliveries {
		d := step.mk()
		env.deliver(t, step.queue, d)
		require.True(t, d.acked, step.queue)
	}
	var events int
	require.NoError(t, env.Engine.DB.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&events))

	for _, step := range deliveries {
		d := step.mk()
		d.attempt = 1
		env.deliver(t, step.queue, d)
		assert.True(t, d.acked, step.queue)
	}

	var after, launches, items int
	require.NoError(t, env.Engine.DB.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&after))
	require.NoError(t, env.Engine.DB.QueryRow(`SELECT COUNT(*) FROM launches`).Scan(&launches))
	require.NoError(t, env.Engine.DB.QueryRow(`SELECT COUNT(*) FROM test_items`).Scan(&items))
	assert.Equal(t, events, after)
	assert.Equal(t, 1, launches)
	assert.Equal(t, 1, items)

	sum, err := env.Engine.GetLaunch(env.Ctx, "L1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, sum.Launch.Status)
}

func TestRetryBudgetExceededDeadLetters(t *testing.T) {
	env := newTestEnv(t)
	d := startLaunch(t, "L9")
	d.attempt = env.Cfg.MaxRetry + 1

	s := env.deliver(t, config.QueueLaunchStart, d)
	assert.Equal(t, consumer.OutcomeDeadLettered, s.Outcome)
	assert.True(t, d.acked)
	msgs := env.Pub.take()
	require.Len(t, msgs, 1)
	assert.Equal(t, "reporting.dlq.start_launch", msgs[0].subject)
	assert.Equal(t, d.header, msgs[0].header)
	assert.Equal(t, d.data, msgs[0].data)

	_, err := env.Engine.GetLaunch(env.Ctx, "L9")
	assert.ErrorIs(t, err, engine.ErrLaunchNotFound)
}

func TestGateDeadLettersAfterMaxRetryRejections(t *testing.T) {
	env := newTestEnv(t)
	env.deliver(t, config.QueueLaunchStart, startLaunch(t, "L1"))
	env.deliver(t, config.QueueItemStart, startTest(t, "L1", "I1", ""))

	for attempt := 0; attempt < env.Cfg.MaxRetry; attempt++ {
		d := finishLaunch(t, config.QueueLaunchPending, "L1")
		d.attempt = attempt
		assert.Equal(t, consumer.OutcomeRequeued, env.deliver(t, config.QueueLaunchPending, d).Outcome)
	}
	d := finishLaunch(t, config.QueueLaunchPending, "L1")
	d.attempt = env.Cfg.MaxRetry
	assert.Equal(t, consumer.OutcomeDeadLettered, env.deliver(t, config.QueueLaunchPending, d).Outcome)
	assert.True(t, d.acked)

	msgs := env.Pub.take()
	require.Len(t, msgs, 1)
	assert.Equal(t, "reporting.dlq.finish_launch", msgs[0].subject)
	assert.Equal(t, []string{"L1"}, msgs[0].header[envelope.HeaderLaunchID])
	assert.Equal(t, []string{"FINISH_LAUNCH"}, msgs[0].header[envelope.HeaderRequestType])
}

func TestMalformedMessagesAreTerminated(t *testing.T) {
	env := newTestEnv(t)

	d := startLaunch(t, "L1")
	delete(d.header, envelope.HeaderRequestType)
	assert.Equal(t, consumer.OutcomeMalformed, env.deliver(t, config.QueueLaunchStart, d).Outcome)
	assert.True(t, d.termed)

	d = startLaunch(t, "L1")
	d.data = []byte("{not json")
	env.deliver(t, config.QueueLaunchStart, d)
	assert.True(t, d.termed)
	assert.False(t, d.acked)
	assert.Empty(t, env.Pub.take())
}

func TestUnknownTargetsAreDropped(t *testing.T) {
	env := newTestEnv(t)

	d := finishTest(t, "ghost", "PASSED", t0)
	assert.Equal(t, consumer.OutcomeDropped, env.deliver(t, config.QueueItemFinish, d).Outcome)
	assert.True(t, d.acked)

	d = saveLog(t, "log-x", "ghost")
	assert.Equal(t, consumer.OutcomeDropped, env.deliver(t, config.QueueLog, d).Outcome)
	assert.True(t, d.acked)

	d = finishLaunch(t, config.QueueLaunchPending, "ghost")
	assert.Equal(t, consumer.OutcomeDropped, env.deliver(t, config.QueueLaunchPending, d).Outcome)
	assert.True(t, d.acked)
}

func TestItemStartBeforeLaunchIsRetried(t *testing.T) {
	env := newTestEnv(t)
	d := startTest(t, "L1", "I1", "")
	assert.Equal(t, consumer.OutcomeRequeued, env.deliver(t, config.QueueItemStart, d).Outcome)
	assert.Equal(t, []time.Duration{env.Cfg.GateRetryDelay}, d.naks)

	env.deliver(t, config.QueueLaunchStart, startLaunch(t, "L1"))
	d = startTest(t, "L1", "I1", "")
	d.attempt = 1
	env.deliver(t, config.QueueItemStart, d)
	assert.True(t, d.acked)
}

func TestInvalidEndTimeIsTerminated(t *testing.T) {
	env := newTestEnv(t)
	env.deliver(t, config.QueueLaunchStart, startLaunch(t, "L1"))
	env.deliver(t, config.QueueItemStart, startTest(t, "L1", "I1", ""))

	d := finishTest(t, "I1", "PASSED", t0.Add(-time.Hour))
	assert.Equal(t, consumer.OutcomeInvalid, env.deliver(t, config.QueueItemFinish, d).Outcome)
	assert.True(t, d.termed)
}

func TestEmptyAttachmentIsTerminated(t *testing.T) {
	env := newTestEnv(t)
	env.deliver(t, config.QueueLaunchStart, startLaunch(t, "L1"))
	env.deliver(t, config.QueueItemStart, startTest(t, "L1", "I1", ""))

	for attempt := 0; attempt <= env.Cfg.MaxRetry; attempt++ {
		d := message(t, config.QueueLog, envelope.Log, map[string]string{envelope.HeaderItemID: "I1"},
			envelope.SaveLogRQ{UUID: "log-1", ItemUUID: "I1", Level: "info", Message: "shot", LogTime: t0,
				File: &envelope.FileRQ{ContentType: "image/png"}})
		d.attempt = attempt
		assert.Equal(t, consumer.OutcomeInvalid, env.deliver(t, config.QueueLog, d).Outcome, "attempt %d", attempt)
		assert.True(t, d.termed)
		assert.Empty(t, d.naks)
	}
	assert.Empty(t, env.Pub.take())
}

func TestItemFinishWaitsForChildrenThenDeadLetters(t *testing.T) {
	env := newTestEnv(t)
	env.deliver(t, config.QueueLaunchStart, startLaunch(t, "L1"))
	env.deliver(t, config.QueueItemStart, startTest(t, "L1", "suite", ""))
	env.deliver(t, config.QueueItemStart, startTest(t, "L1", "case", "suite"))

	d := finishTest(t, "suite", "", t0.Add(time.Second))
	assert.Equal(t, consumer.OutcomeRequeued, env.deliver(t, config.QueueItemFinish, d).Outcome)
	assert.Equal(t, []time.Duration{env.Cfg.GateRetryDelay}, d.naks)

	d = finishTest(t, "suite", "", t0.Add(time.Second))
	d.attempt = env.Cfg.MaxRetry
	assert.Equal(t, consumer.OutcomeDeadLettered, env.deliver(t, config.QueueItemFinish, d).Outcome)
	msgs := env.Pub.take()
	require.Len(t, msgs, 1)
	assert.Equal(t, "reporting.dlq.finish_test", msgs[0].subject)
}

func TestApprovedQueueHoldsYoungMessages(t *testing.T) {
	env := newTestEnv(t)
	env.deliver(t, config.QueueLaunchStart, startLaunch(t, "L1"))

	d := finishLaunch(t, config.QueueLaunchApproved, "L1")
	d.published = t0.Add(-250 * time.Millisecond)
	assert.Equal(t, consumer.OutcomeHeld, env.deliver(t, config.QueueLaunchApproved, d).Outcome)
	assert.Equal(t, []time.Duration{env.Cfg.ApprovedDelay - 250*time.Millisecond}, d.naks)

	sum, err := env.Engine.GetLaunch(env.Ctx, "L1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, sum.Launch.Status)
}

func TestAutoRegisterDisabledDropsUnknownReporter(t *testing.T) {
	env := newTestEnv(t)
	env.Cfg.AutoRegister = false
	d := startLaunch(t, "L1")
	assert.Equal(t, consumer.OutcomeDropped, env.deliver(t, config.QueueLaunchStart, d).Outcome)
	assert.True(t, d.acked)
}
