package reportlinesdk

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reportline/internal/envelope"
)

type sent struct {
	subject string
	header  map[string][]string
	data    []byte
}

type capturePublisher struct{ msgs []sent }

func (p *capturePublisher) Publish(_ context.Context, subject string, header map[string][]string, data []byte) error {
	p.msgs = append(p.msgs, sent{subject, header, data})
	return nil
}

func TestReporterHeaderContract(t *testing.T) {
	pub := &capturePublisher{}
	r := NewReporter(pub, "demo", "alice")
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	launch, err := r.StartLaunch(ctx, Launch{Name: "nightly", StartTime: start})
	require.NoError(t, err)
	assert.NotEmpty(t, launch)
	suite, err := r.StartItem(ctx, Item{LaunchUUID: launch, Name: "suite", Type: "SUITE", StartTime: start})
	require.NoError(t, err)
	_, err = r.StartItem(ctx, Item{UUID: "case-1", LaunchUUID: launch, ParentUUID: suite, Name: "case", Type: "TEST", StartTime: start})
	require.NoError(t, err)
	require.NoError(t, r.FinishItem(ctx, launch, "case-1", Finish{Status: "PASSED", EndTime: start}))
	_, err = r.Log(ctx, LogEntry{ItemUUID: "case-1", Level: "INFO", Message: "ok", Time: start})
	require.NoError(t, err)
	require.NoError(t, r.FinishLaunch(ctx, launch, Finish{EndTime: start}))

	require.Len(t, pub.msgs, 6)
	subjects := make([]string, 0, len(pub.msgs))
	for _, m := range pub.msgs {
		subjects = append(subjects, m.subject)
	}
	assert.Equal(t, []string{
		"reporting.launch.start",
		"reporting.item.start",
		"reporting.item.start",
		"reporting.item.finish",
		"reporting.log",
		"reporting.launch.finish.pending-approval",
	}, subjects)

	child := pub.msgs[2]
	env, err := envelope.Decode(child.header, child.data, 0)
	require.NoError(t, err)
	assert.Equal(t, envelope.StartTest, env.Type)
	assert.Equal(t, "demo", env.ProjectName)
	assert.Equal(t, "alice", env.Username)
	assert.Equal(t, launch, env.LaunchUUID)
	assert.Equal(t, suite, env.ParentUUID)
	assert.Equal(t, "case-1", env.ItemUUID)

	fin := pub.msgs[5]
	env, err = envelope.Decode(fin.header, fin.data, 0)
	require.NoError(t, err)
	assert.Equal(t, envelope.FinishLaunch, env.Type)
	assert.Equal(t, launch, env.LaunchUUID)
}

func TestReporterCBORBodies(t *testing.T) {
	pub := &capturePublisher{}
	r := &Reporter{Publisher: pub, ProjectName: "demo", Username: "alice", ContentType: envelope.ContentTypeCBOR}
	_, err := r.Log(context.Background(), LogEntry{
		LaunchUUID: "L1",
		Level:      "ERROR",
		Message:    "boom",
		Attachment: &Attachment{ContentType: "text/plain", Content: []byte("stack trace")},
	})
	require.NoError(t, err)
	require.Len(t, pub.msgs, 1)
	assert.Equal(t, []string{envelope.ContentTypeCBOR}, pub.msgs[0].header[envelope.HeaderContentType])

	env, err := envelope.Decode(pub.msgs[0].header, pub.msgs[0].data, 0)
	require.NoError(t, err)
	rq, ok := env.Body.(*envelope.SaveLogRQ)
	require.True(t, ok)
	assert.Equal(t, "L1", rq.LaunchUUID)
	require.NotNil(t, rq.File)
	assert.Equal(t, []byte("stack trace"), rq.File.Content)
}

func TestReporterRejectsMissingTargets(t *testing.T) {
	r := NewReporter(&capturePublisher{}, "demo", "alice")
	_, err := r.StartItem(context.Background(), Item{Name: "orphan", Type: "TEST"})
	assert.Error(t, err)
	_, err = r.Log(context.Background(), LogEntry{Message: "nowhere"})
	assert.Error(t, err)
}

func TestClientSurfacesAPIErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch req.URL.Path {
		case "/v0/launches/L1":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"uuid":"L1","status":"PASSED","item_counts":{"PASSED":2}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":{"code":"not_found"}}`))
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	l, err := c.Launch(context.Background(), "L1")
	require.NoError(t, err)
	assert.Equal(t, "PASSED", l.Status)
	assert.Equal(t, 2, l.ItemCounts["PASSED"])

	_, err = c.Launch(context.Background(), "ghost")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestClientListsItems(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "/v0/launches/L1/items", req.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"items":[{"id":1,"uuid":"suite","name":"suite","type":"SUITE","status":"IN_PROGRESS","has_children":true},` +
			`{"id":2,"uuid":"case","parent_id":1,"name":"case","type":"TEST","status":"PASSED"}]}`))
	}))
	defer srv.Close()

	items, err := New(srv.URL, "").Items(context.Background(), "L1")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.True(t, items[0].HasChildren)
	require.NotNil(t, items[1].ParentID)
	assert.Equal(t, int64(1), *items[1].ParentID)
	assert.Equal(t, "PASSED", items[1].Status)
}
