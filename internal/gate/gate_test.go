package gate

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reportline/internal/envelope"
	"reportline/internal/transport"
)

type stubChecker struct {
	busy bool
	err  error
}

func (s *stubChecker) DescendantsInProgress(context.Context, string) (bool, error) {
	return s.busy, s.err
}

type published struct {
	subject string
	header  map[string][]string
	data    []byte
}

type capturePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *capturePublisher) Publish(_ context.Context, subject string, header map[string][]string, data []byte) error {
	if p.err != nil {
		return p.err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{subject, header, data})
	return nil
}

func finishEnvelope(attempt int) envelope.Envelope {
	return envelope.Envelope{
		Type:        envelope.FinishLaunch,
		ProjectName: "demo",
		Username:    "alice",
		LaunchUUID:  "L1",
		Attempt:     attempt,
		Header: map[string][]string{
			envelope.HeaderRequestType: {"FINISH_LAUNCH"},
			envelope.HeaderProjectName: {"demo"},
			envelope.HeaderUsername:    {"alice"},
			envelope.HeaderLaunchID:    {"L1"},
		},
		Data: []byte(`{"endTime":"2024-01-01T00:00:00Z"}`),
	}
}

func TestVerify(t *testing.T) {
	checker := &stubChecker{busy: true}
	g := Gate{Checker: checker}
	v, err := g.Verify(context.Background(), "L1")
	require.NoError(t, err)
	assert.Equal(t, Rejected, v)

	checker.busy = false
	v, err = g.Verify(context.Background(), "L1")
	require.NoError(t, err)
	assert.Equal(t, Approved, v)
}

func TestApprovedIsForwardedUnchanged(t *testing.T) {
	pub := &capturePublisher{}
	g := Gate{Checker: &stubChecker{}, Publisher: pub, MaxRetry: 3}
	env := finishEnvelope(0)
	out, err := g.Handle(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, Forwarded, out)
	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "reporting.launch.finish.approved", pub.msgs[0].subject)
	assert.Equal(t, env.Header, pub.msgs[0].header)
	assert.Equal(t, env.Data, pub.msgs[0].data)
}

func TestRejectedRequeuesUntilBudgetThenDeadLetters(t *testing.T) {
	const maxRetry = 3
	pub := &capturePublisher{}
	g := Gate{Checker: &stubChecker{busy: true}, Publisher: pub, MaxRetry: maxRetry}

	for attempt := 0; attempt < maxRetry; attempt++ {
		out, err := g.Handle(context.Background(), finishEnvelope(attempt))
		require.NoError(t, err)
		assert.Equal(t, Requeue, out, "attempt %d", attempt)
	}
	assert.Empty(t, pub.msgs)

	env := finishEnvelope(maxRetry)
	out, err := g.Handle(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, DeadLettered, out)
	require.Len(t, pub.msgs, 1)
	assert.Equal(t, transport.DeadLetterSubject(envelope.FinishLaunch), pub.msgs[0].subject)
	assert.Equal(t, "reporting.dlq.finish_launch", pub.msgs[0].subject)
	assert.Equal(t, []string{"L1"}, pub.msgs[0].header[envelope.HeaderLaunchID])
	assert.Equal(t, []string{"demo"}, pub.msgs[0].header[envelope.HeaderProjectName])
	assert.Equal(t, []string{"alice"}, pub.msgs[0].header[envelope.HeaderUsername])
	assert.Equal(t, env.Data, pub.msgs[0].data)
}

func TestCheckerAndPublishErrorsPropagate(t *testing.T) {
	boom := errors.New("db down")
	g := Gate{Checker: &stubChecker{err: boom}, Publisher: &capturePublisher{}}
	_, err := g.Handle(context.Background(), finishEnvelope(0))
	assert.ErrorIs(t, err, boom)

	g = Gate{Checker: &stubChecker{}, Publisher: &capturePublisher{err: boom}}
	out, err := g.Handle(context.Background(), finishEnvelope(0))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, Requeue, out)
}
