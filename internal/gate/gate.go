package gate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"reportline/internal/config"
	"reportline/internal/envelope"
	"reportline/internal/transport"
)

// Verdict is the result of checking a launch for running items.
type Verdict int

const (
	Approved Verdict = iota
	Rejected
)

func (v Verdict) String() string {
	if v == Rejected {
		return "rejected"
	}
	return "approved"
}

// Outcome tells the consumer how to settle the FINISH_LAUNCH delivery.
type Outcome int

const (
	// Forwarded: the event went to the approved queue; ack it.
	Forwarded Outcome = iota
	// Requeue: redeliver after Gate.RetryDelay.
	Requeue
	// DeadLettered: the event was parked in the dead-letter stream; ack it.
	DeadLettered
)

func (o Outcome) String() string {
	switch o {
	case Requeue:
		return "requeue"
	case DeadLettered:
		return "dead_lettered"
	}
	return "forwarded"
}

// Checker answers whether a launch still has items in progress.
type Checker interface {
	DescendantsInProgress(ctx context.Context, launchUUID string) (bool, error)
}

// Gate holds FINISH_LAUNCH events back until every item of the launch is
// terminal. It never writes state itself; approved events are forwarded
// unchanged for the state machine to apply.
type Gate struct {
	Checker    Checker
	Publisher  transport.Publisher
	MaxRetry   int
	RetryDelay time.Duration
	Logger     *slog.Logger
}

func (g Gate) log() *slog.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return slog.Default()
}

// Verify reads the descendant status of the launch.
func (g Gate) Verify(ctx context.Context, launchUUID string) (Verdict, error) {
	busy, err := g.Checker.DescendantsInProgress(ctx, launchUUID)
	if err != nil {
		return Rejected, err
	}
	if busy {
		return Rejected, nil
	}
	return Approved, nil
}

// Handle runs the gate for one pending-approval envelope. Errors from the
// checker (including not-found) and from publishing are returned as is.
func (g Gate) Handle(ctx context.Context, env envelope.Envelope) (Outcome, error) {
	verdict, err := g.Verify(ctx, env.LaunchUUID)
	if err != nil {
		return Requeue, err
	}
	log := g.log().With("launch_uuid", env.LaunchUUID, "attempt", env.Attempt)
	if verdict == Approved {
		if err := g.Publisher.Publish(ctx, transport.Subject(config.QueueLaunchApproved), env.Header, env.Data); err != nil {
			return Requeue, fmt.Errorf("forward approved finish: %w", err)
		}
		log.Debug("launch finish approved")
		return Forwarded, nil
	}
	if env.Attempt < g.MaxRetry {
		log.Debug("launch finish rejected; items in progress", "retry_in", g.RetryDelay)
		return Requeue, nil
	}
	if err := g.Publisher.Publish(ctx, transport.DeadLetterSubject(envelope.FinishLaunch), env.Header, env.Data); err != nil {
		return Requeue, fmt.Errorf("dead-letter finish launch: %w", err)
	}
	log.Error("launch finish dead-lettered; items still in progress after retry budget", "max_retry", g.MaxRetry)
	return DeadLettered, nil
}
