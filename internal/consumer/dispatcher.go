// Package consumer turns transport deliveries into engine, gate and ingest
// calls and settles each delivery according to the error taxonomy.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"reportline/internal/app"
	"reportline/internal/config"
	"reportline/internal/domain"
	"reportline/internal/engine"
	"reportline/internal/envelope"
	"reportline/internal/gate"
	"reportline/internal/ingest"
	"reportline/internal/telemetry"
	"reportline/internal/transport"
)

// Source runs a worker pool on a queue; *transport.Bus implements it.
type Source interface {
	Consume(ctx context.Context, queue string, concurrency, batch int, h transport.Handler) error
}

type Dispatcher struct {
	Engine    engine.Engine
	Gate      gate.Gate
	Ingester  ingest.Ingester
	Publisher transport.Publisher
	Config    *config.Config
	Logger    *slog.Logger
	Metrics   *telemetry.Pipeline
	Now       func() time.Time
}

// New wires a dispatcher whose gate and ingester share the engine's
// database, events writer and clock.
func New(eng engine.Engine, ing ingest.Ingester, pub transport.Publisher, cfg *config.Config, logger *slog.Logger, metrics *telemetry.Pipeline) Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return Dispatcher{
		Engine: eng,
		Gate: gate.Gate{
			Checker:    eng,
			Publisher:  pub,
			MaxRetry:   cfg.MaxRetry,
			RetryDelay: cfg.GateRetryDelay,
			Logger:     logger,
		},
		Ingester:  ing,
		Publisher: pub,
		Config:    cfg,
		Logger:    logger,
		Metrics:   metrics,
		Now:       eng.Now,
	}
}

func (d Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}

func (d Dispatcher) log() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func (d Dispatcher) maxRetry() int {
	if d.Config != nil {
		return d.Config.MaxRetry
	}
	return 10
}

func (d Dispatcher) retryDelay() time.Duration {
	if d.Config != nil {
		return d.Config.GateRetryDelay
	}
	return 5 * time.Second
}

// Run consumes every queue until ctx is done or a pool fails.
func (d Dispatcher) Run(ctx context.Context, src Source) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, q := range config.Queues {
		cc := d.Config.Consumer(q)
		g.Go(func() error {
			return src.Consume(gctx, q, cc.Concurrency, cc.FetchBatch, d.Handler(q))
		})
	}
	return g.Wait()
}

// Handler binds the dispatcher to one queue.
func (d Dispatcher) Handler(queue string) transport.Handler {
	return func(ctx context.Context, del transport.Delivery) {
		d.Handle(ctx, queue, del)
	}
}

type action int

const (
	actAck action = iota
	actNak
	actTerm
)

// Settlement is how a delivery was settled, for logs, metrics and tests.
type Settlement struct {
	Outcome string
	action  action
	delay   time.Duration
}

const (
	OutcomeOK           = "ok"
	OutcomeMalformed    = "malformed"
	OutcomeInvalid      = "invalid"
	OutcomeDropped      = "dropped"
	OutcomeRetry        = "retry"
	OutcomeHeld         = "held"
	OutcomeRequeued     = "requeued"
	OutcomeForwarded    = "forwarded"
	OutcomeDeadLettered = "dead_lettered"
)

func ack(outcome string) Settlement { return Settlement{Outcome: outcome, action: actAck} }

func nak(outcome string, delay time.Duration) Settlement {
	return Settlement{Outcome: outcome, action: actNak, delay: delay}
}

func term(outcome string) Settlement { return Settlement{Outcome: outcome, action: actTerm} }

// Handle processes one delivery and settles it exactly once.
func (d Dispatcher) Handle(ctx context.Context, queue string, del transport.Delivery) Settlement {
	started := time.Now()
	env, err := envelope.Decode(del.Header(), del.Data(), del.Attempt())
	log := d.log().With("queue", queue, "attempt", env.Attempt)
	var s Settlement
	if err != nil {
		log.Warn("malformed message terminated", "subject", del.Subject(), "err", err)
		s = term(OutcomeMalformed)
	} else {
		log = log.With("request_type", string(env.Type), "correlation_id", env.CorrelationID())
		s = d.process(ctx, queue, del, env, log)
	}
	d.settle(del, s, log)
	rt := string(env.Type)
	if rt == "" {
		rt = "unknown"
	}
	d.Metrics.Message(ctx, rt, s.Outcome, time.Since(started))
	return s
}

func (d Dispatcher) settle(del transport.Delivery, s Settlement, log *slog.Logger) {
	var err error
	switch s.action {
	case actAck:
		err = del.Ack()
	case actNak:
		err = del.Nak(s.delay)
	case actTerm:
		err = del.Term()
	}
	if err != nil {
		log.Warn("settle delivery failed", "outcome", s.Outcome, "err", err)
	}
}

func (d Dispatcher) process(ctx context.Context, queue string, del transport.Delivery, env envelope.Envelope, log *slog.Logger) Settlement {
	if envelope.Classify(env.Attempt, d.maxRetry()) == envelope.RetryBudgetExceeded {
		return d.deadLetter(ctx, env, "retry_budget", log)
	}
	if env.Type == envelope.FinishLaunch && queue != config.QueueLaunchApproved {
		return d.runGate(ctx, env, log)
	}
	if queue == config.QueueLaunchApproved {
		if hold := d.holdFor(del); hold > 0 {
			log.Debug("approved finish held", "for", hold)
			return nak(OutcomeHeld, hold)
		}
	}
	outcome, err := d.dispatch(ctx, env)
	if err == nil {
		return ack(outcome)
	}
	return d.classify(ctx, env, err, log)
}

// holdFor is the remaining approved_delay of a message on the approved
// queue.
func (d Dispatcher) holdFor(del transport.Delivery) time.Duration {
	if d.Config == nil || d.Config.ApprovedDelay <= 0 {
		return 0
	}
	published := del.Published()
	if published.IsZero() {
		return 0
	}
	age := d.now().Sub(published)
	if age >= d.Config.ApprovedDelay {
		return 0
	}
	return d.Config.ApprovedDelay - age
}

func (d Dispatcher) runGate(ctx context.Context, env envelope.Envelope, log *slog.Logger) Settlement {
	out, err := d.Gate.Handle(ctx, env)
	if err != nil {
		if engine.IsNotFound(err) {
			log.Debug("finish for unknown launch dropped", "err", err)
			return ack(OutcomeDropped)
		}
		log.Warn("gate failed", "err", err)
		return nak(OutcomeRetry, 0)
	}
	d.Metrics.Gate(ctx, out.String())
	switch out {
	case gate.Forwarded:
		return ack(OutcomeForwarded)
	case gate.DeadLettered:
		d.Metrics.DeadLettered(ctx, string(env.Type), "gate")
		return ack(OutcomeDeadLettered)
	default:
		return nak(OutcomeRequeued, d.Gate.RetryDelay)
	}
}

func (d Dispatcher) deadLetter(ctx context.Context, env envelope.Envelope, reason string, log *slog.Logger) Settlement {
	if err := d.Publisher.Publish(ctx, transport.DeadLetterSubject(env.Type), env.Header, env.Data); err != nil {
		log.Warn("dead-letter publish failed", "err", err)
		return nak(OutcomeRetry, 0)
	}
	log.Error("message dead-lettered", "reason", reason, "max_retry", d.maxRetry())
	d.Metrics.DeadLettered(ctx, string(env.Type), reason)
	return ack(OutcomeDeadLettered)
}

// classify maps a handler error to a settlement.
func (d Dispatcher) classify(ctx context.Context, env envelope.Envelope, err error, log *slog.Logger) Settlement {
	switch {
	case errors.Is(err, envelope.ErrMalformedMessage):
		log.Warn("malformed message terminated", "err", err)
		return term(OutcomeMalformed)
	case engine.IsValidation(err) || ingest.IsValidation(err):
		log.Error("invalid event terminated", "err", err)
		return term(OutcomeInvalid)
	case engine.IsConsistency(err):
		if env.Attempt >= d.maxRetry() {
			return d.deadLetter(ctx, env, "consistency", log)
		}
		log.Debug("descendants in progress; retrying", "err", err, "retry_in", d.retryDelay())
		return nak(OutcomeRequeued, d.retryDelay())
	case env.Type == envelope.StartTest && (errors.Is(err, engine.ErrLaunchNotFound) || errors.Is(err, engine.ErrParentNotFound)):
		log.Debug("item start ahead of its launch or parent; retrying", "err", err)
		return nak(OutcomeRequeued, d.retryDelay())
	case engine.IsNotFound(err) || errors.Is(err, ingest.ErrTargetNotFound):
		if env.Type == envelope.StartLaunch {
			log.Warn("launch start for unregistered reporter dropped", "project", env.ProjectName, "username", env.Username, "err", err)
		} else {
			log.Debug("event for unknown entity dropped", "err", err)
		}
		return ack(OutcomeDropped)
	default:
		log.Warn("handler failed; retrying", "err", err)
		return nak(OutcomeRetry, 0)
	}
}

func (d Dispatcher) dispatch(ctx context.Context, env envelope.Envelope) (string, error) {
	switch rq := env.Body.(type) {
	case *envelope.StartLaunchRQ:
		if err := app.EnsureReporter(ctx, d.Engine.Repo, d.Config, env.ProjectName, env.Username, d.now()); err != nil {
			return "", err
		}
		_, err := d.Engine.CreateLaunch(ctx, engine.LaunchStart{
			UUID:        rq.UUID,
			ProjectName: env.ProjectName,
			Owner:       env.Username,
			Name:        rq.Name,
			Description: rq.Description,
			Mode:        domain.Mode(strings.ToUpper(rq.Mode)),
			StartTime:   rq.StartTime,
		})
		return OutcomeOK, err
	case *envelope.StartTestItemRQ:
		_, err := d.Engine.CreateItem(ctx, engine.ItemStart{
			UUID:       env.ItemUUID,
			LaunchUUID: env.LaunchUUID,
			ParentUUID: env.ParentUUID,
			Name:       rq.Name,
			Type:       rq.Type,
			StartTime:  rq.StartTime,
			Actor:      env.Username,
		})
		return OutcomeOK, err
	case *envelope.FinishExecutionRQ:
		fin := engine.Finish{
			Status:  domain.Status(strings.ToUpper(rq.Status)),
			EndTime: rq.EndTime,
			Actor:   env.Username,
		}
		if env.Type == envelope.FinishTest {
			fin.UUID = env.ItemUUID
			_, err := d.Engine.FinishItem(ctx, fin)
			return OutcomeOK, err
		}
		fin.UUID = env.LaunchUUID
		_, err := d.Engine.FinishLaunch(ctx, fin)
		return OutcomeOK, err
	case *envelope.SaveLogRQ:
		ev := ingest.LogEvent{
			UUID:       rq.UUID,
			ItemUUID:   rq.ItemUUID,
			LaunchUUID: rq.LaunchUUID,
			Level:      rq.Level,
			Message:    rq.Message,
			LogTime:    rq.LogTime,
			Actor:      env.Username,
		}
		var meta *ingest.AttachmentMeta
		if f := rq.File; f != nil {
			meta = &ingest.AttachmentMeta{
				ContentType: f.ContentType,
				FileID:      f.FileID,
				ThumbnailID: f.ThumbnailID,
				Content:     f.Content,
				Thumbnail:   f.Thumbnail,
			}
		}
		_, err := d.Ingester.Ingest(ctx, ev, meta)
		return OutcomeOK, err
	default:
		return "", fmt.Errorf("%w: no handler for %s", envelope.ErrMalformedMessage, env.Type)
	}
}
