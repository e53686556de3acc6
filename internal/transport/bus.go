package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"
)

// Bus is a JetStream connection used both to publish reporting events and
// to run the pull-consumer worker pools.
type Bus struct {
	Conn   *nats.Conn
	JS     nats.JetStreamContext
	Logger *slog.Logger
	// FetchWait bounds one pull request; it is also how quickly a worker
	// notices cancellation.
	FetchWait time.Duration
	// AckWait is the redelivery timeout of consumers created by Consume.
	AckWait time.Duration
}

// Connect dials url, retrying with exponential backoff until ctx ends,
// and ensures the reporting streams exist.
func Connect(ctx context.Context, url, name string, logger *slog.Logger) (*Bus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var nc *nats.Conn
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = time.Minute
	err := backoff.Retry(func() error {
		var err error
		nc, err = nats.Connect(url,
			nats.Name(name),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			logger.Warn("nats connect failed", "url", url, "err", err)
		}
		return err
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	bus, err := NewBus(nc, logger)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return bus, nil
}

// NewBus wraps an established connection.
func NewBus(nc *nats.Conn, logger *slog.Logger) (*Bus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	if err := EnsureStreams(js); err != nil {
		return nil, err
	}
	return &Bus{Conn: nc, JS: js, Logger: logger, FetchWait: 2 * time.Second}, nil
}

func (b *Bus) Close() {
	if b.Conn != nil {
		b.Conn.Drain()
		b.Conn.Close()
	}
}

// Publish stores a message in JetStream and waits for the ack.
func (b *Bus) Publish(ctx context.Context, subject string, header map[string][]string, data []byte) error {
	msg := &nats.Msg{Subject: subject, Header: nats.Header(header), Data: data}
	if _, err := b.JS.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Consume runs concurrency workers on queue until ctx is done. Each worker
// pulls up to batch messages at a time and hands them to h one by one; h
// settles each delivery before the next is processed.
func (b *Bus) Consume(ctx context.Context, queue string, concurrency, batch int, h Handler) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	if batch <= 0 {
		batch = 1
	}
	durable, err := EnsureConsumer(b.JS, queue, b.AckWait)
	if err != nil {
		return err
	}
	sub, err := b.JS.PullSubscribe(Subject(queue), durable, nats.Bind(StreamReporting, durable))
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", queue, err)
	}
	defer sub.Unsubscribe()
	log := b.Logger.With("queue", queue)
	log.Info("consumer started", "concurrency", concurrency)

	wait := b.FetchWait
	if wait <= 0 {
		wait = 2 * time.Second
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			for {
				if gctx.Err() != nil {
					return nil
				}
				msgs, err := sub.Fetch(batch, nats.MaxWait(wait))
				if err != nil {
					if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
						continue
					}
					if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
						return err
					}
					log.Warn("fetch failed", "err", err)
					select {
					case <-gctx.Done():
						return nil
					case <-time.After(wait):
					}
					continue
				}
				for _, m := range msgs {
					// In-flight messages finish even when shutting down.
					h(context.WithoutCancel(gctx), newDelivery(m))
				}
			}
		})
	}
	err = g.Wait()
	log.Info("consumer stopped")
	return err
}
