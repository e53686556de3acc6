package transport

import (
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"reportline/internal/config"
)

// EnsureStreams creates the reporting and dead-letter streams if they
// don't already exist.
func EnsureStreams(js nats.JetStreamContext) error {
	if _, err := js.StreamInfo(StreamReporting); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return fmt.Errorf("lookup %s stream: %w", StreamReporting, err)
		}
		_, err = js.AddStream(&nats.StreamConfig{
			Name:      StreamReporting,
			Subjects:  []string{SubjectPrefix + "launch.>", SubjectPrefix + "item.>", SubjectPrefix + config.QueueLog},
			Storage:   nats.FileStorage,
			Retention: nats.WorkQueuePolicy,
		})
		if err != nil {
			return fmt.Errorf("create %s stream: %w", StreamReporting, err)
		}
	}
	if _, err := js.StreamInfo(StreamDeadLetters); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return fmt.Errorf("lookup %s stream: %w", StreamDeadLetters, err)
		}
		_, err = js.AddStream(&nats.StreamConfig{
			Name:     StreamDeadLetters,
			Subjects: []string{DeadLetterPrefix + ">"},
			Storage:  nats.FileStorage,
			// Dead letters wait for an operator; keep them for a month.
			MaxAge: 30 * 24 * time.Hour,
		})
		if err != nil {
			return fmt.Errorf("create %s stream: %w", StreamDeadLetters, err)
		}
	}
	return nil
}

// EnsureConsumer creates the durable pull consumer of a queue. The
// consumer is created here rather than by the subscription so stopping a
// worker never deletes it.
func EnsureConsumer(js nats.JetStreamContext, queue string, ackWait time.Duration) (string, error) {
	name := durableName(queue)
	if _, err := js.ConsumerInfo(StreamReporting, name); err == nil {
		return name, nil
	} else if !errors.Is(err, nats.ErrConsumerNotFound) {
		return "", fmt.Errorf("lookup consumer %s: %w", name, err)
	}
	if ackWait <= 0 {
		ackWait = 30 * time.Second
	}
	_, err := js.AddConsumer(StreamReporting, &nats.ConsumerConfig{
		Durable:       name,
		FilterSubject: Subject(queue),
		AckPolicy:     nats.AckExplicitPolicy,
		DeliverPolicy: nats.DeliverAllPolicy,
		AckWait:       ackWait,
		MaxDeliver:    -1,
	})
	if err != nil {
		return "", fmt.Errorf("create consumer %s: %w", name, err)
	}
	return name, nil
}
