package transport

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"
)

// Delivery is one message handed to a consumer, with the settle actions
// the transport offers.
type Delivery interface {
	Subject() string
	Header() map[string][]string
	Data() []byte
	// Attempt is the zero-based redelivery counter supplied by the
	// transport.
	Attempt() int
	// Published is when the message entered the stream.
	Published() time.Time
	Ack() error
	// Nak asks for redelivery after delay; zero means the server default.
	Nak(delay time.Duration) error
	// Term stops redelivery for good.
	Term() error
}

// Publisher sends a message to a subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, header map[string][]string, data []byte) error
}

// Handler processes one delivery and settles it.
type Handler func(ctx context.Context, d Delivery)

type natsDelivery struct {
	msg     *nats.Msg
	attempt int
	ts      time.Time
}

func newDelivery(msg *nats.Msg) *natsDelivery {
	d := &natsDelivery{msg: msg}
	if meta, err := msg.Metadata(); err == nil && meta != nil {
		if meta.NumDelivered > 0 {
			d.attempt = int(meta.NumDelivered - 1)
		}
		d.ts = meta.Timestamp
	}
	return d
}

func (d *natsDelivery) Subject() string { return d.msg.Subject }

func (d *natsDelivery) Header() map[string][]string { return d.msg.Header }

func (d *natsDelivery) Data() []byte { return d.msg.Data }

func (d *natsDelivery) Attempt() int { return d.attempt }

func (d *natsDelivery) Published() time.Time { return d.ts }

func (d *natsDelivery) Ack() error { return d.msg.Ack() }

func (d *natsDelivery) Nak(delay time.Duration) error {
	if delay <= 0 {
		return d.msg.Nak()
	}
	return d.msg.NakWithDelay(delay)
}

func (d *natsDelivery) Term() error { return d.msg.Term() }
