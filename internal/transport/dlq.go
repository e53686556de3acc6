package transport

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"

	"reportline/internal/envelope"
)

// DeadLetter is a parked message as stored in the dead-letter stream.
type DeadLetter struct {
	Sequence    uint64              `json:"sequence"`
	Subject     string              `json:"subject"`
	RequestType string              `json:"request_type"`
	Header      map[string][]string `json:"header"`
	Data        []byte              `json:"data"`
	Time        time.Time           `json:"time" format:"date-time"`
}

// DeadLetters reads and replays the dead-letter stream.
type DeadLetters struct {
	JS nats.JetStreamContext
}

// List returns up to limit dead letters of a request type, oldest first.
func (d DeadLetters) List(ctx context.Context, rt envelope.RequestType, limit int) ([]DeadLetter, error) {
	info, err := d.JS.StreamInfo(StreamDeadLetters, nats.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("dead-letter stream info: %w", err)
	}
	subject := DeadLetterSubject(rt)
	var out []DeadLetter
	for seq := info.State.FirstSeq; seq > 0 && seq <= info.State.LastSeq; seq++ {
		if limit > 0 && len(out) >= limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return out, err
		}
		m, err := d.JS.GetMsg(StreamDeadLetters, seq, nats.Context(ctx))
		if err != nil {
			if errors.Is(err, nats.ErrMsgNotFound) {
				continue
			}
			return out, fmt.Errorf("read dead letter %d: %w", seq, err)
		}
		if m.Subject != subject {
			continue
		}
		out = append(out, DeadLetter{
			Sequence:    m.Sequence,
			Subject:     m.Subject,
			RequestType: string(rt),
			Header:      m.Header,
			Data:        m.Data,
			Time:        m.Time,
		})
	}
	return out, nil
}

// Replay republishes up to limit dead letters of a request type to their
// entry queue with headers intact and removes them from the dead-letter
// stream. The replayed copy starts a fresh retry budget.
func (d DeadLetters) Replay(ctx context.Context, pub Publisher, rt envelope.RequestType, limit int) (int, error) {
	letters, err := d.List(ctx, rt, limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, dl := range letters {
		header := nats.Header{}
		for k, v := range dl.Header {
			header[k] = append([]string(nil), v...)
		}
		header.Set(deadLetterReplays, strconv.FormatUint(dl.Sequence, 10))
		if err := pub.Publish(ctx, Subject(EntryQueue(rt)), header, dl.Data); err != nil {
			return n, err
		}
		if err := d.JS.DeleteMsg(StreamDeadLetters, dl.Sequence, nats.Context(ctx)); err != nil {
			return n, fmt.Errorf("remove dead letter %d: %w", dl.Sequence, err)
		}
		n++
	}
	return n, nil
}
