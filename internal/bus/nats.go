package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSBus is the production Bus, backed by NATS JetStream for durable
// publish-with-ack and at-least-once delivery.
type NATSBus struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	errs   chan error
	subs   []*nats.Subscription
}

// Dial connects to the NATS cluster at url and ensures the stream backing
// the engine's routes exists.
func Dial(url string) (*NATSBus, error) {
	errs := make(chan error, 16)

	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			select {
			case errs <- fmt.Errorf("nats async error (subject=%v): %w", subjectOf(sub), err):
			default:
			}
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				select {
				case errs <- fmt.Errorf("nats disconnected: %w", err):
				default:
				}
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("dial nats: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open jetstream context: %w", err)
	}

	if _, err := js.AddStream(&nats.StreamConfig{
		Name:     "VATSIM_EVENTS",
		Subjects: []string{"raw.>", "events.>"},
	}); err != nil && err != nats.ErrStreamNameAlreadyInUse {
		conn.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}

	return &NATSBus{conn: conn, js: js, errs: errs}, nil
}

func subjectOf(sub *nats.Subscription) string {
	if sub == nil {
		return ""
	}
	return sub.Subject
}

// Publish durably publishes payload to route with JetStream acknowledgement.
func (b *NATSBus) Publish(ctx context.Context, route string, payload []byte) error {
	_, err := b.js.Publish(route, payload, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("publish %s: %w", route, err)
	}
	return nil
}

// Subscribe consumes route one message at a time, in delivery order, via a
// durable pull consumer so per-identity ordering is preserved.
func (b *NATSBus) Subscribe(ctx context.Context, route string, handler Handler) error {
	durable := consumerNameFor(route)

	sub, err := b.js.PullSubscribe(route, durable, nats.ManualAck(), nats.AckExplicit())
	if err != nil {
		return fmt.Errorf("pull subscribe %s: %w", route, err)
	}
	b.subs = append(b.subs, sub)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msgs, err := sub.Fetch(1, nats.MaxWait(time.Second))
		if err != nil {
			if err == nats.ErrTimeout || err == context.DeadlineExceeded {
				continue
			}
			select {
			case b.errs <- fmt.Errorf("fetch %s: %w", route, err):
			default:
			}
			continue
		}

		for _, m := range msgs {
			m := m
			msg := Message{
				Data: m.Data,
				Ack:  func() error { return m.Ack() },
				Nak:  func() error { return m.Nak() },
			}
			if err := handler(ctx, msg); err != nil {
				_ = msg.Nak()
				continue
			}
		}
	}
}

// Errors surfaces connection/consumer-level errors.
func (b *NATSBus) Errors() <-chan error { return b.errs }

// Close unsubscribes every subscription and closes the connection.
func (b *NATSBus) Close() error {
	for _, s := range b.subs {
		_ = s.Unsubscribe()
	}
	b.conn.Close()
	return nil
}

func consumerNameFor(route string) string {
	out := make([]byte, 0, len(route))
	for _, r := range route {
		if r == '.' {
			out = append(out, '_')
			continue
		}
		out = append(out, byte(r))
	}
	return "vatsim-events-" + string(out)
}
