package bus

import (
	"context"
	"sync"
)

// Memory is an in-process Bus double for tests: Publish appends to a
// per-route queue, Subscribe drains it in order. There is no redelivery: a
// message whose handler returns an error is dropped.
type Memory struct {
	mu       sync.Mutex
	queues   map[string][][]byte
	errs     chan error
	Published []Published
}

// Published records one call to Publish, for test assertions.
type Published struct {
	Route   string
	Payload []byte
}

// NewMemory creates an empty in-memory bus.
func NewMemory() *Memory {
	return &Memory{
		queues: make(map[string][][]byte),
		errs:   make(chan error, 16),
	}
}

func (m *Memory) Publish(_ context.Context, route string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues[route] = append(m.queues[route], payload)
	m.Published = append(m.Published, Published{Route: route, Payload: payload})
	return nil
}

// Deliver feeds a raw message to a route's queue for a subsequent
// Subscribe call to pick up, simulating an inbound snapshot arriving.
func (m *Memory) Deliver(route string, payload []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues[route] = append(m.queues[route], payload)
}

// Subscribe drains route's queue one message at a time until ctx is done
// or the queue is empty.
func (m *Memory) Subscribe(ctx context.Context, route string, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		m.mu.Lock()
		q := m.queues[route]
		if len(q) == 0 {
			m.mu.Unlock()
			return nil
		}
		payload := q[0]
		m.queues[route] = q[1:]
		m.mu.Unlock()

		acked := false
		msg := Message{
			Data: payload,
			Ack:  func() error { acked = true; return nil },
			Nak:  func() error { return nil },
		}
		if err := handler(ctx, msg); err != nil {
			continue
		}
		_ = acked
	}
}

func (m *Memory) Errors() <-chan error { return m.errs }

func (m *Memory) Close() error { return nil }
