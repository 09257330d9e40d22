// Package dedup guards against reprocessing the same inbound snapshot
// message twice, for the case where the bus redelivers a message whose
// prior delivery already succeeded but whose ack was lost.
package dedup

import (
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Guard remembers the content hashes of successfully processed messages
// within a bounded, time-windowed set. A message is only recorded once its
// handler has succeeded, so a redelivery following a transient failure is
// still reprocessed rather than silently dropped.
type Guard struct {
	seen *expirable.LRU[uint64, struct{}]
}

// New creates a Guard holding up to capacity entries, each expiring after
// window if not re-marked.
func New(capacity int, window time.Duration) *Guard {
	return &Guard{seen: expirable.NewLRU[uint64, struct{}](capacity, nil, window)}
}

// Seen reports whether payload was already processed successfully within
// the window. It does not itself record anything; call MarkSuccess once
// the handler for payload has completed without error.
func (g *Guard) Seen(payload []byte) bool {
	_, ok := g.seen.Get(hash(payload))
	return ok
}

// MarkSuccess records payload as successfully processed.
func (g *Guard) MarkSuccess(payload []byte) {
	g.seen.Add(hash(payload), struct{}{})
}

func hash(payload []byte) uint64 {
	return xxhash.Sum64(payload)
}
