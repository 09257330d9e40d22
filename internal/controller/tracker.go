// Package controller implements the controller tracker: the set of online
// controllers, connect/disconnect emission gated by a batch warm-up
// counter, and inactivity sweeping.
package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/vatsim-events/engine/internal/bus"
	"github.com/vatsim-events/engine/internal/clockutil"
	"github.com/vatsim-events/engine/internal/config"
	"github.com/vatsim-events/engine/internal/events"
	"github.com/vatsim-events/engine/internal/logging"
	"github.com/vatsim-events/engine/internal/metrics"
	"github.com/vatsim-events/engine/internal/vatsim"
)

// record is the controller tracker's in-memory view of one online
// controller. connected tracks whether a connect event has already been
// emitted for this identity, independent of when the record was inserted
// into the cache (a controller first cached during warm-up still needs
// its connect once warm-up clears).
type record struct {
	firstSeen vatsim.Controller
	lastSeen  time.Time
	connected bool
}

// Tracker maintains the set of online controllers and emits connect on
// first sight, disconnect on inactivity.
type Tracker struct {
	mu sync.Mutex

	records map[string]*record

	batchesObserved int
	lastBatchID     string

	clock clockutil.Clock
	pub   bus.Publisher
	log   logging.Logger
	met   *metrics.Metrics

	inactiveTimeout time.Duration
	warmupThreshold int
}

// Config configures a Tracker's tunables.
type Config struct {
	InactiveTimeout time.Duration
	WarmupThreshold int
}

// DefaultConfig holds the production compile-time tunables.
func DefaultConfig() Config {
	return Config{
		InactiveTimeout: config.ControllerInactiveTTL,
		WarmupThreshold: config.WarmupBatchThreshold,
	}
}

// New creates a Tracker that publishes controller lifecycle events via pub.
func New(clock clockutil.Clock, pub bus.Publisher, log logging.Logger, met *metrics.Metrics, cfg Config) *Tracker {
	return &Tracker{
		records:         make(map[string]*record),
		clock:           clock,
		pub:             pub,
		log:             log,
		met:             met,
		inactiveTimeout: cfg.InactiveTimeout,
		warmupThreshold: cfg.WarmupThreshold,
	}
}

func identityKey(cid int, callsign string) string {
	return strconv.Itoa(cid) + "-" + callsign
}

// Observe ingests one (controller, batchId) tuple. Cache insertion and
// connect emission are separate decisions: a controller first cached
// while still under the warm-up threshold is not forgotten once warm-up
// clears, it gets its connect on the first Observe call after. The
// connected flag is set before the publish attempt, so a redelivered
// retry of the same snapshot sees it as already connected rather than
// firing a second connect attempt that could race the first.
func (t *Tracker) Observe(ctx context.Context, c vatsim.Controller, batchID string) error {
	t.mu.Lock()

	if batchID != "" && batchID != t.lastBatchID {
		t.batchesObserved++
		t.lastBatchID = batchID
	}
	observedBatches := t.batchesObserved

	key := identityKey(c.CID, c.Callsign)
	now := t.clock.Now()

	rec, exists := t.records[key]
	if !exists {
		rec = &record{firstSeen: c, lastSeen: now}
		t.records[key] = rec
	} else {
		rec.lastSeen = now
	}
	t.met.ControllersOnline.Set(float64(len(t.records)))

	shouldConnect := observedBatches > t.warmupThreshold && !rec.connected
	if shouldConnect {
		rec.connected = true
	}
	t.mu.Unlock()

	if exists {
		t.log.Debug("controller refreshed", "cid", c.CID, "callsign", c.Callsign)
	}

	if !shouldConnect {
		if observedBatches <= t.warmupThreshold {
			t.log.Debug("controller connect suppressed by warm-up", "cid", c.CID, "callsign", c.Callsign, "batches_observed", observedBatches)
		}
		return nil
	}

	return t.publishConnect(ctx, c, now)
}

func (t *Tracker) publishConnect(ctx context.Context, c vatsim.Controller, at time.Time) error {
	env := events.NewControllerEvent("connect", c, at.UnixMilli())
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal connect event: %w", err)
	}
	route := events.RouteForController("connect")
	if err := t.pub.Publish(ctx, route, payload); err != nil {
		t.log.Error("publish connect failed", "cid", c.CID, "callsign", c.Callsign, "err", err)
		return fmt.Errorf("publish connect: %w", err)
	}
	t.met.EventsEmitted.WithLabelValues(route).Inc()
	t.log.Info("controller connect", "cid", c.CID, "callsign", c.Callsign)
	return nil
}

// Sweep removes controllers inactive for longer than the configured
// timeout and emits disconnect for each. Skipped entirely while the
// warm-up counter has not reached its threshold. Best-effort: a record
// whose disconnect publish fails stays in the cache to retry next tick.
func (t *Tracker) Sweep(ctx context.Context) {
	t.mu.Lock()
	if t.batchesObserved < t.warmupThreshold {
		t.mu.Unlock()
		return
	}
	now := t.clock.Now()
	var stale []string
	for key, rec := range t.records {
		if now.Sub(rec.lastSeen) > t.inactiveTimeout {
			stale = append(stale, key)
		}
	}
	t.mu.Unlock()

	for _, key := range stale {
		t.mu.Lock()
		rec, ok := t.records[key]
		t.mu.Unlock()
		if !ok {
			continue
		}

		env := events.NewControllerEvent("disconnect", rec.firstSeen, now.UnixMilli())
		payload, err := json.Marshal(env)
		if err != nil {
			t.log.Error("marshal disconnect event failed", "key", key, "err", err)
			continue
		}
		route := events.RouteForController("disconnect")
		if err := t.pub.Publish(ctx, route, payload); err != nil {
			t.log.Warn("publish disconnect failed, retrying next sweep", "key", key, "err", err)
			continue
		}

		t.mu.Lock()
		delete(t.records, key)
		t.met.ControllersOnline.Set(float64(len(t.records)))
		t.mu.Unlock()

		t.met.EventsEmitted.WithLabelValues(route).Inc()
		t.log.Info("controller disconnect", "key", key)
	}
}

// Run drives Sweep on a fixed cadence until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep(ctx)
		}
	}
}

// Count returns the current number of tracked online controllers, for
// tests and diagnostics.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// BatchesObserved returns the current warm-up counter value.
func (t *Tracker) BatchesObserved() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.batchesObserved
}
