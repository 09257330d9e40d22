// Package flightplan implements the flight-plan tracker and the airborne
// state machine it drives (statemachine.go).
package flightplan

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vatsim-events/engine/internal/bus"
	"github.com/vatsim-events/engine/internal/clockutil"
	"github.com/vatsim-events/engine/internal/events"
	"github.com/vatsim-events/engine/internal/logging"
	"github.com/vatsim-events/engine/internal/metrics"
	"github.com/vatsim-events/engine/internal/store"
	"github.com/vatsim-events/engine/internal/vatsim"
)

// storedRecord is the flight-plan record persisted in the TTL store.
// Field names are JSON tags, not Go-idiomatic naming, because this is the
// wire shape of what's written to the store.
type storedRecord struct {
	CID              int               `json:"cid"`
	Callsign         string            `json:"callsign"`
	FlightPlan       vatsim.FlightPlan `json:"flight_plan"`
	State            State             `json:"state"`
	LastStateChange  time.Time         `json:"last_state_change"`
	PreviousAltitude *int              `json:"previous_altitude,omitempty"`
	Timestamp        time.Time         `json:"timestamp"`
}

// Tracker maintains at most one active flight-plan record per (cid,
// callsign).
type Tracker struct {
	mu sync.Mutex

	store store.TTLStore
	pub   bus.Publisher
	clock clockutil.Clock
	log   logging.Logger
	met   *metrics.Metrics
	ttl   time.Duration
}

// New creates a flight-plan Tracker. ttl is the TTL applied to every
// record (600s in production).
func New(st store.TTLStore, pub bus.Publisher, clock clockutil.Clock, log logging.Logger, met *metrics.Metrics, ttl time.Duration) *Tracker {
	return &Tracker{store: st, pub: pub, clock: clock, log: log, met: met, ttl: ttl}
}

func baseKey(cid int, callsign string) string {
	return strconv.Itoa(cid) + "-" + callsign
}

func fullKey(base, departure string) string {
	return base + "-" + departure
}

func sentinelKey(dataKey string) string {
	return store.TTLPrefix + dataKey
}

// Ingest admits a pilot or prefile snapshot. Only IFR plans are admitted;
// malformed input (missing identity or plan, VFR rules) is silently
// dropped rather than treated as an error.
func (t *Tracker) Ingest(ctx context.Context, p *vatsim.PilotOrPrefile) error {
	if p == nil || p.Callsign == "" || p.FlightPlan == nil {
		t.met.DroppedMalformed.WithLabelValues("flight_plan").Inc()
		return nil
	}
	if !vatsim.IsIFR(p.FlightPlan) {
		return nil
	}
	if p.FlightPlan.Departure == "" {
		t.met.DroppedMalformed.WithLabelValues("flight_plan").Inc()
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	base := baseKey(p.CID, p.Callsign)
	keys, err := t.store.Scan(ctx, base+"-")
	if err != nil {
		return fmt.Errorf("scan %s: %w", base, err)
	}

	var matchKey string
	var matchRec *storedRecord
	for _, k := range keys {
		rec, err := t.get(ctx, k)
		if err != nil {
			t.log.Warn("unreadable flight-plan record during scan, skipping", "key", k, "err", err)
			continue
		}
		if rec.FlightPlan.Departure == p.FlightPlan.Departure {
			matchKey = k
			matchRec = rec
			break
		}
	}

	if matchRec != nil {
		return t.ingestUpdate(ctx, matchKey, matchRec, p)
	}
	return t.ingestNew(ctx, base, keys, p)
}

func (t *Tracker) ingestUpdate(ctx context.Context, key string, rec *storedRecord, p *vatsim.PilotOrPrefile) error {
	now := t.clock.Now()
	pilotRef := events.PilotRef{CID: p.CID, Callsign: p.Callsign}

	if vatsim.Differs(&rec.FlightPlan, p.FlightPlan) {
		rec.FlightPlan = *p.FlightPlan
		rec.Timestamp = now
		if err := t.publishFlightPlanEvent(ctx, "update", pilotRef, rec.FlightPlan, now, nil, nil); err != nil {
			return err
		}
	}

	if p.HasPosition() {
		pos := *p.Pos
		proposal, ok := Transition(rec.State, pos.GroundSpeed)
		if ok && IsAllowed(proposal.From, proposal.To) {
			prev := rec.State
			rec.State = proposal.To
			rec.LastStateChange = now
			rec.Timestamp = now
			st := &events.StateTransition{Previous: string(prev), Current: string(proposal.To), Reason: proposal.Reason}
			if err := t.publishFlightPlanEvent(ctx, "state_change", pilotRef, rec.FlightPlan, now, st, &pos); err != nil {
				return err
			}
		} else {
			if ok && !IsAllowed(proposal.From, proposal.To) {
				t.met.ImpossibleTransitions.Inc()
				t.log.Warn("impossible transition dropped", "key", key, "from", proposal.From, "to", proposal.To)
			}
			alt := pos.Altitude
			rec.PreviousAltitude = &alt
			rec.Timestamp = now
		}
	}

	if err := t.put(ctx, key, rec); err != nil {
		return err
	}
	return t.refreshTTL(ctx, key)
}

func (t *Tracker) ingestNew(ctx context.Context, base string, existing []string, p *vatsim.PilotOrPrefile) error {
	now := t.clock.Now()
	pilotRef := events.PilotRef{CID: p.CID, Callsign: p.Callsign}

	for _, k := range existing {
		rec, err := t.get(ctx, k)
		if err != nil {
			continue
		}
		if err := t.publishFlightPlanEvent(ctx, "expire", pilotRef, rec.FlightPlan, now, nil, nil); err != nil {
			return err
		}
		if err := t.store.Delete(ctx, k); err != nil {
			return fmt.Errorf("delete superseded %s: %w", k, err)
		}
	}

	rec := &storedRecord{
		CID:             p.CID,
		Callsign:        p.Callsign,
		FlightPlan:      *p.FlightPlan,
		State:           StateFiled,
		LastStateChange: now,
		Timestamp:       now,
	}
	if p.HasPosition() {
		alt := p.Pos.Altitude
		rec.PreviousAltitude = &alt
	}

	key := fullKey(base, p.FlightPlan.Departure)
	if err := t.put(ctx, key, rec); err != nil {
		return err
	}
	if err := t.arm(ctx, key); err != nil {
		return err
	}

	return t.publishFlightPlanEvent(ctx, "file", pilotRef, rec.FlightPlan, now, nil, nil)
}

// OnExpire handles a fired TTL sentinel. sentinel is the sentinel key
// ("ttl:"+dataKey) delivered by the store's expiry subscription.
func (t *Tracker) OnExpire(ctx context.Context, sentinel string) {
	dataKey := strings.TrimPrefix(sentinel, store.TTLPrefix)

	// Parse departure from the key for symmetry with baseKey/departure
	// elsewhere; unused beyond the parse itself.
	if idx := strings.LastIndex(dataKey, "-"); idx >= 0 {
		_ = dataKey[idx+1:]
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	rec, err := t.get(ctx, dataKey)
	if err != nil {
		if err == store.ErrNotFound {
			t.met.OrphanExpiries.Inc()
			t.log.Warn("orphan expiry: sentinel fired for missing data key", "key", dataKey)
			return
		}
		t.log.Error("read expired record failed", "key", dataKey, "err", err)
		return
	}

	now := t.clock.Now()
	pilotRef := events.PilotRef{CID: rec.CID, Callsign: rec.Callsign}

	st := &events.StateTransition{Previous: string(rec.State), Current: string(StateCancelled), Reason: "flight_plan_expired"}
	if err := t.publishFlightPlanEvent(ctx, "state_change", pilotRef, rec.FlightPlan, now, st, nil); err != nil {
		t.log.Error("publish expiry state_change failed", "key", dataKey, "err", err)
		return
	}
	if err := t.publishFlightPlanEvent(ctx, "expire", pilotRef, rec.FlightPlan, now, nil, nil); err != nil {
		t.log.Error("publish expire failed", "key", dataKey, "err", err)
		return
	}

	if err := t.store.Delete(ctx, dataKey); err != nil {
		t.log.Error("delete expired record failed", "key", dataKey, "err", err)
	}
}

// WatchExpiries subscribes to the store's expiry notifications and
// dispatches each to OnExpire, until ctx is cancelled. Runs on its own
// dedicated connection, independent of the raw-snapshot subscriptions.
func (t *Tracker) WatchExpiries(ctx context.Context) error {
	return t.store.SubscribeExpiries(ctx, func(key string) {
		t.OnExpire(ctx, key)
	})
}

func (t *Tracker) get(ctx context.Context, key string) (*storedRecord, error) {
	raw, err := t.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var rec storedRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record %s: %w", key, err)
	}
	return &rec, nil
}

func (t *Tracker) put(ctx context.Context, key string, rec *storedRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", key, err)
	}
	if err := t.store.Put(ctx, key, raw); err != nil {
		return fmt.Errorf("put record %s: %w", key, err)
	}
	return nil
}

// arm arms a brand-new sentinel: the sentinel key doesn't exist yet, so it
// is Put first (empty placeholder) and then armed.
func (t *Tracker) arm(ctx context.Context, dataKey string) error {
	sk := sentinelKey(dataKey)
	if err := t.store.Put(ctx, sk, []byte{}); err != nil {
		return fmt.Errorf("put sentinel %s: %w", sk, err)
	}
	return t.store.Arm(ctx, sk, t.ttl)
}

// refreshTTL re-arms an existing sentinel. If the sentinel already fired
// or was evicted, it's recreated via Put+Arm, an idempotent recovery
// path for the case where the sentinel is gone but the data key isn't.
func (t *Tracker) refreshTTL(ctx context.Context, dataKey string) error {
	sk := sentinelKey(dataKey)
	err := t.store.Arm(ctx, sk, t.ttl)
	if err == nil {
		return nil
	}
	t.log.Warn("sentinel missing on refresh, recreating", "key", sk, "err", err)
	return t.arm(ctx, dataKey)
}

func (t *Tracker) publishFlightPlanEvent(ctx context.Context, kind string, pilot events.PilotRef, fp vatsim.FlightPlan, at time.Time, st *events.StateTransition, pos *vatsim.Position) error {
	env := events.NewFlightPlanEvent(kind, pilot, fp, at.UnixMilli())
	env.State = st
	env.Position = pos

	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", kind, err)
	}

	route := events.RouteForFlightPlan(kind)
	if err := t.pub.Publish(ctx, route, payload); err != nil {
		return fmt.Errorf("publish %s: %w", kind, err)
	}

	t.met.EventsEmitted.WithLabelValues(route).Inc()
	switch kind {
	case "file":
		t.met.ActiveFlightPlans.Inc()
	case "expire":
		t.met.ActiveFlightPlans.Dec()
	}
	t.log.Info("flight plan "+kind, "cid", pilot.CID, "callsign", pilot.Callsign, "departure", fp.Departure, "revision", vatsim.FormatRevisionID(&fp))
	return nil
}
