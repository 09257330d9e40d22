package flightplan

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vatsim-events/engine/internal/bus"
	"github.com/vatsim-events/engine/internal/clockutil"
	"github.com/vatsim-events/engine/internal/events"
	"github.com/vatsim-events/engine/internal/logging"
	"github.com/vatsim-events/engine/internal/metrics"
	"github.com/vatsim-events/engine/internal/store"
	"github.com/vatsim-events/engine/internal/vatsim"
)

var testMetricsSeq atomic.Int64

func newTestTracker() (*Tracker, *store.Memory, *bus.Memory, *clockutil.Fake) {
	clock := clockutil.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	st := store.NewMemory()
	mem := bus.NewMemory()
	ns := fmt.Sprintf("test_flightplan_%d", testMetricsSeq.Add(1))
	tr := New(st, mem, clock, logging.Nop(), metrics.New(ns), 10*time.Minute)
	return tr, st, mem, clock
}

func ifrPlan(departure string) *vatsim.FlightPlan {
	return &vatsim.FlightPlan{
		FlightRules: "I",
		Aircraft:    "B738",
		Departure:   departure,
		Arrival:     "EGKK",
		Route:       "DCT",
	}
}

func routesOf(mem *bus.Memory) []string {
	var routes []string
	for _, p := range mem.Published {
		routes = append(routes, p.Route)
	}
	return routes
}

// scenario (a): first sighting of an IFR pilot/prefile files a plan.
func TestIngestNewIFRFiles(t *testing.T) {
	tr, st, mem, _ := newTestTracker()
	ctx := context.Background()

	p := &vatsim.PilotOrPrefile{CID: 1, Callsign: "BAW123", FlightPlan: ifrPlan("EGLL")}
	if err := tr.Ingest(ctx, p); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	if len(mem.Published) != 1 || mem.Published[0].Route != events.RouteFlightPlanFile {
		t.Fatalf("expected exactly one file event, got %+v", routesOf(mem))
	}

	keys, _ := st.Scan(ctx, "1-BAW123-")
	if len(keys) != 1 {
		t.Fatalf("expected exactly one stored record, got %d", len(keys))
	}
}

// scenario (b): VFR plans are filtered, no events, no store writes.
func TestIngestVFRIsFiltered(t *testing.T) {
	tr, st, mem, _ := newTestTracker()
	ctx := context.Background()

	plan := ifrPlan("EGLL")
	plan.FlightRules = "V"
	p := &vatsim.PilotOrPrefile{CID: 1, Callsign: "BAW123", FlightPlan: plan}

	if err := tr.Ingest(ctx, p); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(mem.Published) != 0 {
		t.Fatalf("expected no events for a VFR plan, got %+v", routesOf(mem))
	}
	keys, _ := st.Scan(ctx, "1-BAW123-")
	if len(keys) != 0 {
		t.Fatalf("expected no stored record for a VFR plan, got %d", len(keys))
	}
}

// scenario (c): a departure change supersedes the old record: exactly one
// expire for the old record, one file for the new, and one active record.
func TestIngestDepartureChangeSupersedes(t *testing.T) {
	tr, st, mem, _ := newTestTracker()
	ctx := context.Background()

	first := &vatsim.PilotOrPrefile{CID: 1, Callsign: "BAW123", FlightPlan: ifrPlan("EGLL")}
	if err := tr.Ingest(ctx, first); err != nil {
		t.Fatalf("ingest first: %v", err)
	}

	second := &vatsim.PilotOrPrefile{CID: 1, Callsign: "BAW123", FlightPlan: ifrPlan("EGKK")}
	if err := tr.Ingest(ctx, second); err != nil {
		t.Fatalf("ingest second: %v", err)
	}

	routes := routesOf(mem)
	if len(routes) != 3 || routes[0] != events.RouteFlightPlanFile || routes[1] != events.RouteFlightPlanExpire || routes[2] != events.RouteFlightPlanFile {
		t.Fatalf("expected [file, expire, file], got %v", routes)
	}

	keys, _ := st.Scan(ctx, "1-BAW123-")
	if len(keys) != 1 {
		t.Fatalf("expected exactly one active record after supersession, got %d", len(keys))
	}
}

// scenario (d): a position report drives filed -> enroute at high ground speed.
func TestIngestPositionDrivesStateProgression(t *testing.T) {
	tr, _, mem, _ := newTestTracker()
	ctx := context.Background()

	filed := &vatsim.PilotOrPrefile{CID: 1, Callsign: "BAW123", FlightPlan: ifrPlan("EGLL")}
	if err := tr.Ingest(ctx, filed); err != nil {
		t.Fatalf("ingest filed: %v", err)
	}

	airborne := &vatsim.PilotOrPrefile{
		CID: 1, Callsign: "BAW123", FlightPlan: ifrPlan("EGLL"),
		Pos: &vatsim.Position{GroundSpeed: 120, Altitude: 15000},
	}
	if err := tr.Ingest(ctx, airborne); err != nil {
		t.Fatalf("ingest airborne: %v", err)
	}

	routes := routesOf(mem)
	if len(routes) != 2 || routes[1] != events.RouteFlightPlanState {
		t.Fatalf("expected [file, state_change], got %v", routes)
	}

	var env events.FlightPlanEvent
	if err := json.Unmarshal(mem.Published[1].Payload, &env); err != nil {
		t.Fatalf("unmarshal state_change: %v", err)
	}
	if env.State == nil || env.State.Previous != string(StateFiled) || env.State.Current != string(StateEnroute) {
		t.Fatalf("unexpected state transition: %+v", env.State)
	}
}

// scenario (e): on expiry, state_change(->cancelled) publishes before
// expire, and the data key is gone afterward.
func TestOnExpirePublishesStateThenExpireAndDeletes(t *testing.T) {
	tr, st, mem, _ := newTestTracker()
	ctx := context.Background()

	p := &vatsim.PilotOrPrefile{CID: 1, Callsign: "BAW123", FlightPlan: ifrPlan("EGLL")}
	if err := tr.Ingest(ctx, p); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	keys, _ := st.Scan(ctx, "1-BAW123-")
	if len(keys) != 1 {
		t.Fatalf("expected one stored record, got %d", len(keys))
	}
	dataKey := keys[0]

	tr.OnExpire(ctx, store.TTLPrefix+dataKey)

	routes := routesOf(mem)
	if len(routes) != 3 || routes[0] != events.RouteFlightPlanFile || routes[1] != events.RouteFlightPlanState || routes[2] != events.RouteFlightPlanExpire {
		t.Fatalf("expected [file, state_change, expire] in that order, got %v", routes)
	}

	var env events.FlightPlanEvent
	if err := json.Unmarshal(mem.Published[1].Payload, &env); err != nil {
		t.Fatalf("unmarshal state_change: %v", err)
	}
	if env.State == nil || env.State.Current != string(StateCancelled) {
		t.Fatalf("expected cancelled state_change, got %+v", env.State)
	}

	if _, err := st.Get(ctx, dataKey); err != store.ErrNotFound {
		t.Fatalf("expected data key gone after expiry, got err=%v", err)
	}
}

// OnExpire firing for a key whose data is already gone is an orphan expiry:
// logged and counted, not treated as an error.
func TestOnExpireOrphanIsSilent(t *testing.T) {
	tr, _, mem, _ := newTestTracker()
	ctx := context.Background()

	tr.OnExpire(ctx, store.TTLPrefix+"99-GHOST123-EGLL")

	if len(mem.Published) != 0 {
		t.Fatalf("expected no events published for an orphan expiry, got %+v", routesOf(mem))
	}
}

// A changed plan arriving without a position report (a prefile) emits only
// an update after the initial file, and the identity keeps a single record.
func TestIngestNoPositionUpdateOnlyTouchesPlanFields(t *testing.T) {
	tr, st, mem, _ := newTestTracker()
	ctx := context.Background()

	p := &vatsim.PilotOrPrefile{CID: 1, Callsign: "BAW123", FlightPlan: ifrPlan("EGLL")}
	if err := tr.Ingest(ctx, p); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	updated := ifrPlan("EGLL")
	updated.Route = "DCT BIG"
	p2 := &vatsim.PilotOrPrefile{CID: 1, Callsign: "BAW123", FlightPlan: updated}
	if err := tr.Ingest(ctx, p2); err != nil {
		t.Fatalf("ingest update: %v", err)
	}

	routes := routesOf(mem)
	if len(routes) != 2 || routes[1] != events.RouteFlightPlanUpdate {
		t.Fatalf("expected [file, update], got %v", routes)
	}

	keys, _ := st.Scan(ctx, "1-BAW123-")
	if len(keys) != 1 {
		t.Fatalf("expected one active record, got %d", len(keys))
	}
}
