// Package events defines the outbound event envelopes and the routes they
// publish to.
package events

import (
	"github.com/google/uuid"

	"github.com/vatsim-events/engine/internal/vatsim"
)

// Routes the engine publishes to.
const (
	RouteControllerConnect    = "events.controller.connect"
	RouteControllerDisconnect = "events.controller.disconnect"
	RouteFlightPlanFile       = "events.flight_plan.file"
	RouteFlightPlanUpdate     = "events.flight_plan.update"
	RouteFlightPlanExpire     = "events.flight_plan.expire"
	RouteFlightPlanState      = "events.flight_plan.state_change"
)

// Routes subscribed to for inbound raw snapshots.
const (
	RouteRawControllers = "raw.controllers"
	RouteRawFlightPlans = "raw.flight_plans"
	RouteRawPrefiles    = "raw.prefiles"
)

// ControllerEvent is the envelope published on connect/disconnect.
type ControllerEvent struct {
	EventID   string             `json:"event_id"`
	Event     string             `json:"event"` // "connect" | "disconnect"
	Data      vatsim.Controller  `json:"data"`
	Timestamp int64              `json:"timestamp"` // ms since epoch
}

// PilotRef identifies the pilot a flight-plan event is about.
type PilotRef struct {
	CID      int    `json:"cid"`
	Callsign string `json:"callsign"`
}

// StateTransition describes a state_change event's before/after.
type StateTransition struct {
	Previous string `json:"previous"`
	Current  string `json:"current"`
	Reason   string `json:"reason"`
}

// FlightPlanEvent is the envelope published on file/update/expire/state_change.
type FlightPlanEvent struct {
	EventID    string             `json:"event_id"`
	Event      string             `json:"event"` // "file"|"update"|"expire"|"state_change"
	Pilot      PilotRef           `json:"pilot"`
	FlightPlan vatsim.FlightPlan  `json:"flight_plan"`
	Timestamp  int64              `json:"timestamp"`
	State      *StateTransition   `json:"state,omitempty"`
	Position   *vatsim.Position   `json:"position,omitempty"`
}

// NewControllerEvent stamps a fresh event ID onto a controller envelope.
func NewControllerEvent(kind string, data vatsim.Controller, timestampMS int64) ControllerEvent {
	return ControllerEvent{
		EventID:   uuid.NewString(),
		Event:     kind,
		Data:      data,
		Timestamp: timestampMS,
	}
}

// NewFlightPlanEvent stamps a fresh event ID onto a flight-plan envelope.
func NewFlightPlanEvent(kind string, pilot PilotRef, fp vatsim.FlightPlan, timestampMS int64) FlightPlanEvent {
	return FlightPlanEvent{
		EventID:    uuid.NewString(),
		Event:      kind,
		Pilot:      pilot,
		FlightPlan: fp,
		Timestamp:  timestampMS,
	}
}

// RouteForController returns the outbound route for a controller event kind.
func RouteForController(kind string) string {
	if kind == "connect" {
		return RouteControllerConnect
	}
	return RouteControllerDisconnect
}

// RouteForFlightPlan returns the outbound route for a flight-plan event kind.
func RouteForFlightPlan(kind string) string {
	switch kind {
	case "file":
		return RouteFlightPlanFile
	case "update":
		return RouteFlightPlanUpdate
	case "expire":
		return RouteFlightPlanExpire
	case "state_change":
		return RouteFlightPlanState
	default:
		return ""
	}
}
