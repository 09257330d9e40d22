// Package vatsim defines the wire types carried by the raw snapshot feed:
// controllers, pilots, prefiles, and the flight plans they carry.
package vatsim

import (
	"encoding/json"
	"strconv"
)

// FlexString unmarshals a JSON field that upstream sometimes sends as a
// string and sometimes as a number into a plain string, so downstream
// diffing never has to care which representation arrived this time.
// Upstream sometimes delivers the same value as a number and sometimes as
// a string.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = FlexString(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		if _, err := n.Int64(); err == nil {
			*f = FlexString(n.String())
			return nil
		}
		if v, err := n.Float64(); err == nil {
			*f = FlexString(strconv.FormatFloat(v, 'f', -1, 64))
			return nil
		}
		*f = FlexString(n.String())
		return nil
	}

	*f = ""
	return nil
}

func (f FlexString) String() string { return string(f) }

// Controller is a VATSIM controller record, verbatim on the wire.
type Controller struct {
	CID         int      `json:"cid"`
	Name        string   `json:"name"`
	Callsign    string   `json:"callsign"`
	Frequency   string   `json:"frequency"`
	Facility    int      `json:"facility"`
	Rating      int      `json:"rating"`
	Server      string   `json:"server"`
	VisualRange int      `json:"visual_range"`
	TextATIS    []string `json:"text_atis"`
	LastUpdated string   `json:"last_updated"`
	LogonTime   string   `json:"logon_time"`
}

// FlightPlan is the 16-field plan body, carried opaquely for diffing (§3).
type FlightPlan struct {
	FlightRules         string     `json:"flight_rules"`
	Aircraft            string     `json:"aircraft"`
	AircraftFAA         string     `json:"aircraft_faa"`
	AircraftShort       string     `json:"aircraft_short"`
	Departure           string     `json:"departure"`
	Arrival             string     `json:"arrival"`
	Alternate           string     `json:"alternate"`
	CruiseTAS           FlexString `json:"cruise_tas"`
	Altitude            FlexString `json:"altitude"`
	DepTime             FlexString `json:"deptime"`
	EnrouteTime         FlexString `json:"enroute_time"`
	FuelTime            FlexString `json:"fuel_time"`
	Remarks             string     `json:"remarks"`
	Route               string     `json:"route"`
	RevisionID          FlexString `json:"revision_id"`
	AssignedTransponder string     `json:"assigned_transponder"`
}

// fields returns the 16 plan fields stringified, in a stable order, for
// string-equality diffing.
func (p *FlightPlan) fields() [16]string {
	if p == nil {
		return [16]string{}
	}
	return [16]string{
		p.FlightRules, p.Aircraft, p.AircraftFAA, p.AircraftShort,
		p.Departure, p.Arrival, p.Alternate, p.CruiseTAS.String(),
		p.Altitude.String(), p.DepTime.String(), p.EnrouteTime.String(),
		p.FuelTime.String(), p.Remarks, p.Route, p.RevisionID.String(),
		p.AssignedTransponder,
	}
}

// Differs reports whether any of the 16 plan fields differ between old and
// new, comparing both sides as strings. A nil old or new plan always
// differs.
func Differs(old, new *FlightPlan) bool {
	if old == nil {
		return true
	}
	if new == nil {
		return true
	}
	return old.fields() != new.fields()
}

// Position is the pilot's latest reported position/velocity.
type Position struct {
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Altitude    int     `json:"altitude"`
	GroundSpeed int     `json:"groundspeed"`
	Heading     int     `json:"heading"`
}

// Pilot is a connected pilot with a position report.
type Pilot struct {
	CID         int         `json:"cid"`
	Name        string      `json:"name"`
	Callsign    string      `json:"callsign"`
	Latitude    float64     `json:"latitude"`
	Longitude   float64     `json:"longitude"`
	Altitude    int         `json:"altitude"`
	GroundSpeed int         `json:"groundspeed"`
	Heading     int         `json:"heading"`
	FlightPlan  *FlightPlan `json:"flight_plan,omitempty"`
}

// Position extracts this pilot's position report.
func (p *Pilot) Position() Position {
	return Position{
		Latitude:    p.Latitude,
		Longitude:   p.Longitude,
		Altitude:    p.Altitude,
		GroundSpeed: p.GroundSpeed,
		Heading:     p.Heading,
	}
}

// Prefile is a filed flight plan with no active connection: no position.
type Prefile struct {
	CID        int         `json:"cid"`
	Name       string      `json:"name"`
	Callsign   string      `json:"callsign"`
	FlightPlan *FlightPlan `json:"flight_plan,omitempty"`
}

// PilotOrPrefile is the admission-side union the flight-plan tracker
// ingests: either a connected Pilot (HasPosition true) or a Prefile.
type PilotOrPrefile struct {
	CID        int
	Callsign   string
	FlightPlan *FlightPlan
	Pos        *Position // nil for a Prefile
}

// HasPosition reports whether this ingest carries a live position report.
func (p *PilotOrPrefile) HasPosition() bool { return p.Pos != nil }

// FromPilot builds a PilotOrPrefile from a Pilot snapshot.
func FromPilot(p *Pilot) *PilotOrPrefile {
	pos := p.Position()
	return &PilotOrPrefile{
		CID:        p.CID,
		Callsign:   p.Callsign,
		FlightPlan: p.FlightPlan,
		Pos:        &pos,
	}
}

// FromPrefile builds a PilotOrPrefile from a Prefile snapshot.
func FromPrefile(p *Prefile) *PilotOrPrefile {
	return &PilotOrPrefile{
		CID:        p.CID,
		Callsign:   p.Callsign,
		FlightPlan: p.FlightPlan,
		Pos:        nil,
	}
}

// ControllerBatch is the inbound envelope for a controller snapshot (§6).
type ControllerBatch struct {
	Data    Controller `json:"data"`
	BatchID string     `json:"batchId,omitempty"`
}

// PilotBatch is the inbound envelope for a pilot snapshot (§6).
type PilotBatch struct {
	Data    Pilot  `json:"data"`
	BatchID string `json:"batchId,omitempty"`
}

// PrefileBatch is the inbound envelope for a prefile snapshot (§6).
type PrefileBatch struct {
	Data    Prefile `json:"data"`
	BatchID string  `json:"batchId,omitempty"`
}

// IsIFR reports whether a flight plan is filed under instrument flight
// rules; VFR plans are silently filtered by the flight-plan tracker.
func IsIFR(fp *FlightPlan) bool {
	return fp != nil && fp.FlightRules == "I"
}

// FormatRevisionID returns the flight plan's revision as a number, for
// logging; malformed/non-numeric values come back as 0.
func FormatRevisionID(fp *FlightPlan) int {
	if fp == nil {
		return 0
	}
	n, err := strconv.Atoi(fp.RevisionID.String())
	if err != nil {
		return 0
	}
	return n
}
