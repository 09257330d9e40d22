package flightplan

// State is one of the six flight-plan lifecycle states.
type State string

const (
	StateFiled       State = "filed"
	StateDeparting   State = "departing"
	StateEnroute     State = "enroute"
	StateApproaching State = "approaching"
	StateArrived     State = "arrived"
	StateCancelled   State = "cancelled"
)

// Ground-speed and altitude thresholds. Altitude thresholds are declared
// but never consulted by Transition, only ground speed drives
// transitions. This is intentional, to avoid inventing transitions no
// upstream client has asked for.
const (
	taxiGroundSpeedKts      = 30
	takeoffGroundSpeedKts   = 60
	landingGroundSpeedKts   = 60
	groundAltitudeFt        = 100
	climbDescendDeltaFt     = 1000
)

// allowedNext is the validation table layered on top of Transition's
// proposals. Terminal states map to an empty set.
var allowedNext = map[State]map[State]bool{
	StateFiled:       {StateDeparting: true, StateEnroute: true, StateCancelled: true},
	StateDeparting:   {StateEnroute: true, StateCancelled: true},
	StateEnroute:     {StateApproaching: true, StateArrived: true, StateCancelled: true},
	StateApproaching: {StateArrived: true, StateCancelled: true},
	StateArrived:     {},
	StateCancelled:   {},
}

// IsAllowed reports whether transitioning from `from` to `to` is in the
// allowed-transition set. The state field is monotone: once a flight plan
// reaches a later state it never regresses to an earlier one.
func IsAllowed(from, to State) bool {
	next, ok := allowedNext[from]
	if !ok {
		return false
	}
	return next[to]
}

// Proposal is a state transition proposed by Transition, before allowed-set
// validation.
type Proposal struct {
	From   State
	To     State
	Reason string
}

// Transition evaluates an ordered condition table against groundspeed and
// returns at most one proposed transition. An empty
// current defaults to StateFiled. Callers must still check IsAllowed
// before acting on the result, Transition does not consult the
// allowed-transition table itself.
func Transition(current State, groundspeed int) (Proposal, bool) {
	if current == "" {
		current = StateFiled
	}

	switch current {
	case StateFiled:
		if groundspeed > takeoffGroundSpeedKts {
			return Proposal{From: current, To: StateEnroute, Reason: "already_airborne"}, true
		}
		if groundspeed < taxiGroundSpeedKts {
			return Proposal{From: current, To: StateDeparting, Reason: "pilot_connected_at_gate"}, true
		}
	case StateDeparting:
		if groundspeed > takeoffGroundSpeedKts {
			return Proposal{From: current, To: StateEnroute, Reason: "ground_speed_above_takeoff_threshold"}, true
		}
	case StateEnroute:
		if groundspeed < taxiGroundSpeedKts {
			return Proposal{From: current, To: StateArrived, Reason: "already_landed"}, true
		}
		if groundspeed < landingGroundSpeedKts {
			return Proposal{From: current, To: StateApproaching, Reason: "slowing_for_approach"}, true
		}
	case StateApproaching:
		if groundspeed < taxiGroundSpeedKts {
			return Proposal{From: current, To: StateArrived, Reason: "landed_and_taxiing"}, true
		}
	case StateArrived, StateCancelled:
		// Terminal: no transition.
	}

	return Proposal{}, false
}
