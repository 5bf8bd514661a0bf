package screening

import (
	"fmt"
	"sort"
)

// State is a session's position in the screening pathway.
type State string

const (
	Registered           State = "registered"
	AssessmentInProgress State = "assessment_in_progress"
	AssessmentComplete   State = "assessment_complete"
	Closed               State = "closed"
	DetailedMeasurement  State = "detailed_measurement"
	Referred             State = "referred"
	PrescriptionRequired State = "prescription_required"
	PrescriptionCreated  State = "prescription_created"
	ManufacturingOrdered State = "manufacturing_ordered"
	Delivered            State = "delivered"
	FittingComplete      State = "fitting_complete"
	FollowUpPending      State = "followup_pending"
	FollowUpComplete     State = "followup_complete"
	ReScreenTriggered    State = "rescreen_triggered"
	Abandoned            State = "abandoned"
	Cancelled            State = "cancelled"
)

// States lists every state in pathway order.
var States = []State{
	Registered, AssessmentInProgress, AssessmentComplete, Closed,
	DetailedMeasurement, Referred, PrescriptionRequired, PrescriptionCreated,
	ManufacturingOrdered, Delivered, FittingComplete, FollowUpPending,
	FollowUpComplete, ReScreenTriggered, Abandoned, Cancelled,
}

var terminal = map[State]bool{
	Closed:            true,
	Referred:          true,
	FollowUpComplete:  true,
	ReScreenTriggered: true,
	Abandoned:         true,
	Cancelled:         true,
}

// transitions is the pathway edge table. Abandoned and Cancelled are added
// to every non-terminal state by init.
var transitions = map[State][]State{
	Registered:           {AssessmentInProgress},
	AssessmentInProgress: {AssessmentComplete},
	AssessmentComplete:   {Closed, DetailedMeasurement},
	DetailedMeasurement:  {Referred, PrescriptionRequired, Closed},
	PrescriptionRequired: {PrescriptionCreated, Referred, Closed},
	PrescriptionCreated:  {ManufacturingOrdered},
	ManufacturingOrdered: {Delivered, PrescriptionCreated},
	Delivered:            {FittingComplete, PrescriptionCreated},
	FittingComplete:      {FollowUpPending, ManufacturingOrdered},
	FollowUpPending:      {FollowUpComplete, ReScreenTriggered, ManufacturingOrdered},
}

var edges map[State]map[State]bool

func init() {
	edges = make(map[State]map[State]bool, len(States))
	for _, s := range States {
		edges[s] = make(map[State]bool)
		for _, to := range transitions[s] {
			edges[s][to] = true
		}
		if !terminal[s] {
			edges[s][Abandoned] = true
			edges[s][Cancelled] = true
		}
	}
	if err := checkTable(edges); err != nil {
		panic(err)
	}
}

// checkTable verifies that every edge joins known states, terminal states
// have no way out, and every state is reachable from Registered.
func checkTable(t map[State]map[State]bool) error {
	known := make(map[State]bool, len(States))
	for _, s := range States {
		known[s] = true
	}
	for from, tos := range t {
		if !known[from] {
			return fmt.Errorf("screening: unknown state %q in transition table", from)
		}
		if terminal[from] && len(tos) > 0 {
			return fmt.Errorf("screening: terminal state %q has outgoing transitions", from)
		}
		for to := range tos {
			if !known[to] {
				return fmt.Errorf("screening: %q -> unknown state %q", from, to)
			}
		}
	}

	seen := map[State]bool{Registered: true}
	queue := []State{Registered}
	for len(queue) > 0 {
		s := queue[0]
		queue = queue[1:]
		for to := range t[s] {
			if !seen[to] {
				seen[to] = true
				queue = append(queue, to)
			}
		}
	}
	var unreachable []string
	for _, s := range States {
		if !seen[s] {
			unreachable = append(unreachable, string(s))
		}
	}
	if len(unreachable) > 0 {
		sort.Strings(unreachable)
		return fmt.Errorf("screening: unreachable states %v", unreachable)
	}
	return nil
}

func (s State) Valid() bool {
	_, ok := edges[s]
	return ok
}

// Terminal reports whether the session has left the pathway for good.
func (s State) Terminal() bool { return terminal[s] }

// Active reports whether the session still counts against its patient.
func (s State) Active() bool { return s.Valid() && !s.Terminal() }

// CanTransition reports whether from -> to is a pathway edge.
func CanTransition(from, to State) bool {
	return edges[from][to]
}
