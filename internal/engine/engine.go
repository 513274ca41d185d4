// Package engine defines the narrow capability surface the orchestration
// core consumes from the Diplomacy rules engine. The rules engine itself —
// state update and adjudication — is an external collaborator; this package
// only names the interface and the value types that cross it. Nothing here
// computes adjudication; see internal/engine/refengine for a minimal
// reference implementation used by tests and the demo wiring in cmd/server.
package engine

import "github.com/mhartwig21/agents-of-treachery-sub006/internal/types"

// UnitRef identifies one unit on the board without committing to any
// particular map representation; Location is engine-defined (a province
// abbreviation in a real engine).
type UnitRef struct {
	ID       string
	Location string
	Power    types.Power
}

// OrderAction is the closed set of order kinds the orchestration core needs
// to name, either because an agent submitted one or because the
// orchestrator must synthesize a default.
type OrderAction string

const (
	ActionHold    OrderAction = "HOLD"
	ActionMove    OrderAction = "MOVE"
	ActionSupport OrderAction = "SUPPORT"
	ActionConvoy  OrderAction = "CONVOY"
	ActionDisband OrderAction = "DISBAND"
	ActionBuild   OrderAction = "BUILD"
	ActionWaive   OrderAction = "WAIVE"
)

// Order is one instruction for one unit (or, for BUILD/WAIVE, one power).
// The rules engine is responsible for validating legality; this struct only
// carries what the orchestration core must be able to construct for
// default-order synthesis and forward for agent-submitted orders.
type Order struct {
	Power    types.Power
	UnitID   string
	Location string
	Action   OrderAction
	Target   string
	BuildAt  string
}

// ResolutionResult is what a Resolve* call reports back; the orchestration
// core turns it into a types.ResolutionSummary without inspecting engine
// internals further.
type ResolutionResult struct {
	SuccessfulMoves int
	FailedMoves     int
	Dislodged       []UnitRef
	UnitsBuilt      int
	UnitsDisbanded  int
	SupplyChanges   []types.SupplyChange
}

// State is the opaque, engine-owned game state. The orchestration core only
// ever reads it through these accessors or passes it back into the engine;
// it never mutates state directly. It also satisfies json.Marshaler so the
// snapshot persistence layer can serialize it without knowing the concrete
// engine behind the interface.
type State interface {
	Year() int
	Season() types.Season
	Phase() types.Phase
	UnitsOf(p types.Power) []UnitRef
	DislodgedOf(p types.Power) []UnitRef
	PendingBuilds(p types.Power) int
	SupplyCenterCount(p types.Power) int
	Clone() State
	MarshalJSON() ([]byte, error)
}

// RulesEngine is the full capability set the orchestration core consumes.
// It is a narrow interface, not a class hierarchy: any engine implementation
// — a real adjudicator, a subprocess bridge, or a test double — satisfies it
// the same way.
type RulesEngine interface {
	InitialState() State

	SubmitMovementOrders(state State, power types.Power, orders []Order) (State, error)
	SubmitRetreatOrders(state State, power types.Power, orders []Order) (State, error)
	SubmitBuildOrders(state State, power types.Power, orders []Order) (State, error)

	ResolveMovement(state State) (State, ResolutionResult, error)
	ResolveRetreats(state State) (State, ResolutionResult, error)
	ResolveBuilds(state State) (State, ResolutionResult, error)

	// UnmarshalState reconstructs a State from bytes produced by its
	// MarshalJSON, the inverse operation the snapshot persistence layer
	// needs to rehydrate a Session after a process restart.
	UnmarshalState(data []byte) (State, error)
}

// DefaultOrders synthesizes the canonical safe fallback for a power in the
// given phase, per the orchestration core's timeout and LLM-exhaustion
// policy: HOLD every unit in DIPLOMACY/MOVEMENT, disband every dislodged
// unit in RETREAT, and in BUILD either disband the first |pending| units in
// engine order (negative pending) or waive (positive pending).
func DefaultOrders(state State, phase types.Phase, power types.Power) []Order {
	switch phase {
	case types.PhaseDiplomacy, types.PhaseMovement:
		units := state.UnitsOf(power)
		orders := make([]Order, 0, len(units))
		for _, u := range units {
			orders = append(orders, Order{Power: power, UnitID: u.ID, Location: u.Location, Action: ActionHold})
		}
		return orders
	case types.PhaseRetreat:
		dislodged := state.DislodgedOf(power)
		orders := make([]Order, 0, len(dislodged))
		for _, u := range dislodged {
			orders = append(orders, Order{Power: power, UnitID: u.ID, Location: u.Location, Action: ActionDisband})
		}
		return orders
	case types.PhaseBuild:
		pending := state.PendingBuilds(power)
		if pending < 0 {
			units := state.UnitsOf(power)
			n := -pending
			if n > len(units) {
				n = len(units)
			}
			orders := make([]Order, 0, n)
			for i := 0; i < n; i++ {
				orders = append(orders, Order{Power: power, UnitID: units[i].ID, Location: units[i].Location, Action: ActionDisband})
			}
			return orders
		}
		if pending > 0 {
			return []Order{{Power: power, Action: ActionWaive}}
		}
		return nil
	}
	return nil
}

// ActivePowers returns the distinct powers that must submit for phase,
// computed per the orchestrator's phase-specific activity rule:
// DIPLOMACY/MOVEMENT want any power with at least one unit; RETREAT wants
// any power with at least one pending dislodged unit; BUILD wants any power
// whose pending_builds is non-zero.
func ActivePowers(state State, phase types.Phase) []types.Power {
	var active []types.Power
	for _, p := range types.AllPowers() {
		switch phase {
		case types.PhaseDiplomacy, types.PhaseMovement:
			if len(state.UnitsOf(p)) > 0 {
				active = append(active, p)
			}
		case types.PhaseRetreat:
			if len(state.DislodgedOf(p)) > 0 {
				active = append(active, p)
			}
		case types.PhaseBuild:
			if state.PendingBuilds(p) != 0 {
				active = append(active, p)
			}
		}
	}
	return active
}
