// Package refengine is a minimal, deliberately simple RulesEngine
// implementation. It exists so the orchestration core — the subject of this
// repository — has something real to run against in tests and in the
// cmd/server demo wiring, without pulling in a full adjudicator. It knows
// the standard Diplomacy starting position and the seven home supply center
// counts, and it adjudicates only the order shapes the orchestration core
// itself needs to exercise (hold, an uncontested move, disband, build,
// waive); it does not attempt support, convoy, or contested-move resolution.
// A production deployment swaps this out for a real engine behind the same
// engine.RulesEngine interface.
package refengine

import (
	"encoding/json"
	"fmt"

	"github.com/mhartwig21/agents-of-treachery-sub006/internal/engine"
	"github.com/mhartwig21/agents-of-treachery-sub006/internal/types"
)

type unit struct {
	id       string
	location string
	power    types.Power
	isFleet  bool
}

// state is refengine's concrete engine.State. It is never mutated in place;
// every Submit/Resolve call that changes anything returns a Clone.
type state struct {
	year          int
	season        types.Season
	phase         types.Phase
	units         []unit
	dislodged     []unit
	supplyCenters map[string]types.Power
	homeCenters   map[types.Power][]string
	pendingOrders map[types.Power][]engine.Order
	pendingBuilds map[types.Power]int
}

func (s *state) Year() int            { return s.year }
func (s *state) Season() types.Season { return s.season }
func (s *state) Phase() types.Phase   { return s.phase }

func (s *state) UnitsOf(p types.Power) []engine.UnitRef {
	var out []engine.UnitRef
	for _, u := range s.units {
		if u.power == p {
			out = append(out, engine.UnitRef{ID: u.id, Location: u.location, Power: u.power})
		}
	}
	return out
}

func (s *state) DislodgedOf(p types.Power) []engine.UnitRef {
	var out []engine.UnitRef
	for _, u := range s.dislodged {
		if u.power == p {
			out = append(out, engine.UnitRef{ID: u.id, Location: u.location, Power: u.power})
		}
	}
	return out
}

func (s *state) PendingBuilds(p types.Power) int {
	return s.pendingBuilds[p]
}

func (s *state) SupplyCenterCount(p types.Power) int {
	n := 0
	for _, owner := range s.supplyCenters {
		if owner == p {
			n++
		}
	}
	return n
}

func (s *state) Clone() engine.State {
	return s.clone()
}

func (s *state) clone() *state {
	cp := &state{
		year:          s.year,
		season:        s.season,
		phase:         s.phase,
		units:         append([]unit(nil), s.units...),
		dislodged:     append([]unit(nil), s.dislodged...),
		supplyCenters: make(map[string]types.Power, len(s.supplyCenters)),
		homeCenters:   s.homeCenters,
		pendingOrders: make(map[types.Power][]engine.Order, len(s.pendingOrders)),
		pendingBuilds: make(map[types.Power]int, len(s.pendingBuilds)),
	}
	for k, v := range s.supplyCenters {
		cp.supplyCenters[k] = v
	}
	for k, v := range s.pendingOrders {
		cp.pendingOrders[k] = append([]engine.Order(nil), v...)
	}
	for k, v := range s.pendingBuilds {
		cp.pendingBuilds[k] = v
	}
	return cp
}

// unitDTO is unit's JSON-serializable shape; unit itself keeps unexported
// fields since nothing outside this package constructs one directly.
type unitDTO struct {
	ID       string      `json:"id"`
	Location string      `json:"location"`
	Power    types.Power `json:"power"`
	IsFleet  bool        `json:"is_fleet"`
}

func toUnitDTOs(units []unit) []unitDTO {
	out := make([]unitDTO, len(units))
	for i, u := range units {
		out[i] = unitDTO{ID: u.id, Location: u.location, Power: u.power, IsFleet: u.isFleet}
	}
	return out
}

func fromUnitDTOs(dtos []unitDTO) []unit {
	out := make([]unit, len(dtos))
	for i, d := range dtos {
		out[i] = unit{id: d.ID, location: d.Location, power: d.Power, isFleet: d.IsFleet}
	}
	return out
}

// stateDTO is the JSON-serializable shape of state, used by MarshalJSON and
// UnmarshalState so the snapshot persistence layer can round-trip a State
// without reaching into refengine's unexported fields directly.
type stateDTO struct {
	Year          int                      `json:"year"`
	Season        types.Season             `json:"season"`
	Phase         types.Phase              `json:"phase"`
	Units         []unitDTO                `json:"units"`
	Dislodged     []unitDTO                `json:"dislodged"`
	SupplyCenters map[string]types.Power   `json:"supply_centers"`
	HomeCenters   map[types.Power][]string `json:"home_centers"`
	PendingBuilds map[types.Power]int      `json:"pending_builds"`
}

// MarshalJSON implements engine.State's json.Marshaler requirement. Pending
// orders are not persisted, so a State restored from a snapshot taken
// mid-phase (the manager persists one after every event, including each
// ORDERS_SUBMITTED) carries no staged orders.
func (s *state) MarshalJSON() ([]byte, error) {
	return json.Marshal(stateDTO{
		Year: s.year, Season: s.season, Phase: s.phase,
		Units: toUnitDTOs(s.units), Dislodged: toUnitDTOs(s.dislodged),
		SupplyCenters: s.supplyCenters, HomeCenters: s.homeCenters,
		PendingBuilds: s.pendingBuilds,
	})
}

// Engine is the refengine RulesEngine implementation.
type Engine struct{}

// New returns a refengine Engine.
func New() *Engine {
	return &Engine{}
}

// UnmarshalState reconstructs a State from bytes produced by MarshalJSON.
func (e *Engine) UnmarshalState(data []byte) (engine.State, error) {
	var dto stateDTO
	if err := json.Unmarshal(data, &dto); err != nil {
		return nil, fmt.Errorf("refengine: unmarshal state: %w", err)
	}
	s := &state{
		year: dto.Year, season: dto.Season, phase: dto.Phase,
		units: fromUnitDTOs(dto.Units), dislodged: fromUnitDTOs(dto.Dislodged),
		supplyCenters: dto.SupplyCenters, homeCenters: dto.HomeCenters,
		pendingOrders: map[types.Power][]engine.Order{},
		pendingBuilds: dto.PendingBuilds,
	}
	if s.supplyCenters == nil {
		s.supplyCenters = map[string]types.Power{}
	}
	if s.pendingBuilds == nil {
		s.pendingBuilds = map[types.Power]int{}
	}
	return s, nil
}

// InitialState returns the standard Diplomacy starting position: 1901
// Spring Movement, 22 units on 22 home supply centers: three per power,
// except Russia, which starts with four.
func (e *Engine) InitialState() engine.State {
	s := &state{
		year:          1901,
		season:        types.Spring,
		phase:         types.PhaseMovement,
		supplyCenters: map[string]types.Power{},
		homeCenters:   map[types.Power][]string{},
		pendingOrders: map[types.Power][]engine.Order{},
		pendingBuilds: map[types.Power]int{},
	}

	add := func(p types.Power, id, loc string, fleet bool) {
		s.units = append(s.units, unit{id: id, location: loc, power: p, isFleet: fleet})
		s.supplyCenters[loc] = p
		s.homeCenters[p] = append(s.homeCenters[p], loc)
	}

	add(types.England, "eng-1", "LON", true)
	add(types.England, "eng-2", "EDI", true)
	add(types.England, "eng-3", "LVP", false)

	add(types.France, "fra-1", "PAR", false)
	add(types.France, "fra-2", "MAR", false)
	add(types.France, "fra-3", "BRE", true)

	add(types.Germany, "ger-1", "BER", false)
	add(types.Germany, "ger-2", "MUN", false)
	add(types.Germany, "ger-3", "KIE", true)

	add(types.Italy, "ita-1", "ROM", false)
	add(types.Italy, "ita-2", "VEN", false)
	add(types.Italy, "ita-3", "NAP", true)

	add(types.Austria, "aus-1", "VIE", false)
	add(types.Austria, "aus-2", "BUD", false)
	add(types.Austria, "aus-3", "TRI", true)

	add(types.Russia, "rus-1", "MOS", false)
	add(types.Russia, "rus-2", "WAR", false)
	add(types.Russia, "rus-3", "STP", true)
	add(types.Russia, "rus-4", "SEV", true)

	add(types.Turkey, "tur-1", "CON", false)
	add(types.Turkey, "tur-2", "SMY", false)
	add(types.Turkey, "tur-3", "ANK", true)

	return s
}

func submit(st engine.State, power types.Power, orders []engine.Order) (engine.State, error) {
	s, ok := st.(*state)
	if !ok {
		return nil, fmt.Errorf("refengine: state from another engine")
	}
	cp := s.clone()
	cp.pendingOrders[power] = append([]engine.Order(nil), orders...)
	return cp, nil
}

// SubmitMovementOrders stages movement/diplomacy orders for later resolution.
func (e *Engine) SubmitMovementOrders(st engine.State, power types.Power, orders []engine.Order) (engine.State, error) {
	return submit(st, power, orders)
}

// SubmitRetreatOrders stages retreat-phase orders.
func (e *Engine) SubmitRetreatOrders(st engine.State, power types.Power, orders []engine.Order) (engine.State, error) {
	return submit(st, power, orders)
}

// SubmitBuildOrders stages build-phase orders.
func (e *Engine) SubmitBuildOrders(st engine.State, power types.Power, orders []engine.Order) (engine.State, error) {
	return submit(st, power, orders)
}

// ResolveMovement applies every staged movement order. HOLD always
// succeeds; MOVE succeeds iff the destination is currently unoccupied
// (refengine does not model contested moves, support, or convoy).
func (e *Engine) ResolveMovement(st engine.State) (engine.State, engine.ResolutionResult, error) {
	s, ok := st.(*state)
	if !ok {
		return nil, engine.ResolutionResult{}, fmt.Errorf("refengine: state from another engine")
	}
	cp := s.clone()
	var result engine.ResolutionResult

	occupied := map[string]bool{}
	for _, u := range cp.units {
		occupied[u.location] = true
	}

	for power, orders := range cp.pendingOrders {
		for _, o := range orders {
			switch o.Action {
			case engine.ActionHold, engine.ActionSupport, engine.ActionConvoy, "":
				result.SuccessfulMoves++
			case engine.ActionMove:
				if occupied[o.Target] {
					result.FailedMoves++
					continue
				}
				for i := range cp.units {
					if cp.units[i].id == o.UnitID && cp.units[i].power == power {
						delete(occupied, cp.units[i].location)
						cp.units[i].location = o.Target
						occupied[o.Target] = true
						break
					}
				}
				result.SuccessfulMoves++
			default:
				result.SuccessfulMoves++
			}
		}
	}

	cp.pendingOrders = map[types.Power][]engine.Order{}
	result.Dislodged = nil
	return cp, result, nil
}

// ResolveRetreats applies staged retreat orders; refengine only supports
// disbanding a dislodged unit (no retreat-to-province modeling).
func (e *Engine) ResolveRetreats(st engine.State) (engine.State, engine.ResolutionResult, error) {
	s, ok := st.(*state)
	if !ok {
		return nil, engine.ResolutionResult{}, fmt.Errorf("refengine: state from another engine")
	}
	cp := s.clone()
	var result engine.ResolutionResult

	disbanded := map[string]bool{}
	for _, orders := range cp.pendingOrders {
		for _, o := range orders {
			if o.Action == engine.ActionDisband {
				disbanded[o.UnitID] = true
				result.UnitsDisbanded++
			}
		}
	}
	var remaining []unit
	for _, u := range cp.dislodged {
		if !disbanded[u.id] {
			remaining = append(remaining, u)
		}
	}
	cp.dislodged = remaining
	cp.pendingOrders = map[types.Power][]engine.Order{}
	return cp, result, nil
}

// ResolveBuilds applies staged build/disband/waive orders, then clears
// pending_builds for every power (the standard adjustment-phase contract).
func (e *Engine) ResolveBuilds(st engine.State) (engine.State, engine.ResolutionResult, error) {
	s, ok := st.(*state)
	if !ok {
		return nil, engine.ResolutionResult{}, fmt.Errorf("refengine: state from another engine")
	}
	cp := s.clone()
	var result engine.ResolutionResult

	for power, orders := range cp.pendingOrders {
		for _, o := range orders {
			switch o.Action {
			case engine.ActionBuild:
				id := fmt.Sprintf("%s-build-%d", power, len(cp.units)+1)
				cp.units = append(cp.units, unit{id: id, location: o.BuildAt, power: power})
				result.UnitsBuilt++
			case engine.ActionDisband:
				for i := range cp.units {
					if cp.units[i].id == o.UnitID && cp.units[i].power == power {
						cp.units = append(cp.units[:i], cp.units[i+1:]...)
						result.UnitsDisbanded++
						break
					}
				}
			case engine.ActionWaive:
				// no-op
			}
		}
	}

	cp.pendingOrders = map[types.Power][]engine.Order{}
	cp.pendingBuilds = map[types.Power]int{}
	return cp, result, nil
}

// SetPendingBuilds is a test/demo helper for driving BUILD-phase scenarios;
// a real engine derives pending_builds internally from the SC/unit mismatch
// after Fall resolution.
func SetPendingBuilds(st engine.State, power types.Power, n int) {
	if s, ok := st.(*state); ok {
		s.pendingBuilds[power] = n
	}
}

// SetDislodged is a test/demo helper for driving RETREAT-phase scenarios.
func SetDislodged(st engine.State, power types.Power, unitID, location string) {
	if s, ok := st.(*state); ok {
		s.dislodged = append(s.dislodged, unit{id: unitID, location: location, power: power})
	}
}

