// Package session implements the Session component: it owns one game's
// rules-engine state and its Orchestrator, enforces status-legal
// transitions, maintains the append-only event history, and produces or
// restores snapshots. Session is the only thing in this repository that
// decides what phase comes next — the Orchestrator enforces deadlines and
// submission bookkeeping for whatever phase Session starts it on, but never
// decides the transition itself (per 4.2: "the Session is responsible for
// starting the next phase").
package session

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mhartwig21/agents-of-treachery-sub006/internal/engine"
	"github.com/mhartwig21/agents-of-treachery-sub006/internal/orcherr"
	"github.com/mhartwig21/agents-of-treachery-sub006/internal/orchestrator"
	"github.com/mhartwig21/agents-of-treachery-sub006/internal/types"
)

const soloVictoryThreshold = 18

type listenerEntry struct {
	id uint64
	cb types.EventListener
}

// Session binds a rules-engine State, an Orchestrator, and an event history
// into one game lifecycle.
type Session struct {
	mu sync.Mutex

	gameID string
	name   string
	status types.GameStatus

	rules engine.RulesEngine
	state engine.State
	orch  *orchestrator.Orchestrator

	eventHistory []types.GameEvent
	listeners    []listenerEntry
	nextListenerID uint64

	createdAt   time.Time
	startedAt   *time.Time
	completedAt *time.Time

	now func() time.Time
}

// New constructs a fresh PENDING Session and emits GAME_CREATED.
func New(gameID, name string, rules engine.RulesEngine, cfg types.OrchestratorConfig) *Session {
	s := &Session{
		gameID:    gameID,
		name:      name,
		status:    types.StatusPending,
		rules:     rules,
		createdAt: time.Now(),
		now:       time.Now,
	}
	s.orch = orchestrator.New(gameID, rules, cfg)
	s.orch.SetAutoResolveCallback(s.handleAutoResolve)
	s.orch.SetEngineFailureCallback(s.handleEngineFailure)
	s.orch.OnEvent(s.recordAndForward)

	s.emitLocal(types.EventGameCreated, nil)
	return s
}

// SetClock overrides the session's (and its orchestrator's) time source,
// for deterministic tests.
func (s *Session) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
	s.orch.SetClock(now)
}

// GameID returns the session's identifier.
func (s *Session) GameID() string { return s.gameID }

// Name returns the session's display name.
func (s *Session) Name() string { return s.name }

// Status returns the current lifecycle status.
func (s *Session) Status() types.GameStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// State returns the current rules-engine state, for callers (tests, admin
// tooling) that need to inspect it directly.
func (s *Session) State() engine.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Orchestrator exposes the underlying Orchestrator for callers that need
// config/agent management beyond the Session surface (admin API).
func (s *Session) Orchestrator() *orchestrator.Orchestrator {
	return s.orch
}

// OnEvent subscribes to the Session's own event history — orchestrator
// events forwarded verbatim, plus Session-level GAME_* events. Idempotent
// unsubscribe, same contract as the Orchestrator's.
func (s *Session) OnEvent(cb types.EventListener) types.Unsubscribe {
	s.mu.Lock()
	id := s.nextListenerID
	s.nextListenerID++
	s.listeners = append(s.listeners, listenerEntry{id: id, cb: cb})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, e := range s.listeners {
				if e.id == id {
					s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
					break
				}
			}
		})
	}
}

// recordAndForward appends an orchestrator-sourced event to history and
// forwards it to Session listeners, preserving per-source order (I3).
func (s *Session) recordAndForward(e types.GameEvent) {
	s.mu.Lock()
	s.eventHistory = append(s.eventHistory, e)
	listeners := make([]listenerEntry, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	for _, l := range listeners {
		l.cb(e)
	}
}

// emitLocal builds and records a Session-sourced event (GAME_* kinds).
func (s *Session) emitLocal(evtType types.EventType, payload any) {
	e := types.GameEvent{Type: evtType, GameID: s.gameID, Timestamp: s.now(), Payload: payload}
	s.recordAndForward(e)
}

// Start transitions PENDING -> ACTIVE, materializes the initial rules-engine
// state, and starts the first phase: Spring of year 1901, MOVEMENT. The
// DIPLOMACY phase exists for every season transition thereafter but is not
// the game's opening phase.
func (s *Session) Start() error {
	s.mu.Lock()
	if s.status != types.StatusPending {
		s.mu.Unlock()
		return orcherr.State("start requires PENDING status")
	}
	s.state = s.rules.InitialState()
	s.status = types.StatusActive
	now := s.now()
	s.startedAt = &now
	state := s.state
	s.mu.Unlock()

	s.emitLocal(types.EventGameStarted, types.GameStartedPayload{
		Year: state.Year(), Season: state.Season(), Phase: types.PhaseMovement,
	})
	return s.orch.StartPhase(state, state.Year(), state.Season(), types.PhaseMovement)
}

// Pause clears the Orchestrator's timers but preserves PhaseStatus.
func (s *Session) Pause(reason string) error {
	s.mu.Lock()
	if s.status != types.StatusActive {
		s.mu.Unlock()
		return orcherr.State("pause requires ACTIVE status")
	}
	s.status = types.StatusPaused
	s.mu.Unlock()

	s.orch.Pause()
	s.emitLocal(types.EventGamePaused, types.GamePausedPayload{Reason: reason})
	return nil
}

// Resume rearms the Orchestrator's timers against the current deadline.
func (s *Session) Resume() error {
	s.mu.Lock()
	if s.status != types.StatusPaused {
		s.mu.Unlock()
		return orcherr.State("resume requires PAUSED status")
	}
	s.status = types.StatusActive
	state := s.state
	s.mu.Unlock()

	s.orch.Resume(state)
	s.emitLocal(types.EventGameResumed, nil)
	return nil
}

// Abandon ends the game permanently with no possibility of resumption.
func (s *Session) Abandon(reason string) error {
	s.mu.Lock()
	if s.status == types.StatusCompleted || s.status == types.StatusAbandoned {
		s.mu.Unlock()
		return orcherr.State("game has already ended")
	}
	s.status = types.StatusAbandoned
	now := s.now()
	s.completedAt = &now
	s.mu.Unlock()

	s.orch.ClearTimers()
	s.emitLocal(types.EventGameAbandoned, types.GameAbandonedPayload{Reason: reason})
	return nil
}

// SendMessage routes one negotiation message from sender into channelID.
// Session only routes and records it (Non-goals: no negotiation engine
// beyond routing); it does not validate channel membership or persist
// message history beyond the event stream itself.
func (s *Session) SendMessage(sender types.Power, channelID, content string) error {
	s.mu.Lock()
	if s.status != types.StatusActive {
		s.mu.Unlock()
		return orcherr.State("message routing requires ACTIVE status")
	}
	s.mu.Unlock()

	s.emitLocal(types.EventMessageSent, types.MessageSentPayload{
		Sender: sender, ChannelID: channelID, Content: content,
	})
	return nil
}

// ForceDeadline triggers deadline handling immediately, regardless of the
// timer. Intended for administrative intervention and deterministic tests.
func (s *Session) ForceDeadline() {
	s.orch.ForceDeadline()
}

func (s *Session) currentPhase() (types.Phase, bool) {
	ps := s.orch.GetPhaseStatus()
	if ps == nil {
		return "", false
	}
	return ps.Phase, true
}

// submitOrders is the common validation+engine-call+bookkeeping path shared
// by the three phase-specific submission operations.
func (s *Session) submitOrders(power types.Power, phase types.Phase, orders []engine.Order,
	engineSubmit func(engine.State, types.Power, []engine.Order) (engine.State, error)) error {

	s.mu.Lock()
	if s.status != types.StatusActive {
		s.mu.Unlock()
		return orcherr.State("submission requires ACTIVE status")
	}
	current, ok := s.currentPhase()
	if !ok || current != phase {
		s.mu.Unlock()
		return orcherr.State("submission phase mismatch")
	}
	state := s.state
	s.mu.Unlock()

	newState, err := engineSubmit(state, power, orders)
	if err != nil {
		s.emitLocal(types.EventError, types.ErrorPayload{Kind: types.ErrorKindValidationFailed, Message: err.Error()})
		return orcherr.Input(err.Error())
	}

	s.mu.Lock()
	s.state = newState
	s.mu.Unlock()

	return s.orch.RecordSubmission(newState, power, len(orders))
}

// SubmitMovementOrders submits movement (or diplomacy-phase) orders for power.
func (s *Session) SubmitMovementOrders(power types.Power, orders []engine.Order) error {
	phase, _ := s.currentPhase()
	if phase == types.PhaseDiplomacy {
		return s.submitOrders(power, types.PhaseDiplomacy, orders, s.rules.SubmitMovementOrders)
	}
	return s.submitOrders(power, types.PhaseMovement, orders, s.rules.SubmitMovementOrders)
}

// SubmitRetreatOrders submits retreat-phase orders for power.
func (s *Session) SubmitRetreatOrders(power types.Power, orders []engine.Order) error {
	return s.submitOrders(power, types.PhaseRetreat, orders, s.rules.SubmitRetreatOrders)
}

// SubmitBuildOrders submits build-phase orders for power.
func (s *Session) SubmitBuildOrders(power types.Power, orders []engine.Order) error {
	return s.submitOrders(power, types.PhaseBuild, orders, s.rules.SubmitBuildOrders)
}

// ResolvePhase manually triggers resolution of the phase in progress,
// bypassing the auto-resolve floor. It is the same code path the
// auto-resolve callback and the auto-hold deadline path use.
func (s *Session) ResolvePhase() error {
	s.mu.Lock()
	if s.status != types.StatusActive {
		s.mu.Unlock()
		return orcherr.State("resolve requires ACTIVE status")
	}
	state := s.state
	s.mu.Unlock()

	s.handleAutoResolve(state)
	return nil
}

// handleAutoResolve is the Orchestrator's auto-resolve callback: it resolves
// the phase, decides and starts the next one (or ends the game), and is the
// single funnel every "phase is done" path runs through (auto-complete,
// auto-hold-at-deadline, and manual ResolvePhase all call this).
func (s *Session) handleAutoResolve(state engine.State) {
	phase, ok := s.currentPhase()
	if !ok {
		return
	}

	newState, summary, err := s.orch.ResolvePhase(state)
	if err != nil {
		// Orchestrator already emitted ERROR and invoked the engine-failure
		// callback, which pauses the Session (see handleEngineFailure).
		log.Error().Str("gameId", s.gameID).Err(err).Msg("phase resolution failed")
		return
	}

	s.mu.Lock()
	s.state = newState
	s.mu.Unlock()

	if s.checkGameOver(newState, summary) {
		return
	}

	hasDislodged := false
	for _, p := range types.AllPowers() {
		if len(newState.DislodgedOf(p)) > 0 {
			hasDislodged = true
			break
		}
	}
	needsBuild := false
	for _, p := range types.AllPowers() {
		if newState.SupplyCenterCount(p) != len(newState.UnitsOf(p)) {
			needsBuild = true
			break
		}
	}

	nextYear, nextSeason, nextPhase := nextPhaseAfter(newState.Year(), newState.Season(), phase, hasDislodged, needsBuild)

	if err := s.orch.StartPhase(newState, nextYear, nextSeason, nextPhase); err != nil {
		log.Error().Str("gameId", s.gameID).Err(err).Msg("failed to start next phase")
	}
}

// nextPhaseAfter computes the next (year, season, phase) following the
// resolution of `from`. The game opens directly in MOVEMENT (see Start);
// every season thereafter opens with DIPLOMACY, followed by MOVEMENT, then
// RETREAT when units were dislodged and, in Fall, BUILD when a power's unit
// and supply-center counts differ.
func nextPhaseAfter(year int, season types.Season, from types.Phase, hasDislodged, needsBuild bool) (int, types.Season, types.Phase) {
	switch from {
	case types.PhaseDiplomacy:
		return year, season, types.PhaseMovement
	case types.PhaseMovement, types.PhaseRetreat:
		if from == types.PhaseMovement && hasDislodged {
			return year, season, types.PhaseRetreat
		}
		if season == types.Spring {
			return year, types.Fall, types.PhaseDiplomacy
		}
		if needsBuild {
			return year, types.Fall, types.PhaseBuild
		}
		return year + 1, types.Spring, types.PhaseDiplomacy
	case types.PhaseBuild:
		return year + 1, types.Spring, types.PhaseDiplomacy
	}
	return year, season, types.PhaseMovement
}

// checkGameOver detects a solo victory (>=18 supply centers) and marks the
// game COMPLETED. It does not detect draws by agreement — that is exposed
// separately by whatever admin surface collects draw votes, out of this
// package's scope.
func (s *Session) checkGameOver(state engine.State, _ types.ResolutionSummary) bool {
	for _, p := range types.AllPowers() {
		if state.SupplyCenterCount(p) >= soloVictoryThreshold {
			winner := p
			s.mu.Lock()
			s.status = types.StatusCompleted
			now := s.now()
			s.completedAt = &now
			finalYear := state.Year()
			s.mu.Unlock()

			s.orch.ClearTimers()
			s.emitLocal(types.EventGameCompleted, types.GameCompletedPayload{
				Winner: &winner, IsDraw: false, FinalYear: finalYear,
			})
			return true
		}
	}
	return false
}

func (s *Session) handleEngineFailure(err error) {
	s.mu.Lock()
	if s.status != types.StatusActive {
		s.mu.Unlock()
		return
	}
	s.status = types.StatusPaused
	s.mu.Unlock()

	s.orch.Pause()
	s.emitLocal(types.EventGamePaused, types.GamePausedPayload{Reason: "engine_failure: " + err.Error()})
}

// GameSessionSnapshot is a self-contained, JSON-encodable value restoring a
// Session to an equivalent point in its lifecycle. It contains no secrets.
type GameSessionSnapshot struct {
	GameID       string
	Name         string
	Status       types.GameStatus
	State        engine.State
	PhaseStatus  *types.PhaseStatus
	Agents       []types.AgentHandle
	EventHistory []types.GameEvent
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	Config       types.OrchestratorConfig
}

// Snapshot captures the Session's current lifecycle point. The returned
// value contains no live timers; callers that restore an ACTIVE snapshot
// must call Resume to rearm them.
func (s *Session) Snapshot() GameSessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := make([]types.GameEvent, len(s.eventHistory))
	copy(history, s.eventHistory)

	var agents []types.AgentHandle
	for _, p := range types.AllPowers() {
		if h, ok := s.orch.GetAgent(p); ok {
			agents = append(agents, h)
		}
	}

	return GameSessionSnapshot{
		GameID: s.gameID, Name: s.name, Status: s.status,
		State: s.state, PhaseStatus: s.orch.GetPhaseStatus(),
		Agents: agents, EventHistory: history,
		CreatedAt: s.createdAt, StartedAt: s.startedAt, CompletedAt: s.completedAt,
		Config: s.orch.GetConfig(),
	}
}

// FromSnapshot restores a Session with the same game_id, the restored
// state, and an identically-configured Orchestrator — but no live timers
// (property P9). If the snapshot was ACTIVE, the caller must call Resume.
func FromSnapshot(snap GameSessionSnapshot, rules engine.RulesEngine) *Session {
	s := &Session{
		gameID: snap.GameID, name: snap.Name, status: snap.Status,
		rules: rules, state: snap.State,
		eventHistory: append([]types.GameEvent(nil), snap.EventHistory...),
		createdAt:    snap.CreatedAt, startedAt: snap.StartedAt, completedAt: snap.CompletedAt,
		now: time.Now,
	}
	s.orch = orchestrator.New(snap.GameID, rules, snap.Config)
	s.orch.SetAutoResolveCallback(s.handleAutoResolve)
	s.orch.SetEngineFailureCallback(s.handleEngineFailure)
	s.orch.OnEvent(s.recordAndForward)

	for _, a := range snap.Agents {
		s.orch.RegisterAgent(a)
	}
	if snap.PhaseStatus != nil {
		s.orch.RestoreSnapshot(snap.State, snap.PhaseStatus)
	}
	return s
}
