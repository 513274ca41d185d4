// Package orchestrator implements the per-game phase/deadline state machine:
// it tracks submission completeness, fires nudges and deadlines, synthesizes
// default orders on timeout, and requests auto-resolution once every active
// power has submitted and the minimum phase floor has elapsed. It owns three
// timer slots exclusively and cancels them idempotently, the same ownership
// discipline the teacher's TimerListener used for a single shared Redis
// timer key, generalized here to in-process per-game timers with an
// analogous deadline/nudge split.
package orchestrator

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mhartwig21/agents-of-treachery-sub006/internal/engine"
	"github.com/mhartwig21/agents-of-treachery-sub006/internal/orcherr"
	"github.com/mhartwig21/agents-of-treachery-sub006/internal/types"
)

// PhaseState is the orchestrator's internal phase-level state machine.
type PhaseState string

const (
	SMIdle            PhaseState = "IDLE"
	SMRunning         PhaseState = "RUNNING"
	SMNudged          PhaseState = "NUDGED"
	SMAwaitingResolve PhaseState = "AWAITING_RESOLVE"
	SMResolving       PhaseState = "RESOLVING"
)

// AutoResolveCallback is invoked when the orchestrator decides a phase
// should resolve itself, either because every active power submitted (after
// the floor elapsed) or because the deadline fired with auto_hold_on_timeout.
type AutoResolveCallback func(state engine.State)

// EngineFailureCallback is invoked when a rules-engine call fails during
// default-order synthesis or resolution. The orchestrator cannot change
// GameStatus itself — Session owns that — so it reports the failure for the
// Session to act on (pausing the game), per the failure semantics in 4.1.
type EngineFailureCallback func(err error)

type listenerEntry struct {
	id uint64
	cb types.EventListener
}

// Orchestrator is the per-game phase/deadline state machine described above.
// It is not safe to share across games; each Session owns exactly one.
type Orchestrator struct {
	mu sync.Mutex

	gameID string
	rules  engine.RulesEngine
	cfg    types.OrchestratorConfig

	sm          PhaseState
	phaseStatus *types.PhaseStatus
	generation  uint64

	agents map[types.Power]*types.AgentHandle

	currentState engine.State

	deadlineTimer     *time.Timer
	nudgeTimer        *time.Timer
	autoResolveTimer  *time.Timer

	listeners      []listenerEntry
	nextListenerID uint64

	autoResolveCB   AutoResolveCallback
	engineFailureCB EngineFailureCallback

	now func() time.Time
}

// New builds an Orchestrator for one game.
func New(gameID string, rules engine.RulesEngine, cfg types.OrchestratorConfig) *Orchestrator {
	return &Orchestrator{
		gameID: gameID,
		rules:  rules,
		cfg:    cfg,
		sm:     SMIdle,
		agents: map[types.Power]*types.AgentHandle{},
		now:    time.Now,
	}
}

// SetClock overrides the orchestrator's time source, for deterministic tests.
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now = now
}

// SetAutoResolveCallback registers the callback invoked when a phase should
// auto-resolve.
func (o *Orchestrator) SetAutoResolveCallback(cb AutoResolveCallback) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.autoResolveCB = cb
}

// SetEngineFailureCallback registers the callback invoked when a rules
// engine call fails.
func (o *Orchestrator) SetEngineFailureCallback(cb EngineFailureCallback) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.engineFailureCB = cb
}

// OnEvent registers a listener and returns an idempotent unsubscribe
// capability. Listeners are values in a slice, never backreferences to an
// owning object (property P10; design note on event-bus-as-weak-callbacks).
func (o *Orchestrator) OnEvent(cb types.EventListener) types.Unsubscribe {
	o.mu.Lock()
	id := o.nextListenerID
	o.nextListenerID++
	o.listeners = append(o.listeners, listenerEntry{id: id, cb: cb})
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			for i, e := range o.listeners {
				if e.id == id {
					o.listeners = append(o.listeners[:i], o.listeners[i+1:]...)
					break
				}
			}
		})
	}
}

func (o *Orchestrator) emit(evtType types.EventType, payload any) {
	o.mu.Lock()
	listeners := make([]listenerEntry, len(o.listeners))
	copy(listeners, o.listeners)
	ts := o.now()
	o.mu.Unlock()

	evt := types.GameEvent{Type: evtType, GameID: o.gameID, Timestamp: ts, Payload: payload}
	for _, l := range listeners {
		l.cb(evt)
	}
}

// RegisterAgent adds or replaces the AgentHandle for one power.
func (o *Orchestrator) RegisterAgent(h types.AgentHandle) {
	o.mu.Lock()
	defer o.mu.Unlock()
	cp := h
	o.agents[h.Power] = &cp
}

// GetAgent returns the AgentHandle for power, if registered.
func (o *Orchestrator) GetAgent(power types.Power) (types.AgentHandle, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	h, ok := o.agents[power]
	if !ok {
		return types.AgentHandle{}, false
	}
	return *h, true
}

// MarkAgentActive marks power's agent responsive and stamps its last
// activity time, without touching missed_deadlines.
func (o *Orchestrator) MarkAgentActive(power types.Power) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if h, ok := o.agents[power]; ok {
		h.IsResponsive = true
		h.LastActivityTS = o.now()
	}
}

// GetConfig returns a copy of the current configuration; live mutation only
// happens through UpdateConfig.
func (o *Orchestrator) GetConfig() types.OrchestratorConfig {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg
}

// ConfigPatch carries optional overrides for UpdateConfig; nil fields leave
// the current value untouched.
type ConfigPatch struct {
	DiplomacyPhaseDurationMS *int64
	MovementPhaseDurationMS  *int64
	RetreatPhaseDurationMS   *int64
	BuildPhaseDurationMS     *int64
	NudgeBeforeDeadlineMS    *int64
	MaxMissedDeadlines       *int
	AutoHoldOnTimeout        *bool
	AutoResolveOnComplete    *bool
	MinPhaseDurationMS       *int64
}

// UpdateConfig applies patch to the live configuration.
func (o *Orchestrator) UpdateConfig(patch ConfigPatch) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if patch.DiplomacyPhaseDurationMS != nil {
		o.cfg.DiplomacyPhaseDurationMS = *patch.DiplomacyPhaseDurationMS
	}
	if patch.MovementPhaseDurationMS != nil {
		o.cfg.MovementPhaseDurationMS = *patch.MovementPhaseDurationMS
	}
	if patch.RetreatPhaseDurationMS != nil {
		o.cfg.RetreatPhaseDurationMS = *patch.RetreatPhaseDurationMS
	}
	if patch.BuildPhaseDurationMS != nil {
		o.cfg.BuildPhaseDurationMS = *patch.BuildPhaseDurationMS
	}
	if patch.NudgeBeforeDeadlineMS != nil {
		o.cfg.NudgeBeforeDeadlineMS = *patch.NudgeBeforeDeadlineMS
	}
	if patch.MaxMissedDeadlines != nil {
		o.cfg.MaxMissedDeadlines = *patch.MaxMissedDeadlines
	}
	if patch.AutoHoldOnTimeout != nil {
		o.cfg.AutoHoldOnTimeout = *patch.AutoHoldOnTimeout
	}
	if patch.AutoResolveOnComplete != nil {
		o.cfg.AutoResolveOnComplete = *patch.AutoResolveOnComplete
	}
	if patch.MinPhaseDurationMS != nil {
		o.cfg.MinPhaseDurationMS = *patch.MinPhaseDurationMS
	}
}

// GetPhaseStatus returns a copy of the live PhaseStatus, or nil if no phase
// is in progress.
func (o *Orchestrator) GetPhaseStatus() *types.PhaseStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return copyPhaseStatus(o.phaseStatus)
}

func copyPhaseStatus(ps *types.PhaseStatus) *types.PhaseStatus {
	if ps == nil {
		return nil
	}
	cp := *ps
	cp.Submissions = make(map[types.Power]*types.SubmissionStatus, len(ps.Submissions))
	for k, v := range ps.Submissions {
		sub := *v
		cp.Submissions[k] = &sub
	}
	return &cp
}

// GetActivePowers returns the active powers for the phase currently in
// progress, or nil if no phase is running.
func (o *Orchestrator) GetActivePowers() []types.Power {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.phaseStatus == nil {
		return nil
	}
	out := make([]types.Power, 0, len(o.phaseStatus.Submissions))
	for p := range o.phaseStatus.Submissions {
		out = append(out, p)
	}
	return out
}

// cancelTimersLocked idempotently stops every live timer slot. Caller must
// hold o.mu.
func (o *Orchestrator) cancelTimersLocked() {
	if o.deadlineTimer != nil {
		o.deadlineTimer.Stop()
		o.deadlineTimer = nil
	}
	if o.nudgeTimer != nil {
		o.nudgeTimer.Stop()
		o.nudgeTimer = nil
	}
	if o.autoResolveTimer != nil {
		o.autoResolveTimer.Stop()
		o.autoResolveTimer = nil
	}
}

// ClearTimers cancels all three timer slots idempotently. Safe to call
// whether or not a phase is running.
func (o *Orchestrator) ClearTimers() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cancelTimersLocked()
}

// StartPhase begins a new phase. It is idempotent in the sense that calling
// it while a phase is already running fails with ErrInvalidState rather than
// clobbering the running phase.
func (o *Orchestrator) StartPhase(state engine.State, year int, season types.Season, phase types.Phase) error {
	o.mu.Lock()
	if o.sm != SMIdle {
		o.mu.Unlock()
		return orcherr.State("phase already running")
	}

	active := engine.ActivePowers(state, phase)
	now := o.now()
	duration := o.cfg.PhaseDuration(phase)
	deadline := now.Add(duration)

	submissions := make(map[types.Power]*types.SubmissionStatus, len(active))
	for _, p := range active {
		submissions[p] = &types.SubmissionStatus{Power: p}
	}

	o.phaseStatus = &types.PhaseStatus{
		Year: year, Season: season, Phase: phase,
		Deadline: deadline, StartedAt: now,
		Submissions: submissions, NudgeSent: false,
	}
	o.currentState = state
	o.generation++
	gen := o.generation
	o.sm = SMRunning
	o.cancelTimersLocked()

	o.deadlineTimer = time.AfterFunc(duration, func() { o.handleDeadline(gen) })

	nudgeBefore := time.Duration(o.cfg.NudgeBeforeDeadlineMS) * time.Millisecond
	if nudgeBefore > 0 && nudgeBefore < duration {
		o.nudgeTimer = time.AfterFunc(duration-nudgeBefore, func() { o.handleNudge(gen) })
	}
	o.mu.Unlock()

	o.emit(types.EventPhaseStarted, types.PhaseStartedPayload{
		Year: year, Season: season, Phase: phase, Deadline: deadline, ActivePowers: active,
	})
	return nil
}

// RecordSubmission marks power's submission complete for the phase in
// progress. state is the engine state as of this submission (the Session
// has already validated and applied the orders via the rules engine).
func (o *Orchestrator) RecordSubmission(state engine.State, power types.Power, orderCount int) error {
	o.mu.Lock()
	if o.phaseStatus == nil {
		o.mu.Unlock()
		return orcherr.State("no phase in progress")
	}
	sub, ok := o.phaseStatus.Submissions[power]
	if !ok {
		o.mu.Unlock()
		return orcherr.State("power is not active this phase")
	}

	now := o.now()
	sub.Submitted = true
	sub.SubmittedAt = now
	sub.OrderCount = orderCount
	o.currentState = state

	if h, ok := o.agents[power]; ok {
		h.MissedDeadlines = 0
		h.IsResponsive = true
		h.LastActivityTS = now
	}

	allSubmitted := true
	for _, s := range o.phaseStatus.Submissions {
		if !s.Submitted {
			allSubmitted = false
			break
		}
	}

	year, season, phase := o.phaseStatus.Year, o.phaseStatus.Season, o.phaseStatus.Phase
	startedAt := o.phaseStatus.StartedAt
	gen := o.generation

	var shouldResolveNow bool
	var resolveDelay time.Duration
	if allSubmitted && o.cfg.AutoResolveOnComplete {
		elapsed := now.Sub(startedAt)
		floor := time.Duration(o.cfg.MinPhaseDurationMS) * time.Millisecond
		if elapsed >= floor {
			shouldResolveNow = true
		} else {
			resolveDelay = floor - elapsed
		}
		o.sm = SMAwaitingResolve
		o.cancelTimersLocked()
	}
	o.mu.Unlock()

	o.emit(types.EventOrdersSubmitted, types.OrdersSubmittedPayload{Power: power, OrderCount: orderCount})

	if allSubmitted {
		o.emit(types.EventAllOrdersRcvd, types.AllOrdersReceivedPayload{Year: year, Season: season, Phase: phase})
		if o.cfg.AutoResolveOnComplete {
			if shouldResolveNow {
				o.invokeAutoResolve(gen)
			} else {
				o.mu.Lock()
				o.autoResolveTimer = time.AfterFunc(resolveDelay, func() { o.invokeAutoResolve(gen) })
				o.mu.Unlock()
			}
		}
	}
	return nil
}

func (o *Orchestrator) invokeAutoResolve(gen uint64) {
	o.mu.Lock()
	if o.generation != gen {
		o.mu.Unlock()
		return
	}
	o.sm = SMResolving
	cb := o.autoResolveCB
	state := o.currentState
	o.mu.Unlock()
	if cb != nil {
		cb(state)
	}
}

// handleDeadline fires when the deadline timer elapses. gen guards against a
// timer that fired just as a new phase started (stale-fire protection for
// idempotent cancellation).
func (o *Orchestrator) handleDeadline(gen uint64) {
	o.mu.Lock()
	if o.generation != gen || o.phaseStatus == nil {
		o.mu.Unlock()
		return
	}
	phase := o.phaseStatus.Phase
	state := o.currentState

	var timeoutPowers []types.Power
	for p, s := range o.phaseStatus.Submissions {
		if !s.Submitted {
			timeoutPowers = append(timeoutPowers, p)
		}
	}
	autoHold := o.cfg.AutoHoldOnTimeout
	maxMissed := o.cfg.MaxMissedDeadlines
	o.mu.Unlock()

	var inactivePowers []types.Power
	for _, p := range timeoutPowers {
		action := types.TimeoutActionNone
		if autoHold {
			action = types.TimeoutActionAutoHold
		}
		o.emit(types.EventAgentTimeout, types.AgentTimeoutPayload{Power: p, Phase: phase, Action: action})

		o.mu.Lock()
		if h, ok := o.agents[p]; ok {
			h.MissedDeadlines++
			h.IsResponsive = false
			if h.MissedDeadlines >= maxMissed {
				inactivePowers = append(inactivePowers, p)
			}
		}
		o.mu.Unlock()

		if autoHold {
			orders := engine.DefaultOrders(state, phase, p)
			newState, err := submitOrdersForPhase(o.rules, state, phase, p, orders)
			if err != nil {
				o.reportEngineFailure(orcherr.Engine("default order submission failed: " + err.Error()))
				return
			}
			state = newState
			o.mu.Lock()
			o.currentState = state
			if sub, ok := o.phaseStatus.Submissions[p]; ok {
				sub.Submitted = true
				sub.SubmittedAt = o.now()
				sub.OrderCount = len(orders)
			}
			o.mu.Unlock()
		}
	}

	for _, p := range inactivePowers {
		o.mu.Lock()
		missed := 0
		if h, ok := o.agents[p]; ok {
			missed = h.MissedDeadlines
		}
		o.mu.Unlock()
		o.emit(types.EventAgentInactive, types.AgentInactivePayload{Power: p, MissedDeadlines: missed})
	}

	o.emit(types.EventPhaseEnded, types.PhaseEndedPayload{
		Year: o.phaseStatusYear(), Season: o.phaseStatusSeason(), Phase: phase, TimeoutPowers: timeoutPowers,
	})

	o.mu.Lock()
	o.cancelTimersLocked()
	gen2 := o.generation
	o.mu.Unlock()

	if autoHold {
		o.invokeAutoResolve(gen2)
	}
}

func (o *Orchestrator) phaseStatusYear() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.phaseStatus == nil {
		return 0
	}
	return o.phaseStatus.Year
}

func (o *Orchestrator) phaseStatusSeason() types.Season {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.phaseStatus == nil {
		return ""
	}
	return o.phaseStatus.Season
}

func (o *Orchestrator) reportEngineFailure(err error) {
	log.Error().Str("gameId", o.gameID).Err(err).Msg("rules engine call failed")
	o.emit(types.EventError, types.ErrorPayload{Kind: types.ErrorKindEngineFailure, Message: err.Error()})
	o.mu.Lock()
	cb := o.engineFailureCB
	o.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

// handleNudge fires nudge_before_deadline_ms before the deadline, if
// scheduled.
func (o *Orchestrator) handleNudge(gen uint64) {
	o.mu.Lock()
	if o.generation != gen || o.phaseStatus == nil {
		o.mu.Unlock()
		return
	}
	var pending []types.Power
	for p, s := range o.phaseStatus.Submissions {
		if !s.Submitted {
			pending = append(pending, p)
		}
	}
	if len(pending) == 0 {
		o.mu.Unlock()
		return
	}
	o.phaseStatus.NudgeSent = true
	o.sm = SMNudged
	deadline := o.phaseStatus.Deadline
	year, season, phase := o.phaseStatus.Year, o.phaseStatus.Season, o.phaseStatus.Phase
	now := o.now()
	o.mu.Unlock()

	remaining := deadline.Sub(now)
	o.emit(types.EventPhaseEndingSoon, types.PhaseEndingSoonPayload{
		Year: year, Season: season, Phase: phase, Deadline: deadline,
		TimeRemaining: remaining, PendingPowers: pending,
	})
	for _, p := range pending {
		o.emit(types.EventAgentNudged, types.AgentNudgedPayload{Power: p, Deadline: deadline, TimeRemaining: remaining})
	}
}

// ResolvePhase invokes the rules-engine resolver for the phase in progress,
// builds a ResolutionSummary, emits ORDERS_RESOLVED, and clears PhaseStatus.
// The Session is responsible for starting the next phase.
func (o *Orchestrator) ResolvePhase(state engine.State) (engine.State, types.ResolutionSummary, error) {
	o.mu.Lock()
	if o.phaseStatus == nil {
		o.mu.Unlock()
		return nil, types.ResolutionSummary{}, orcherr.State("no phase in progress")
	}
	year, season, phase := o.phaseStatus.Year, o.phaseStatus.Season, o.phaseStatus.Phase
	o.sm = SMResolving
	o.cancelTimersLocked()
	o.mu.Unlock()

	var newState engine.State
	var result engine.ResolutionResult
	var err error

	switch phase {
	case types.PhaseDiplomacy:
		newState = state
	case types.PhaseMovement:
		newState, result, err = o.rules.ResolveMovement(state)
	case types.PhaseRetreat:
		newState, result, err = o.rules.ResolveRetreats(state)
	case types.PhaseBuild:
		newState, result, err = o.rules.ResolveBuilds(state)
	}
	if err != nil {
		o.reportEngineFailure(orcherr.Engine("resolution failed: " + err.Error()))
		return nil, types.ResolutionSummary{}, orcherr.Engine(err.Error())
	}

	summary := types.ResolutionSummary{
		SuccessfulMoves: result.SuccessfulMoves,
		FailedMoves:     result.FailedMoves,
		DislodgedUnits:  len(result.Dislodged),
		UnitsBuilt:      result.UnitsBuilt,
		UnitsDisbanded:  result.UnitsDisbanded,
		SupplyChanges:   result.SupplyChanges,
	}

	o.mu.Lock()
	o.currentState = newState
	o.phaseStatus = nil
	o.sm = SMIdle
	o.mu.Unlock()

	o.emit(types.EventOrdersResolved, types.OrdersResolvedPayload{Year: year, Season: season, Phase: phase, Summary: summary})
	return newState, summary, nil
}

// Pause clears all timers but preserves PhaseStatus (including nudge_sent).
func (o *Orchestrator) Pause() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cancelTimersLocked()
}

// Resume recomputes the remaining time on the deadline and nudge timers. If
// the deadline has already passed, it runs deadline handling immediately.
func (o *Orchestrator) Resume(state engine.State) {
	o.mu.Lock()
	if o.phaseStatus == nil {
		o.mu.Unlock()
		return
	}
	o.currentState = state
	now := o.now()
	remaining := o.phaseStatus.Deadline.Sub(now)
	nudgeSent := o.phaseStatus.NudgeSent
	nudgeBefore := time.Duration(o.cfg.NudgeBeforeDeadlineMS) * time.Millisecond
	gen := o.generation
	o.sm = SMRunning
	o.mu.Unlock()

	if remaining <= 0 {
		o.handleDeadline(gen)
		return
	}

	o.mu.Lock()
	o.deadlineTimer = time.AfterFunc(remaining, func() { o.handleDeadline(gen) })
	if !nudgeSent {
		nudgeRemaining := remaining - nudgeBefore
		if nudgeRemaining < 0 {
			nudgeRemaining = 0
		}
		o.nudgeTimer = time.AfterFunc(nudgeRemaining, func() { o.handleNudge(gen) })
	}
	o.mu.Unlock()
}

// ForceDeadline triggers deadline handling immediately, bypassing the timer.
// Used for administrative intervention and deterministic tests.
func (o *Orchestrator) ForceDeadline() {
	o.mu.Lock()
	gen := o.generation
	o.mu.Unlock()
	o.handleDeadline(gen)
}

// RestoreSnapshot installs state and phaseStatus directly, without starting
// timers or validating the IDLE precondition StartPhase enforces. The caller
// (Session.FromSnapshot) is responsible for calling Resume afterward if the
// restored game is ACTIVE, to rearm timers against the preserved deadline.
func (o *Orchestrator) RestoreSnapshot(state engine.State, ps *types.PhaseStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.currentState = state
	o.phaseStatus = copyPhaseStatus(ps)
	o.generation++
	if ps.NudgeSent {
		o.sm = SMNudged
	} else {
		o.sm = SMRunning
	}
}

// ShouldAutoResolve reports whether the phase in progress has every active
// power submitted and has cleared the minimum-duration floor.
func (o *Orchestrator) ShouldAutoResolve() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.phaseStatus == nil || !o.cfg.AutoResolveOnComplete {
		return false
	}
	for _, s := range o.phaseStatus.Submissions {
		if !s.Submitted {
			return false
		}
	}
	elapsed := o.now().Sub(o.phaseStatus.StartedAt)
	floor := time.Duration(o.cfg.MinPhaseDurationMS) * time.Millisecond
	return elapsed >= floor
}

func submitOrdersForPhase(rules engine.RulesEngine, state engine.State, phase types.Phase, power types.Power, orders []engine.Order) (engine.State, error) {
	switch phase {
	case types.PhaseDiplomacy, types.PhaseMovement:
		return rules.SubmitMovementOrders(state, power, orders)
	case types.PhaseRetreat:
		return rules.SubmitRetreatOrders(state, power, orders)
	case types.PhaseBuild:
		return rules.SubmitBuildOrders(state, power, orders)
	}
	return state, nil
}
