package orchestrator

import (
	"sync"
	"testing"
	"time"

	"github.com/mhartwig21/agents-of-treachery-sub006/internal/engine"
	"github.com/mhartwig21/agents-of-treachery-sub006/internal/engine/refengine"
	"github.com/mhartwig21/agents-of-treachery-sub006/internal/types"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []types.GameEvent
}

func (r *eventRecorder) listen(e types.GameEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) typesSeen() []types.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func (r *eventRecorder) count(t types.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func testConfig() types.OrchestratorConfig {
	cfg := types.DefaultOrchestratorConfig()
	cfg.MovementPhaseDurationMS = 50
	cfg.NudgeBeforeDeadlineMS = 20
	cfg.MinPhaseDurationMS = 1
	return cfg
}

func TestStartPhaseRejectsWhileRunning(t *testing.T) {
	eng := refengine.New()
	state := eng.InitialState()
	o := New("g1", eng, testConfig())

	if err := o.StartPhase(state, 1901, types.Spring, types.PhaseMovement); err != nil {
		t.Fatalf("first start_phase failed: %v", err)
	}
	if err := o.StartPhase(state, 1901, types.Spring, types.PhaseMovement); err == nil {
		t.Fatalf("expected second start_phase to fail with a phase already running")
	}
}

func TestRecordSubmissionAllSubmittedTriggersAutoResolve(t *testing.T) {
	eng := refengine.New()
	state := eng.InitialState()
	cfg := testConfig()
	cfg.MinPhaseDurationMS = 0
	o := New("g1", eng, cfg)

	rec := &eventRecorder{}
	o.OnEvent(rec.listen)

	var resolvedCh = make(chan struct{}, 1)
	o.SetAutoResolveCallback(func(s engine.State) {
		resolvedCh <- struct{}{}
	})

	if err := o.StartPhase(state, 1901, types.Spring, types.PhaseMovement); err != nil {
		t.Fatalf("start_phase: %v", err)
	}

	for _, p := range types.AllPowers() {
		if err := o.RecordSubmission(state, p, 3); err != nil {
			t.Fatalf("record_submission(%s): %v", p, err)
		}
	}

	select {
	case <-resolvedCh:
	case <-time.After(time.Second):
		t.Fatalf("auto-resolve callback was not invoked")
	}

	if rec.count(types.EventAllOrdersRcvd) != 1 {
		t.Fatalf("expected exactly one ALL_ORDERS_RECEIVED, got %d", rec.count(types.EventAllOrdersRcvd))
	}
	if rec.count(types.EventOrdersSubmitted) != len(types.AllPowers()) {
		t.Fatalf("expected one ORDERS_SUBMITTED per power")
	}
}

func TestDeadlineAutoHoldMarksAllSubmitted(t *testing.T) {
	eng := refengine.New()
	state := eng.InitialState()
	cfg := testConfig()
	cfg.MovementPhaseDurationMS = 30
	cfg.NudgeBeforeDeadlineMS = 10
	cfg.AutoHoldOnTimeout = true
	cfg.AutoResolveOnComplete = false
	o := New("g1", eng, cfg)

	rec := &eventRecorder{}
	o.OnEvent(rec.listen)

	if err := o.StartPhase(state, 1901, types.Spring, types.PhaseMovement); err != nil {
		t.Fatalf("start_phase: %v", err)
	}

	// Only England submits; the other six should be auto-held at deadline.
	if err := o.RecordSubmission(state, types.England, 3); err != nil {
		t.Fatalf("record_submission: %v", err)
	}

	time.Sleep(200 * time.Millisecond)

	ps := o.GetPhaseStatus()
	if ps == nil {
		t.Fatalf("expected phase status to remain until resolved")
	}
	for p, s := range ps.Submissions {
		if !s.Submitted {
			t.Fatalf("power %s should have been auto-held at deadline", p)
		}
	}
	if rec.count(types.EventAgentTimeout) != 6 {
		t.Fatalf("expected 6 AGENT_TIMEOUT events, got %d", rec.count(types.EventAgentTimeout))
	}
	if rec.count(types.EventPhaseEnded) != 1 {
		t.Fatalf("expected exactly one PHASE_ENDED, got %d", rec.count(types.EventPhaseEnded))
	}
}

func TestStartPhaseRetreatActivePowersComeFromDislodgedUnits(t *testing.T) {
	eng := refengine.New()
	state := eng.InitialState()
	refengine.SetDislodged(state, types.England, "eng-3", "YOR")
	refengine.SetDislodged(state, types.France, "fra-1", "BUR")

	o := New("g1", eng, testConfig())
	if err := o.StartPhase(state, 1901, types.Fall, types.PhaseRetreat); err != nil {
		t.Fatalf("start_phase: %v", err)
	}

	active := o.GetActivePowers()
	if len(active) != 2 {
		t.Fatalf("expected exactly the 2 powers with dislodged units active, got %v", active)
	}
	for _, p := range active {
		if p != types.England && p != types.France {
			t.Fatalf("unexpected active power %s in RETREAT phase", p)
		}
	}
}

func TestDeadlineAutoHoldBuildPhaseDisbandsOrWaives(t *testing.T) {
	eng := refengine.New()
	state := eng.InitialState()
	refengine.SetPendingBuilds(state, types.England, -1) // must disband one unit
	refengine.SetPendingBuilds(state, types.France, 1)   // may build; auto-hold waives

	cfg := testConfig()
	cfg.BuildPhaseDurationMS = 30
	cfg.NudgeBeforeDeadlineMS = 10
	cfg.AutoHoldOnTimeout = true
	cfg.AutoResolveOnComplete = false
	o := New("g1", eng, cfg)

	rec := &eventRecorder{}
	o.OnEvent(rec.listen)

	if err := o.StartPhase(state, 1901, types.Fall, types.PhaseBuild); err != nil {
		t.Fatalf("start_phase: %v", err)
	}

	time.Sleep(200 * time.Millisecond)

	ps := o.GetPhaseStatus()
	if ps == nil {
		t.Fatalf("expected phase status to remain until resolved")
	}
	for p, s := range ps.Submissions {
		if !s.Submitted {
			t.Fatalf("power %s should have been auto-held at the build deadline", p)
		}
	}
	if rec.count(types.EventAgentTimeout) != 2 {
		t.Fatalf("expected 2 AGENT_TIMEOUT events (England, France), got %d", rec.count(types.EventAgentTimeout))
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	eng := refengine.New()
	o := New("g1", eng, testConfig())
	rec := &eventRecorder{}
	unsub := o.OnEvent(rec.listen)

	unsub()
	unsub()

	state := eng.InitialState()
	_ = o.StartPhase(state, 1901, types.Spring, types.PhaseMovement)
	if len(rec.typesSeen()) != 0 {
		t.Fatalf("expected no events delivered after unsubscribe, got %v", rec.typesSeen())
	}
}
