package webhookfeed

import (
	"sync"
	"testing"
	"time"

	"github.com/mhartwig21/agents-of-treachery-sub006/internal/engine"
	"github.com/mhartwig21/agents-of-treachery-sub006/internal/engine/refengine"
	"github.com/mhartwig21/agents-of-treachery-sub006/internal/session"
	"github.com/mhartwig21/agents-of-treachery-sub006/internal/types"
)

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []call
}

type call struct {
	event types.WebhookEventType
	data  any
}

func (f *fakeDispatcher) Dispatch(event types.WebhookEventType, data any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{event: event, data: data})
}

func (f *fakeDispatcher) count(event types.WebhookEventType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.event == event {
			n++
		}
	}
	return n
}

func (f *fakeDispatcher) first(event types.WebhookEventType) (any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c.event == event {
			return c.data, true
		}
	}
	return nil, false
}

func testConfig() types.OrchestratorConfig {
	cfg := types.DefaultOrchestratorConfig()
	cfg.MovementPhaseDurationMS = 60_000
	cfg.DiplomacyPhaseDurationMS = 60_000
	cfg.NudgeBeforeDeadlineMS = 1_000
	cfg.MinPhaseDurationMS = 0
	return cfg
}

func TestAttachReplaysGameCreatedBeforeAnyEventFires(t *testing.T) {
	s := session.New("g1", "first contact", refengine.New(), testConfig())
	disp := &fakeDispatcher{}

	Attach(s.GameID(), s.Name(), s.OnEvent, disp)

	data, ok := disp.first(types.EventGameCreatedWebhook)
	if !ok {
		t.Fatalf("expected game.created to be dispatched on attach")
	}
	m := data.(map[string]any)
	if m["game_id"] != "g1" || m["name"] != "first contact" {
		t.Fatalf("unexpected game.created payload: %+v", m)
	}
}

func TestForwardTranslatesPhaseStartedAndOrdersEvents(t *testing.T) {
	s := session.New("g1", "test game", refengine.New(), testConfig())
	disp := &fakeDispatcher{}
	Attach(s.GameID(), s.Name(), s.OnEvent, disp)

	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	state := s.State()
	for _, p := range types.AllPowers() {
		orders := engine.DefaultOrders(state, types.PhaseMovement, p)
		if err := s.SubmitMovementOrders(p, orders); err != nil {
			t.Fatalf("submit movement for %s: %v", p, err)
		}
	}

	deadline := time.After(time.Second)
	for {
		if disp.count(types.EventPhaseResolvedWebhook) >= 1 && disp.count(types.EventPhaseStartedWebhook) >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for phase.resolved and next phase.started")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if disp.count(types.EventOrdersSubmittedHook) != len(types.AllPowers()) {
		t.Fatalf("expected one orders.submitted per power, got %d", disp.count(types.EventOrdersSubmittedHook))
	}

	resolvedData, _ := disp.first(types.EventPhaseResolvedWebhook)
	m := resolvedData.(map[string]any)
	if m["game_id"] != "g1" {
		t.Fatalf("unexpected phase.resolved payload: %+v", m)
	}
}

func TestForwardTranslatesMessageSentWithTruncatedPreview(t *testing.T) {
	s := session.New("g1", "test game", refengine.New(), testConfig())
	disp := &fakeDispatcher{}
	Attach(s.GameID(), s.Name(), s.OnEvent, disp)

	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	long := make([]byte, 200)
	for i := range long {
		long[i] = 'a'
	}
	if err := s.SendMessage(types.England, "press-england-france", string(long)); err != nil {
		t.Fatalf("send message: %v", err)
	}

	deadline := time.After(time.Second)
	for disp.count(types.EventMessageSentWebhook) == 0 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for message.sent dispatch")
		case <-time.After(5 * time.Millisecond):
		}
	}

	data, _ := disp.first(types.EventMessageSentWebhook)
	m := data.(map[string]any)
	if m["game_id"] != "g1" || m["sender"] != types.England || m["channel_id"] != "press-england-france" {
		t.Fatalf("unexpected message.sent payload: %+v", m)
	}
	if preview, ok := m["preview"].(string); !ok || len(preview) >= 200 {
		t.Fatalf("expected a truncated preview, got %q", m["preview"])
	}
}

func TestAttachUnsubscribeStopsForwarding(t *testing.T) {
	s := session.New("g1", "test game", refengine.New(), testConfig())
	disp := &fakeDispatcher{}
	unsub := Attach(s.GameID(), s.Name(), s.OnEvent, disp)

	unsub()
	unsub() // idempotent

	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	if disp.count(types.EventGameStartedWebhook) != 0 {
		t.Fatalf("expected no further dispatch after unsubscribe")
	}
}
