// Package manager owns the process's in-memory map of live game Sessions
// and the crash-recovery path that rehydrates them from pgstore at startup.
// It is modeled on the teacher's service.GameService/PhaseService pairing:
// GameService owned the map of live games and created them, while
// RecoverActiveGames walked persisted ACTIVE games back into memory after a
// restart. Here both responsibilities live in one small type because a
// Session, unlike the teacher's Game+Phase split, is already the single
// aggregate root for a match.
package manager

import (
	"context"
	"fmt"
	"sync"

	"github.com/mhartwig21/agents-of-treachery-sub006/internal/engine"
	"github.com/mhartwig21/agents-of-treachery-sub006/internal/logger"
	"github.com/mhartwig21/agents-of-treachery-sub006/internal/persistence/pgstore"
	"github.com/mhartwig21/agents-of-treachery-sub006/internal/session"
	"github.com/mhartwig21/agents-of-treachery-sub006/internal/types"
	"github.com/mhartwig21/agents-of-treachery-sub006/internal/webhookfeed"
)

// Manager tracks every active Session in memory, keyed by game ID, and
// persists a snapshot after every state-changing call so pgstore's latest
// row is never more than one operation stale.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session
	rules    engine.RulesEngine
	store    pgstore.SnapshotStore

	// onDeadlineArmed is called whenever a session starts or resumes a
	// phase with a live deadline, so the caller can mirror it into
	// redisstore's DeadlineCache. Nil is a valid no-op subscriber.
	onDeadlineArmed func(gameID string, ps *types.PhaseStatus)

	// webhookMgr, when set, receives the curated event subset via
	// webhookfeed for every Session this Manager wires. Nil is a valid
	// no-op (no webhook fan-out configured).
	webhookMgr webhookfeed.Dispatcher

	// onGameEvent, when set, is called with every raw GameEvent from every
	// Session this Manager wires — the hook adminws uses to broadcast a
	// game's live event stream to operator websocket tails.
	onGameEvent func(gameID string, e types.GameEvent)
}

// New builds a Manager around an existing SnapshotStore.
func New(rules engine.RulesEngine, store pgstore.SnapshotStore) *Manager {
	return &Manager{sessions: make(map[string]*session.Session), rules: rules, store: store}
}

// OnDeadlineArmed registers the callback invoked after StartPhase/Resume
// whenever a fresh deadline is known, for mirroring into a deadline cache.
func (m *Manager) OnDeadlineArmed(f func(gameID string, ps *types.PhaseStatus)) {
	m.onDeadlineArmed = f
}

// SetWebhookManager registers the Webhook Manager every wired Session's
// curated event subset is forwarded to via webhookfeed.
func (m *Manager) SetWebhookManager(mgr webhookfeed.Dispatcher) {
	m.webhookMgr = mgr
}

// OnGameEvent registers the callback invoked with every raw GameEvent from
// every wired Session, for broadcasting to operator websocket tails.
func (m *Manager) OnGameEvent(f func(gameID string, e types.GameEvent)) {
	m.onGameEvent = f
}

// CreateGame starts a brand-new Session, registers it, and persists its
// initial snapshot.
func (m *Manager) CreateGame(ctx context.Context, gameID, name string, cfg types.OrchestratorConfig) (*session.Session, error) {
	m.mu.Lock()
	if _, exists := m.sessions[gameID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("manager: game %s already exists", gameID)
	}
	s := session.New(gameID, name, m.rules, cfg)
	m.sessions[gameID] = s
	m.mu.Unlock()

	m.wire(s)
	if err := m.persist(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Get returns the live Session for gameID, if any.
func (m *Manager) Get(gameID string) (*session.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[gameID]
	return s, ok
}

// ActiveGameIDs returns every game ID currently tracked in memory, the
// input redisstore.DeadlineWatcher's polling fallback needs.
func (m *Manager) ActiveGameIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// ForceDeadline is the entrypoint redisstore.DeadlineWatcher calls back
// into; it is exactly the same force-deadline path a live in-process timer
// fire would have taken.
func (m *Manager) ForceDeadline(gameID string) {
	s, ok := m.Get(gameID)
	if !ok {
		return
	}
	s.ForceDeadline()
}

// RecoverActiveGames lists every game whose last persisted snapshot is
// ACTIVE and rehydrates it into memory, rearming its Orchestrator timers
// against the preserved deadline. A deadline that already passed while the
// process was down fires deadline-handling immediately, the same as
// Orchestrator.Resume always does — this is the whole-process-restart
// generalization of that single-session behavior.
func (m *Manager) RecoverActiveGames(ctx context.Context) error {
	ids, err := m.store.ListActiveGameIDs(ctx)
	if err != nil {
		return fmt.Errorf("manager: list active games: %w", err)
	}

	log := logger.Get()
	for _, id := range ids {
		snap, ok, err := m.store.LatestSnapshot(ctx, id)
		if err != nil {
			log.Error().Err(err).Str("gameId", id).Msg("manager: failed to load snapshot during recovery")
			continue
		}
		if !ok {
			continue
		}

		s := session.FromSnapshot(*snap, m.rules)
		m.mu.Lock()
		m.sessions[id] = s
		m.mu.Unlock()
		m.wire(s)

		s.Orchestrator().Resume(s.State())
		if ps := s.Orchestrator().GetPhaseStatus(); ps != nil && m.onDeadlineArmed != nil {
			m.onDeadlineArmed(id, ps)
		}
		log.Info().Str("gameId", id).Msg("manager: recovered active game")
	}
	return nil
}

// wire attaches the snapshot-on-event persistence hook, deadline-cache
// mirroring, webhook fan-out, and websocket broadcast to a freshly created
// or recovered Session. Recovered sessions re-dispatch game.created on
// reattachment; an operator-facing deployment expects subscribers to
// tolerate duplicate payload.ids exactly as spec.md's at-least-once
// contract already requires.
func (m *Manager) wire(s *session.Session) {
	s.OnEvent(func(e types.GameEvent) {
		if err := m.persist(context.Background(), s); err != nil {
			logger.Get().Error().Err(err).Str("gameId", s.GameID()).Msg("manager: snapshot persistence failed")
		}
		if ps := s.Orchestrator().GetPhaseStatus(); ps != nil && m.onDeadlineArmed != nil {
			m.onDeadlineArmed(s.GameID(), ps)
		}
		if m.onGameEvent != nil {
			m.onGameEvent(s.GameID(), e)
		}
	})
	if m.webhookMgr != nil {
		webhookfeed.Attach(s.GameID(), s.Name(), s.OnEvent, m.webhookMgr)
	}
}

func (m *Manager) persist(ctx context.Context, s *session.Session) error {
	return m.store.SaveSnapshot(ctx, s.Snapshot())
}
