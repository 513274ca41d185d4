// Package pgstore is the append-only snapshot sink: the spec's "SQLite
// persistence layer, treated only as a snapshot sink" implemented here
// against Postgres instead, following the same raw-SQL, no-ORM style as the
// teacher's internal/repository/postgres package (QueryRowContext/ExecContext,
// $N placeholders, fmt.Errorf("...: %w", err) wrapping). Every write is an
// INSERT, never an UPDATE: a game's snapshot history is a log, and
// LatestSnapshot reads the newest row. Consumers reach this only through the
// SnapshotStore interface; nothing outside this package touches *sql.DB.
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/mhartwig21/agents-of-treachery-sub006/internal/engine"
	"github.com/mhartwig21/agents-of-treachery-sub006/internal/session"
	"github.com/mhartwig21/agents-of-treachery-sub006/internal/types"
)

// Connect opens a connection pool to the PostgreSQL database, the same
// defaults the teacher's postgres.Connect uses.
func Connect(databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("pgstore: open: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}
	return db, nil
}

// Schema is the DDL for the single append-only table this store needs. The
// server issues it once at startup (idempotent via IF NOT EXISTS); there is
// no migration framework in scope here, matching the teacher repo which
// manages its schema outside the Go module entirely.
const Schema = `
CREATE TABLE IF NOT EXISTS game_snapshots (
	id           BIGSERIAL PRIMARY KEY,
	game_id      TEXT NOT NULL,
	status       TEXT NOT NULL,
	state        JSONB NOT NULL,
	phase_status JSONB,
	agents       JSONB NOT NULL,
	event_history JSONB NOT NULL,
	config       JSONB NOT NULL,
	name         TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL,
	started_at   TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	snapshotted_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS game_snapshots_game_id_idx ON game_snapshots (game_id, id DESC);
`

// SnapshotStore is the narrow persistence surface the Session lifecycle
// depends on. A Session never imports *sql.DB directly — only this
// interface — so tests and alternate backends can substitute a fake.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap session.GameSessionSnapshot) error
	LatestSnapshot(ctx context.Context, gameID string) (*session.GameSessionSnapshot, bool, error)
	ListActiveGameIDs(ctx context.Context) ([]string, error)
}

// Store is the Postgres-backed SnapshotStore implementation.
type Store struct {
	db    *sql.DB
	rules engine.RulesEngine
}

// New builds a Store. rules is used only to reconstruct engine.State from
// its persisted JSON via UnmarshalState; the store never adjudicates.
func New(db *sql.DB, rules engine.RulesEngine) *Store {
	return &Store{db: db, rules: rules}
}

// EnsureSchema issues the store's DDL. Safe to call on every startup.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("pgstore: ensure schema: %w", err)
	}
	return nil
}

// SaveSnapshot appends one row capturing snap's full state. It never
// updates or deletes a prior row for the same game_id (invariant I3's
// append-only event history extends naturally to the snapshot log itself).
func (s *Store) SaveSnapshot(ctx context.Context, snap session.GameSessionSnapshot) error {
	stateJSON, err := snap.State.MarshalJSON()
	if err != nil {
		return fmt.Errorf("pgstore: marshal state: %w", err)
	}
	var phaseStatusJSON []byte
	if snap.PhaseStatus != nil {
		phaseStatusJSON, err = json.Marshal(snap.PhaseStatus)
		if err != nil {
			return fmt.Errorf("pgstore: marshal phase status: %w", err)
		}
	}
	agentsJSON, err := json.Marshal(snap.Agents)
	if err != nil {
		return fmt.Errorf("pgstore: marshal agents: %w", err)
	}
	eventHistoryJSON, err := json.Marshal(snap.EventHistory)
	if err != nil {
		return fmt.Errorf("pgstore: marshal event history: %w", err)
	}
	configJSON, err := json.Marshal(snap.Config)
	if err != nil {
		return fmt.Errorf("pgstore: marshal config: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO game_snapshots
			(game_id, status, state, phase_status, agents, event_history, config, name, created_at, started_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		snap.GameID, string(snap.Status), stateJSON, nullableJSON(phaseStatusJSON), agentsJSON, eventHistoryJSON, configJSON,
		snap.Name, snap.CreatedAt, snap.StartedAt, snap.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("pgstore: insert snapshot: %w", err)
	}
	return nil
}

func nullableJSON(b []byte) any {
	if b == nil {
		return nil
	}
	return b
}

// LatestSnapshot returns the newest snapshot row for gameID, or false if
// none exists.
func (s *Store) LatestSnapshot(ctx context.Context, gameID string) (*session.GameSessionSnapshot, bool, error) {
	var (
		status                                      string
		stateJSON, agentsJSON, eventHistoryJSON, cfg []byte
		phaseStatusJSON                              sql.NullString
		name                                         string
		createdAt                                    time.Time
		startedAt, completedAt                       sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT status, state, phase_status, agents, event_history, config, name, created_at, started_at, completed_at
		 FROM game_snapshots WHERE game_id = $1 ORDER BY id DESC LIMIT 1`, gameID,
	).Scan(&status, &stateJSON, &phaseStatusJSON, &agentsJSON, &eventHistoryJSON, &cfg, &name, &createdAt, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("pgstore: latest snapshot: %w", err)
	}

	state, err := s.rules.UnmarshalState(stateJSON)
	if err != nil {
		return nil, false, fmt.Errorf("pgstore: unmarshal state: %w", err)
	}
	var phaseStatus *types.PhaseStatus
	if phaseStatusJSON.Valid && phaseStatusJSON.String != "" {
		phaseStatus = &types.PhaseStatus{}
		if err := json.Unmarshal([]byte(phaseStatusJSON.String), phaseStatus); err != nil {
			return nil, false, fmt.Errorf("pgstore: unmarshal phase status: %w", err)
		}
	}
	var agents []types.AgentHandle
	if err := json.Unmarshal(agentsJSON, &agents); err != nil {
		return nil, false, fmt.Errorf("pgstore: unmarshal agents: %w", err)
	}
	var history []types.GameEvent
	if err := json.Unmarshal(eventHistoryJSON, &history); err != nil {
		return nil, false, fmt.Errorf("pgstore: unmarshal event history: %w", err)
	}
	var config types.OrchestratorConfig
	if err := json.Unmarshal(cfg, &config); err != nil {
		return nil, false, fmt.Errorf("pgstore: unmarshal config: %w", err)
	}

	snap := &session.GameSessionSnapshot{
		GameID: gameID, Name: name, Status: types.GameStatus(status),
		State: state, PhaseStatus: phaseStatus, Agents: agents, EventHistory: history,
		CreatedAt: createdAt, Config: config,
	}
	if startedAt.Valid {
		t := startedAt.Time
		snap.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		snap.CompletedAt = &t
	}
	return snap, true, nil
}

// ListActiveGameIDs returns the distinct game_ids whose latest snapshot has
// status ACTIVE — the input to crash recovery at process start.
func (s *Store) ListActiveGameIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT ON (game_id) game_id, status
		 FROM game_snapshots ORDER BY game_id, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list active games: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var gameID, status string
		if err := rows.Scan(&gameID, &status); err != nil {
			return nil, fmt.Errorf("pgstore: scan active game: %w", err)
		}
		if types.GameStatus(status) == types.StatusActive {
			ids = append(ids, gameID)
		}
	}
	return ids, rows.Err()
}
