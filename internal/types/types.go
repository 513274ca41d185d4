// Package types holds the shared data model for the orchestration core:
// closed enums, snapshot-shaped entities, and configuration defaults.
// Nothing in this package performs adjudication or I/O; it is the vocabulary
// the orchestrator, session, retry driver, webhook manager, and vault share.
package types

import "time"

// Power is one of the seven fixed Diplomacy nations. The set is closed and
// validated at parse boundaries; no other string is a valid Power.
type Power string

const (
	England Power = "ENGLAND"
	France  Power = "FRANCE"
	Germany Power = "GERMANY"
	Italy   Power = "ITALY"
	Austria Power = "AUSTRIA"
	Russia  Power = "RUSSIA"
	Turkey  Power = "TURKEY"
)

// AllPowers returns the seven powers in a fixed, stable order.
func AllPowers() []Power {
	return []Power{England, France, Germany, Italy, Austria, Russia, Turkey}
}

// ParsePower validates s against the closed Power set.
func ParsePower(s string) (Power, bool) {
	for _, p := range AllPowers() {
		if string(p) == s {
			return p, true
		}
	}
	return "", false
}

// Phase is one stage of a game turn.
type Phase string

const (
	PhaseDiplomacy Phase = "DIPLOMACY"
	PhaseMovement  Phase = "MOVEMENT"
	PhaseRetreat   Phase = "RETREAT"
	PhaseBuild     Phase = "BUILD"
)

// Season is one half of a game year.
type Season string

const (
	Spring Season = "SPRING"
	Fall   Season = "FALL"
)

// GameStatus is the Session lifecycle state. The only legal transitions are
// PENDING -> ACTIVE -> (PAUSED <-> ACTIVE)* -> (COMPLETED | ABANDONED).
type GameStatus string

const (
	StatusPending   GameStatus = "PENDING"
	StatusActive    GameStatus = "ACTIVE"
	StatusPaused    GameStatus = "PAUSED"
	StatusCompleted GameStatus = "COMPLETED"
	StatusAbandoned GameStatus = "ABANDONED"
)

// AgentHandle tracks one power's agent across the life of a game. It is
// mutated only by the Orchestrator, on submission, timeout, or an explicit
// activity mark.
type AgentHandle struct {
	Power           Power
	AgentID         string
	IsResponsive    bool
	LastActivityTS  time.Time
	MissedDeadlines int
}

// SubmissionStatus tracks one active power's submission for the phase
// currently in progress. It is created at phase start and discarded at
// phase end.
type SubmissionStatus struct {
	Power       Power
	Submitted   bool
	SubmittedAt time.Time
	OrderCount  int
}

// PhaseStatus is the live per-phase bookkeeping. It is non-nil while a phase
// is in progress, and it is kept, not cleared, while the game is PAUSED.
type PhaseStatus struct {
	Year        int
	Season      Season
	Phase       Phase
	Deadline    time.Time
	StartedAt   time.Time
	Submissions map[Power]*SubmissionStatus
	NudgeSent   bool
}

// SupplyChange records one supply center changing hands during resolution.
type SupplyChange struct {
	Province string
	From     Power
	To       Power
}

// ResolutionSummary is the result of resolving one phase.
type ResolutionSummary struct {
	SuccessfulMoves int
	FailedMoves     int
	DislodgedUnits  int
	UnitsBuilt      int
	UnitsDisbanded  int
	SupplyChanges   []SupplyChange
}

// OrchestratorConfig governs phase durations and auto-progression policy.
// Defaults mirror the ones specified for the orchestration core.
type OrchestratorConfig struct {
	DiplomacyPhaseDurationMS int64
	MovementPhaseDurationMS  int64
	RetreatPhaseDurationMS   int64
	BuildPhaseDurationMS     int64
	NudgeBeforeDeadlineMS    int64
	MaxMissedDeadlines       int
	AutoHoldOnTimeout        bool
	AutoResolveOnComplete    bool
	MinPhaseDurationMS       int64
}

// DefaultOrchestratorConfig returns the specified default configuration.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		DiplomacyPhaseDurationMS: 300000,
		MovementPhaseDurationMS:  120000,
		RetreatPhaseDurationMS:   60000,
		BuildPhaseDurationMS:     60000,
		NudgeBeforeDeadlineMS:    30000,
		MaxMissedDeadlines:       3,
		AutoHoldOnTimeout:        true,
		AutoResolveOnComplete:    true,
		MinPhaseDurationMS:       1000,
	}
}

// PhaseDuration returns the configured duration for the given phase.
func (c OrchestratorConfig) PhaseDuration(phase Phase) time.Duration {
	var ms int64
	switch phase {
	case PhaseDiplomacy:
		ms = c.DiplomacyPhaseDurationMS
	case PhaseMovement:
		ms = c.MovementPhaseDurationMS
	case PhaseRetreat:
		ms = c.RetreatPhaseDurationMS
	case PhaseBuild:
		ms = c.BuildPhaseDurationMS
	}
	return time.Duration(ms) * time.Millisecond
}

// WebhookEventType is one of the seven event types subscribers may register
// for. The set is closed; unknown strings are rejected at registration.
type WebhookEventType string

const (
	EventGameCreatedWebhook   WebhookEventType = "game.created"
	EventGameStartedWebhook   WebhookEventType = "game.started"
	EventGameEndedWebhook     WebhookEventType = "game.ended"
	EventPhaseStartedWebhook  WebhookEventType = "phase.started"
	EventPhaseResolvedWebhook WebhookEventType = "phase.resolved"
	EventOrdersSubmittedHook  WebhookEventType = "orders.submitted"
	EventMessageSentWebhook   WebhookEventType = "message.sent"
)

// AllWebhookEventTypes returns the closed webhook event set.
func AllWebhookEventTypes() []WebhookEventType {
	return []WebhookEventType{
		EventGameCreatedWebhook, EventGameStartedWebhook, EventGameEndedWebhook,
		EventPhaseStartedWebhook, EventPhaseResolvedWebhook,
		EventOrdersSubmittedHook, EventMessageSentWebhook,
	}
}

// IsValidWebhookEventType reports whether s belongs to the closed set.
func IsValidWebhookEventType(s string) bool {
	for _, t := range AllWebhookEventTypes() {
		if string(t) == s {
			return true
		}
	}
	return false
}

// WebhookRegistration is one active or deactivated subscriber.
type WebhookRegistration struct {
	ID          string
	URL         string
	Secret      string
	EventTypes  []WebhookEventType
	Active      bool
	CreatedAt   time.Time
	Description string
}

// WebhookPayload is the JSON body delivered to subscribers.
type WebhookPayload struct {
	ID            string           `json:"id"`
	Event         WebhookEventType `json:"event"`
	TimestampISO  string           `json:"timestamp"`
	Data          any              `json:"data"`
}

// DeliveryAttempt records one HTTP attempt against a subscriber endpoint.
type DeliveryAttempt struct {
	AttemptNumber int
	Timestamp     time.Time
	StatusCode    int
	Error         string
	Success       bool
}

// DeliveryRecord tracks every attempt made for one (payload, registration) pair.
type DeliveryRecord struct {
	ID        string
	WebhookID string
	PayloadID string
	Event     WebhookEventType
	Attempts  []DeliveryAttempt
	Delivered bool
	CreatedAt time.Time
}

// DeadLetterEntry is a delivery whose retry budget was exhausted.
type DeadLetterEntry struct {
	ID        string
	WebhookID string
	WebhookURL string
	Payload   WebhookPayload
	Attempts  []DeliveryAttempt
	FailedAt  time.Time
	Reason    string
}

// WebhookStats summarizes the Webhook Manager's current state.
type WebhookStats struct {
	Registrations       int
	ActiveRegistrations int
	TotalDeliveries     int
	SuccessfulDeliveries int
	FailedDeliveries    int
	DeadLetters         int
	PendingDeliveries   int
}

// Argon2Params configures the Vault's KEK derivation.
type Argon2Params struct {
	MemoryKiB      uint32
	Iterations     uint32
	Parallelism    uint8
	KeyLengthBytes uint32
}

// DefaultArgon2Params returns the non-negotiable default KDF parameters.
func DefaultArgon2Params() Argon2Params {
	return Argon2Params{
		MemoryKiB:      65536,
		Iterations:     3,
		Parallelism:    4,
		KeyLengthBytes: 32,
	}
}

// EncryptedDEK is an AES-256-GCM-wrapped data encryption key.
type EncryptedDEK struct {
	Ciphertext []byte
	Nonce      [12]byte
}

// EncryptedSecret has the same shape as EncryptedDEK at per-secret granularity.
type EncryptedSecret struct {
	Ciphertext []byte
	Nonce      [12]byte
}

// VaultHeader is the on-disk, non-secret portion of a vault file.
type VaultHeader struct {
	Version      int
	Salt         [16]byte
	KDFParams    Argon2Params
	EncryptedDEK EncryptedDEK
}

// RetryDriverConfig governs the LLM Retry Driver's backoff and fallback policy.
type RetryDriverConfig struct {
	MaxRetries    int
	BaseDelayMS   int64
	FallbackModel string
}

// WebhookDeliveryConfig governs the Webhook Manager's retry policy.
type WebhookDeliveryConfig struct {
	MaxRetries        int
	BaseDelayMS       int64
	DeliveryTimeoutMS int64
}

// DefaultWebhookDeliveryConfig returns the specified defaults.
func DefaultWebhookDeliveryConfig() WebhookDeliveryConfig {
	return WebhookDeliveryConfig{
		MaxRetries:        3,
		BaseDelayMS:       1000,
		DeliveryTimeoutMS: 10000,
	}
}
