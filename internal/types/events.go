package types

import "time"

// EventType is the bus-level discriminant. Every GameEvent carries exactly
// one of these; consumers branch on Type, never on the Go type of Payload.
type EventType string

const (
	EventGameCreated      EventType = "GAME_CREATED"
	EventGameStarted      EventType = "GAME_STARTED"
	EventGamePaused       EventType = "GAME_PAUSED"
	EventGameResumed      EventType = "GAME_RESUMED"
	EventGameCompleted    EventType = "GAME_COMPLETED"
	EventGameAbandoned    EventType = "GAME_ABANDONED"
	EventPhaseStarted     EventType = "PHASE_STARTED"
	EventPhaseEndingSoon  EventType = "PHASE_ENDING_SOON"
	EventPhaseEnded       EventType = "PHASE_ENDED"
	EventOrdersSubmitted  EventType = "ORDERS_SUBMITTED"
	EventAllOrdersRcvd    EventType = "ALL_ORDERS_RECEIVED"
	EventOrdersResolved   EventType = "ORDERS_RESOLVED"
	EventAgentNudged      EventType = "AGENT_NUDGED"
	EventAgentTimeout     EventType = "AGENT_TIMEOUT"
	EventAgentInactive    EventType = "AGENT_INACTIVE"
	EventError            EventType = "ERROR"
	EventMessageSent      EventType = "MESSAGE_SENT"
)

// GameEvent is the tagged variant every listener receives. Payload holds one
// of the *Payload structs below, selected by Type; it is nil for event kinds
// that carry no data.
type GameEvent struct {
	Type      EventType
	GameID    string
	Timestamp time.Time
	Payload   any
}

type GameStartedPayload struct {
	Year   int
	Season Season
	Phase  Phase
}

type GamePausedPayload struct {
	Reason string
}

type GameCompletedPayload struct {
	Winner    *Power
	IsDraw    bool
	FinalYear int
}

type GameAbandonedPayload struct {
	Reason string
}

type PhaseStartedPayload struct {
	Year         int
	Season       Season
	Phase        Phase
	Deadline     time.Time
	ActivePowers []Power
}

type PhaseEndingSoonPayload struct {
	Year          int
	Season        Season
	Phase         Phase
	Deadline      time.Time
	TimeRemaining time.Duration
	PendingPowers []Power
}

type PhaseEndedPayload struct {
	Year          int
	Season        Season
	Phase         Phase
	TimeoutPowers []Power
}

type OrdersSubmittedPayload struct {
	Power      Power
	OrderCount int
}

type AllOrdersReceivedPayload struct {
	Year   int
	Season Season
	Phase  Phase
}

type OrdersResolvedPayload struct {
	Year    int
	Season  Season
	Phase   Phase
	Summary ResolutionSummary
}

// AgentTimeoutAction is the action the orchestrator took for a power that
// missed its deadline.
type AgentTimeoutAction string

const (
	TimeoutActionAutoHold AgentTimeoutAction = "auto-hold"
	TimeoutActionNone     AgentTimeoutAction = "none"
)

type AgentNudgedPayload struct {
	Power         Power
	Deadline      time.Time
	TimeRemaining time.Duration
}

type AgentTimeoutPayload struct {
	Power  Power
	Phase  Phase
	Action AgentTimeoutAction
}

type AgentInactivePayload struct {
	Power           Power
	MissedDeadlines int
}

// ErrorKind distinguishes ERROR events: the Orchestrator emits
// engine_failure when resolution fails, and Session emits validation_failed
// when submitted orders are rejected.
type ErrorKind string

const (
	ErrorKindEngineFailure    ErrorKind = "engine_failure"
	ErrorKindValidationFailed ErrorKind = "validation_failed"
)

type ErrorPayload struct {
	Kind    ErrorKind
	Message string
}

// MessageSentPayload carries the routing information the spec requires for
// the message.sent webhook (§6): the core only routes the message, it does
// not interpret or moderate its content (Non-goals: "beyond routing
// messages"). Content is the full message; Session does not reshape it, and
// the webhook's short preview is cut from it by the webhookfeed adapter.
type MessageSentPayload struct {
	Sender    Power
	ChannelID string
	Content   string
}

// EventListener receives events synchronously, in the order the Session's
// event source emits them. A listener that needs to do slow work must hand
// off to its own goroutine; the emitting call blocks on every registered
// listener in turn.
type EventListener func(GameEvent)

// Unsubscribe removes a previously registered listener. Calling it more than
// once is a no-op (property P10).
type Unsubscribe func()
