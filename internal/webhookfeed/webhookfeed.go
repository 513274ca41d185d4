// Package webhookfeed is the adapter spec.md §2 describes: "every state
// change produces an Event; the Session fan-outs to in-process listeners; an
// adapter forwards a curated subset to the Webhook Manager." It subscribes
// to a Session's event stream via OnEvent and re-dispatches exactly the
// seven webhook-visible event kinds (§3/§6), translating each GameEvent's
// typed payload into the flattened `data` shape subscribers receive.
// Modeled on the teacher's pattern of phase_service.go forwarding
// domain events into both the websocket hub and the Redis cache: one
// listener, several independent fan-out destinations.
package webhookfeed

import (
	"github.com/mhartwig21/agents-of-treachery-sub006/internal/types"
)

// Dispatcher is the narrow surface this adapter needs from the Webhook
// Manager, so it can be tested against a fake without spinning up HTTP.
type Dispatcher interface {
	Dispatch(event types.WebhookEventType, data any)
}

// Attach dispatches game.created (Session.New emits GAME_CREATED
// synchronously before any caller has a chance to subscribe, so this
// adapter replays it explicitly using the name the caller already has),
// then subscribes to session's event stream and forwards the rest of the
// curated subset to mgr. It returns the same Unsubscribe the Session's
// OnEvent produces, so callers can detach the feed independently of any
// other listener (e.g. the persistence hook, the websocket hub).
func Attach(gameID, name string, onEvent func(types.EventListener) types.Unsubscribe, mgr Dispatcher) types.Unsubscribe {
	mgr.Dispatch(types.EventGameCreatedWebhook, map[string]any{
		"game_id": gameID, "name": name,
	})
	return onEvent(func(e types.GameEvent) {
		forward(gameID, e, mgr)
	})
}

func forward(gameID string, e types.GameEvent, mgr Dispatcher) {
	switch e.Type {
	case types.EventGameStarted:
		p, ok := e.Payload.(types.GameStartedPayload)
		if !ok {
			return
		}
		mgr.Dispatch(types.EventGameStartedWebhook, map[string]any{
			"game_id": gameID, "year": p.Year, "season": p.Season, "phase": p.Phase,
		})

	case types.EventGameCompleted:
		p, ok := e.Payload.(types.GameCompletedPayload)
		if !ok {
			return
		}
		data := map[string]any{"game_id": gameID, "draw": p.IsDraw}
		if p.Winner != nil {
			data["winner"] = *p.Winner
		}
		mgr.Dispatch(types.EventGameEndedWebhook, data)

	case types.EventGameAbandoned:
		mgr.Dispatch(types.EventGameEndedWebhook, map[string]any{
			"game_id": gameID, "draw": false,
		})

	case types.EventPhaseStarted:
		p, ok := e.Payload.(types.PhaseStartedPayload)
		if !ok {
			return
		}
		mgr.Dispatch(types.EventPhaseStartedWebhook, map[string]any{
			"game_id": gameID, "year": p.Year, "season": p.Season, "phase": p.Phase,
		})

	case types.EventOrdersResolved:
		p, ok := e.Payload.(types.OrdersResolvedPayload)
		if !ok {
			return
		}
		mgr.Dispatch(types.EventPhaseResolvedWebhook, map[string]any{
			"game_id": gameID, "year": p.Year, "season": p.Season, "phase": p.Phase,
		})

	case types.EventOrdersSubmitted:
		p, ok := e.Payload.(types.OrdersSubmittedPayload)
		if !ok {
			return
		}
		mgr.Dispatch(types.EventOrdersSubmittedHook, map[string]any{
			"game_id": gameID, "power": p.Power, "order_count": p.OrderCount,
		})

	case types.EventMessageSent:
		p, ok := e.Payload.(types.MessageSentPayload)
		if !ok {
			return
		}
		mgr.Dispatch(types.EventMessageSentWebhook, map[string]any{
			"game_id": gameID, "sender": p.Sender, "channel_id": p.ChannelID, "preview": preview(p.Content),
		})
	}
}

// preview truncates a message's content to the short excerpt the spec's
// message.sent payload carries (§6: "preview"), never the full content.
func preview(content string) string {
	const maxLen = 140
	r := []rune(content)
	if len(r) <= maxLen {
		return content
	}
	return string(r[:maxLen]) + "…"
}
