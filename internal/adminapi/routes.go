package adminapi

import (
	"net/http"

	"github.com/mhartwig21/agents-of-treachery-sub006/internal/auth"
	"github.com/mhartwig21/agents-of-treachery-sub006/internal/manager"
	"github.com/mhartwig21/agents-of-treachery-sub006/internal/retry"
	"github.com/mhartwig21/agents-of-treachery-sub006/internal/webhook"
)

// RegisterRoutes wires every admin endpoint onto mux, each behind
// auth.Middleware the same way the teacher's cmd/server wraps its
// authenticated API routes.
func RegisterRoutes(mux *http.ServeMux, jwtMgr *auth.JWTManager, mgr *manager.Manager, webhookMgr *webhook.Manager, retryDriver *retry.Driver) {
	wh := NewWebhookHandler(webhookMgr)
	rh := NewRetryHandler(retryDriver)
	gh := NewGameHandler(mgr)
	protect := auth.Middleware(jwtMgr)

	mux.Handle("POST /admin/games", protect(http.HandlerFunc(gh.Create)))
	mux.Handle("GET /admin/games/{id}", protect(http.HandlerFunc(gh.Get)))
	mux.Handle("POST /admin/games/{id}/start", protect(http.HandlerFunc(gh.Start)))
	mux.Handle("POST /admin/games/{id}/pause", protect(http.HandlerFunc(gh.Pause)))
	mux.Handle("POST /admin/games/{id}/resume", protect(http.HandlerFunc(gh.Resume)))
	mux.Handle("POST /admin/games/{id}/abandon", protect(http.HandlerFunc(gh.Abandon)))
	mux.Handle("POST /admin/games/{id}/resolve", protect(http.HandlerFunc(gh.ResolvePhase)))
	mux.Handle("POST /admin/games/{id}/orders", protect(http.HandlerFunc(gh.SubmitOrders)))
	mux.Handle("POST /admin/games/{id}/messages", protect(http.HandlerFunc(gh.SendMessage)))

	mux.Handle("POST /admin/webhooks", protect(http.HandlerFunc(wh.Register)))
	mux.Handle("GET /admin/webhooks", protect(http.HandlerFunc(wh.List)))
	mux.Handle("GET /admin/webhooks/stats", protect(http.HandlerFunc(wh.Stats)))
	mux.Handle("GET /admin/webhooks/dead-letters", protect(http.HandlerFunc(wh.ListDeadLetters)))
	mux.Handle("DELETE /admin/webhooks/dead-letters", protect(http.HandlerFunc(wh.ClearDeadLetters)))
	mux.Handle("POST /admin/webhooks/dead-letters/{id}/retry", protect(http.HandlerFunc(wh.RetryDeadLetter)))
	mux.Handle("GET /admin/webhooks/{id}", protect(http.HandlerFunc(wh.Get)))
	mux.Handle("PATCH /admin/webhooks/{id}/active", protect(http.HandlerFunc(wh.SetActive)))
	mux.Handle("DELETE /admin/webhooks/{id}", protect(http.HandlerFunc(wh.Unregister)))

	mux.Handle("GET /admin/retry/metrics", protect(http.HandlerFunc(rh.Metrics)))
}
