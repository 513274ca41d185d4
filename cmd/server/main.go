package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mhartwig21/agents-of-treachery-sub006/internal/adminapi"
	"github.com/mhartwig21/agents-of-treachery-sub006/internal/adminws"
	"github.com/mhartwig21/agents-of-treachery-sub006/internal/auth"
	"github.com/mhartwig21/agents-of-treachery-sub006/internal/config"
	"github.com/mhartwig21/agents-of-treachery-sub006/internal/engine/refengine"
	"github.com/mhartwig21/agents-of-treachery-sub006/internal/llm"
	"github.com/mhartwig21/agents-of-treachery-sub006/internal/logger"
	"github.com/mhartwig21/agents-of-treachery-sub006/internal/manager"
	"github.com/mhartwig21/agents-of-treachery-sub006/internal/middleware"
	"github.com/mhartwig21/agents-of-treachery-sub006/internal/persistence/pgstore"
	"github.com/mhartwig21/agents-of-treachery-sub006/internal/persistence/redisstore"
	"github.com/mhartwig21/agents-of-treachery-sub006/internal/retry"
	"github.com/mhartwig21/agents-of-treachery-sub006/internal/types"
	"github.com/mhartwig21/agents-of-treachery-sub006/internal/vault"
	"github.com/mhartwig21/agents-of-treachery-sub006/internal/webhook"
)

func main() {
	logger.Init()
	cfg := config.Load()
	log.Info().Str("databaseURL", cfg.DatabaseURL).Msg("Config loaded")

	// Vault: open the existing credential store (a missing vault file is a
	// fatal error; nothing here creates one) and materialize every secret it holds into the
	// environment the (out-of-scope) LLM provider clients read from. A
	// missing VAULT_PASSWORD just means no provider credentials are
	// unsealed; the orchestration core still runs against refengine.
	if cfg.VaultPassword != "" {
		if err := unsealProviderCredentials(cfg.VaultPath, cfg.VaultPassword); err != nil {
			log.Fatal().Err(err).Msg("Vault unseal failed")
		}
	}

	// Database: the append-only snapshot sink.
	db, err := pgstore.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Database connection failed")
	}
	defer db.Close()

	rules := refengine.New()
	store := pgstore.New(db, rules)
	if err := store.EnsureSchema(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure snapshot schema")
	}

	// Redis: deadline-cache mirror and keyspace-notification deadline
	// wakeups, additive around the Orchestrator's own in-memory timers.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisClient, err := redisstore.NewClient(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Redis connection failed")
	}
	defer redisClient.Close()
	if err := redisClient.ConfigSet(ctx, "notify-keyspace-events", "Ex").Err(); err != nil {
		log.Warn().Err(err).Msg("Failed to set Redis keyspace notifications (timer expiry fallback will still poll)")
	}
	deadlineCache := redisstore.NewDeadlineCache(redisClient)

	gameMgr := manager.New(rules, store)
	gameMgr.OnDeadlineArmed(func(gameID string, ps *types.PhaseStatus) {
		if err := deadlineCache.SetDeadline(ctx, gameID, ps.Deadline); err != nil {
			log.Warn().Err(err).Str("gameId", gameID).Msg("failed to mirror deadline into redis")
		}
	})

	// Auth: bearer JWT for the operator admin surface.
	jwtMgr := auth.NewJWTManager(cfg.JWTSecret)

	// Webhook Manager: process-wide singleton, wired into every Session's
	// curated event subset via the manager.
	webhookMgr := webhook.Init(cfg.Webhook)
	gameMgr.SetWebhookManager(webhookMgr)

	// LLM Retry Driver: the concrete provider clients are external
	// collaborators (out of scope); the driver here exists so operators can
	// watch accumulated retry/fallback metrics regardless of which capability
	// a deployment wires in at the call site.
	retryDriver := retry.New(llm.Capability(nil), llm.Capability(nil), cfg.Retry)

	// Operator websocket tail: one connection per game, fed from every
	// Session's raw event stream.
	wsHub := adminws.NewHub()
	gameMgr.OnGameEvent(func(gameID string, e types.GameEvent) {
		wsHub.Broadcast(gameID, e)
	})

	// Deadline watcher: fires ForceDeadline if a process restart lost the
	// in-memory timer.
	deadlineWatcher := redisstore.NewDeadlineWatcher(redisClient, deadlineCache, gameMgr.ForceDeadline, gameMgr.ActiveGameIDs)

	// Crash recovery: rehydrate every ACTIVE game's last snapshot.
	if err := gameMgr.RecoverActiveGames(context.Background()); err != nil {
		log.Error().Err(err).Msg("Failed to recover active games (non-fatal)")
	}
	go deadlineWatcher.Start(ctx)

	// Router
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	adminapi.RegisterRoutes(mux, jwtMgr, gameMgr, webhookMgr, retryDriver)
	wsHandler := adminws.NewHandler(wsHub, jwtMgr)
	mux.HandleFunc("GET /admin/games/{id}/events", wsHandler.ServeWS)

	root := middleware.Chain(mux, middleware.Logger, middleware.CORS("*"), middleware.JSON)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      root,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down server")

	cancel()
	webhookMgr.Flush()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("Server shutdown error")
	}
	log.Info().Msg("Server stopped")
}

// unsealProviderCredentials opens the credential vault and materializes
// every secret it holds into the process environment under
// LLM_PROVIDER_<NAME>, the boundary spec.md §4.5 draws between the vault
// (which never returns raw key material beyond a decrypt call) and the
// providers that actually read an API key from their environment.
func unsealProviderCredentials(path, password string) error {
	v, err := vault.Open(path, password)
	if err != nil {
		return err
	}
	for _, name := range v.ListSecretNames() {
		plaintext, err := v.DecryptSecret(name)
		if err != nil {
			return err
		}
		os.Setenv("LLM_PROVIDER_"+name, string(plaintext))
		for i := range plaintext {
			plaintext[i] = 0
		}
	}
	return nil
}
