// Package redisstore is additive deadline infrastructure around the
// Orchestrator's own in-memory timers, modeled on the teacher's
// internal/repository/redis game-state cache and internal/service/timer.go's
// TimerListener. The Orchestrator still exclusively owns and cancels its
// three timer slots; a DeadlineCache entry is only ever a TTL-bearing mirror
// of the deadline the Orchestrator already armed, and DeadlineWatcher only
// ever calls back into the same force-deadline entrypoint a live in-process
// timer would have called. If the process restarts and the in-memory timer
// is lost, the Redis key's expiry (or the polling fallback) is what notices.
package redisstore

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mhartwig21/agents-of-treachery-sub006/internal/logger"
)

// phaseGracePeriod pads the TTL past the displayed deadline, the same
// leeway the teacher's SetTimer gives players before the key expires.
const phaseGracePeriod = 5 * time.Second

func timerKey(gameID string) string { return "game:" + gameID + ":deadline" }

// NewClient connects to redisURL the same way the teacher's redis.Client
// does: ParseURL, then a liveness Ping.
func NewClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return rdb, nil
}

// DeadlineCache mirrors each active game's current phase deadline into
// Redis with a TTL, purely so DeadlineWatcher (in this process or a
// restarted one) has something to notice if the in-memory timer is lost.
type DeadlineCache struct {
	rdb *redis.Client
}

// NewDeadlineCache wraps an existing client.
func NewDeadlineCache(rdb *redis.Client) *DeadlineCache {
	return &DeadlineCache{rdb: rdb}
}

// SetDeadline records gameID's current phase deadline. The TTL always
// carries the grace period, so the key outlives the nominal deadline by a
// few seconds rather than racing it.
func (c *DeadlineCache) SetDeadline(ctx context.Context, gameID string, deadline time.Time) error {
	ttl := time.Until(deadline) + phaseGracePeriod
	if ttl <= 0 {
		ttl = time.Second
	}
	return c.rdb.Set(ctx, timerKey(gameID), deadline.Unix(), ttl).Err()
}

// ClearDeadline removes gameID's cached deadline. The server wiring does not
// call it: a cached deadline is replaced by the next SetDeadline or expires
// with its TTL.
func (c *DeadlineCache) ClearDeadline(ctx context.Context, gameID string) error {
	return c.rdb.Del(ctx, timerKey(gameID)).Err()
}

// Deadline returns the cached deadline for gameID, and whether one exists —
// used by the DeadlineWatcher's polling fallback to detect a deadline that
// has already passed.
func (c *DeadlineCache) Deadline(ctx context.Context, gameID string) (time.Time, bool, error) {
	unix, err := c.rdb.Get(ctx, timerKey(gameID)).Int64()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.Unix(unix, 0), true, nil
}

// ForceDeadlineFunc is the same force-deadline entrypoint a live
// Orchestrator timer fire calls; the watcher never resolves phases itself.
type ForceDeadlineFunc func(gameID string)

// DeadlineWatcher subscribes to Redis keyspace notification expiry events
// and runs a polling fallback, so a deadline still fires if the process
// that armed the in-memory timer is gone. This mirrors TimerListener
// exactly: a pub/sub goroutine plus a ticking backstop, because keyspace
// notifications require server-side configuration (`notify-keyspace-events
// Ex`) that may not be enabled in every deployment.
type DeadlineWatcher struct {
	rdb      *redis.Client
	cache    *DeadlineCache
	onExpire ForceDeadlineFunc

	pollInterval time.Duration
	activeGames  func() []string
}

// NewDeadlineWatcher builds a watcher. activeGames is polled on each tick to
// discover which game IDs currently have a live session, so the poller
// knows which timer keys to check for expiry without scanning the keyspace.
func NewDeadlineWatcher(rdb *redis.Client, cache *DeadlineCache, onExpire ForceDeadlineFunc, activeGames func() []string) *DeadlineWatcher {
	return &DeadlineWatcher{rdb: rdb, cache: cache, onExpire: onExpire, pollInterval: 10 * time.Second, activeGames: activeGames}
}

// Start launches the keyspace-notification subscriber and runs the polling
// fallback on the calling goroutine until ctx is canceled, matching
// TimerListener.Start's shape (subscriber in the background, poller
// in the foreground).
func (w *DeadlineWatcher) Start(ctx context.Context) {
	go w.listenKeyspace(ctx)
	w.pollExpired(ctx)
}

func (w *DeadlineWatcher) listenKeyspace(ctx context.Context) {
	pubsub := w.rdb.PSubscribe(ctx, "__keyevent@0__:expired")
	defer pubsub.Close()

	logger.Get().Info().Msg("deadline watcher subscribed to keyspace expiry notifications")
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.handleExpiry(msg.Payload)
		}
	}
}

func (w *DeadlineWatcher) pollExpired(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.checkExpired(ctx)
		}
	}
}

func (w *DeadlineWatcher) checkExpired(ctx context.Context) {
	for _, gameID := range w.activeGames() {
		deadline, ok, err := w.cache.Deadline(ctx, gameID)
		if err != nil {
			logger.Get().Error().Err(err).Str("gameId", gameID).Msg("deadline watcher: poll failed")
			continue
		}
		if ok && !deadline.After(time.Now()) {
			w.fire(gameID)
		}
	}
}

func (w *DeadlineWatcher) handleExpiry(key string) {
	const prefix, suffix = "game:", ":deadline"
	if !strings.HasPrefix(key, prefix) || !strings.HasSuffix(key, suffix) {
		return
	}
	gameID := strings.TrimSuffix(strings.TrimPrefix(key, prefix), suffix)
	w.fire(gameID)
}

func (w *DeadlineWatcher) fire(gameID string) {
	logger.Get().Info().Str("gameId", gameID).Msg("deadline watcher forcing phase resolution")
	w.onExpire(gameID)
}
