// Package webhook implements the Webhook Manager: HMAC-signed, at-least-once
// delivery of game events to registered subscriber URLs, with bounded
// retries, a dead-letter queue for exhausted deliveries, and accumulated
// stats. Delivery runs over net/http the same way the teacher's bot client
// called out to its subprocess engine over HTTP — one outbound call per
// attempt, logged with zerolog, with no external client library pulled in
// for what the standard library already does well.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mhartwig21/agents-of-treachery-sub006/internal/orcherr"
	"github.com/mhartwig21/agents-of-treachery-sub006/internal/types"
)

// Manager owns every registration, delivery record, and dead-letter entry
// for the process. One lock protects all three; deliveries themselves run
// outside the lock so a slow subscriber never blocks registration or stats.
type Manager struct {
	mu sync.Mutex

	registrations map[string]*types.WebhookRegistration
	deliveries    map[string]*types.DeliveryRecord
	deadLetters   map[string]*types.DeadLetterEntry

	cfg types.WebhookDeliveryConfig

	client *http.Client
	sleep  func(time.Duration)
	nextID func() string

	wg sync.WaitGroup
}

var (
	singletonMu sync.Mutex
	singleton   *Manager
)

// Init installs the process-wide Manager singleton. Calling it again
// replaces the prior instance; callers that need a fresh one in tests use
// New directly instead of the singleton accessors.
func Init(cfg types.WebhookDeliveryConfig) *Manager {
	m := New(cfg)
	singletonMu.Lock()
	singleton = m
	singletonMu.Unlock()
	return m
}

// Instance returns the process-wide Manager, or nil if Init was never called.
func Instance() *Manager {
	singletonMu.Lock()
	defer singletonMu.Unlock()
	return singleton
}

// Teardown clears the process-wide singleton after flushing in-flight
// deliveries, for clean shutdown and test isolation.
func Teardown() {
	singletonMu.Lock()
	m := singleton
	singleton = nil
	singletonMu.Unlock()
	if m != nil {
		m.Flush()
	}
}

// Option configures a Manager at construction.
type Option func(*Manager)

// WithHTTPClient overrides the outbound HTTP client, for tests (httptest).
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.client = c }
}

// WithSleepFunc overrides the inter-retry sleep, for deterministic tests.
func WithSleepFunc(f func(time.Duration)) Option {
	return func(m *Manager) { m.sleep = f }
}

// WithIDFunc overrides ID generation, for deterministic tests.
func WithIDFunc(f func() string) Option {
	return func(m *Manager) { m.nextID = f }
}

// New builds a Manager. Most callers should use Init for the process-wide
// singleton; New is for tests and for persistence-layer bootstrapping that
// needs an isolated instance.
func New(cfg types.WebhookDeliveryConfig, opts ...Option) *Manager {
	m := &Manager{
		registrations: map[string]*types.WebhookRegistration{},
		deliveries:    map[string]*types.DeliveryRecord{},
		deadLetters:   map[string]*types.DeadLetterEntry{},
		cfg:           cfg,
		client:        &http.Client{Timeout: time.Duration(cfg.DeliveryTimeoutMS) * time.Millisecond},
		sleep:         time.Sleep,
		nextID:        randomID,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func randomID() string {
	return fmt.Sprintf("wh_%d", time.Now().UnixNano())
}

// Register adds a new, active subscriber. eventTypes must belong to the
// closed WebhookEventType set.
func (m *Manager) Register(url string, secret string, eventTypes []types.WebhookEventType, description string) (types.WebhookRegistration, error) {
	for _, et := range eventTypes {
		if !types.IsValidWebhookEventType(string(et)) {
			return types.WebhookRegistration{}, fmt.Errorf("%w: %w", orcherr.ErrInvalidEventType, orcherr.Input("unknown webhook event type: "+string(et)))
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	reg := types.WebhookRegistration{
		ID: m.nextID(), URL: url, Secret: secret,
		EventTypes: append([]types.WebhookEventType(nil), eventTypes...),
		Active:     true, CreatedAt: time.Now(), Description: description,
	}
	m.registrations[reg.ID] = &reg
	cp := reg
	return cp, nil
}

// Unregister permanently removes a subscriber.
func (m *Manager) Unregister(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.registrations[id]; !ok {
		return orcherr.State("no webhook registered with that id")
	}
	delete(m.registrations, id)
	return nil
}

// SetActive flips a registration's active flag without forgetting it.
func (m *Manager) SetActive(id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.registrations[id]
	if !ok {
		return orcherr.State("no webhook registered with that id")
	}
	reg.Active = active
	return nil
}

// Get returns one registration by id.
func (m *Manager) Get(id string) (types.WebhookRegistration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.registrations[id]
	if !ok {
		return types.WebhookRegistration{}, false
	}
	return *reg, true
}

// List returns every registration.
func (m *Manager) List() []types.WebhookRegistration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.WebhookRegistration, 0, len(m.registrations))
	for _, r := range m.registrations {
		out = append(out, *r)
	}
	return out
}

// Dispatch builds a payload for event and delivers it, asynchronously and
// at-least-once, to every active registration subscribed to it. It returns
// immediately; call Flush to wait for in-flight deliveries (e.g. before
// process shutdown or in tests that assert on delivery outcome).
func (m *Manager) Dispatch(event types.WebhookEventType, data any) {
	m.mu.Lock()
	var targets []*types.WebhookRegistration
	for _, r := range m.registrations {
		if !r.Active {
			continue
		}
		for _, et := range r.EventTypes {
			if et == event {
				targets = append(targets, r)
				break
			}
		}
	}
	m.mu.Unlock()

	if len(targets) == 0 {
		return
	}

	payload := types.WebhookPayload{
		ID: m.nextID(), Event: event, TimestampISO: time.Now().UTC().Format(time.RFC3339Nano), Data: data,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("event", string(event)).Msg("failed to marshal webhook payload")
		return
	}

	for _, reg := range targets {
		reg := reg
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.deliver(reg, payload, body)
		}()
	}
}

// Flush blocks until every in-flight Dispatch call's deliveries (including
// their retries) have finished.
func (m *Manager) Flush() {
	m.wg.Wait()
}

// sign computes HMAC-SHA256(secret, body) over exactly the bytes sent on
// the wire, per P4 — the timestamp and other headers are not part of the
// signed material.
func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// deliver runs the bounded-retry delivery loop for one (registration,
// payload) pair: doubling backoff with no jitter, up to cfg.MaxRetries
// attempts, landing in the dead-letter queue on exhaustion.
func (m *Manager) deliver(reg *types.WebhookRegistration, payload types.WebhookPayload, body []byte) {
	record := &types.DeliveryRecord{
		ID: m.nextID(), WebhookID: reg.ID, PayloadID: payload.ID, Event: payload.Event, CreatedAt: time.Now(),
	}
	m.mu.Lock()
	m.deliveries[record.ID] = record
	m.mu.Unlock()

	maxRetries := m.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}
	signature := sign(reg.Secret, body)

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		statusCode, err := m.attempt(reg.URL, body, payload, signature)
		m.mu.Lock()
		record.Attempts = append(record.Attempts, types.DeliveryAttempt{
			AttemptNumber: attempt, Timestamp: time.Now(), StatusCode: statusCode,
			Error:   errString(err),
			Success: err == nil,
		})
		m.mu.Unlock()

		if err == nil {
			m.mu.Lock()
			record.Delivered = true
			m.mu.Unlock()
			return
		}
		lastErr = err
		if attempt < maxRetries {
			delay := time.Duration(m.cfg.BaseDelayMS) * time.Millisecond * time.Duration(1<<uint(attempt-1))
			m.sleep(delay)
		}
	}

	m.mu.Lock()
	m.deadLetters[record.ID] = &types.DeadLetterEntry{
		ID: record.ID, WebhookID: reg.ID, WebhookURL: reg.URL, Payload: payload,
		Attempts: append([]types.DeliveryAttempt(nil), record.Attempts...),
		FailedAt: time.Now(), Reason: errString(lastErr),
	}
	m.mu.Unlock()
	log.Warn().Str("webhookId", reg.ID).Str("event", string(payload.Event)).Err(lastErr).
		Msg("webhook delivery exhausted retries, moved to dead-letter queue")
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (m *Manager) attempt(url string, body []byte, payload types.WebhookPayload, signature string) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(m.cfg.DeliveryTimeoutMS)*time.Millisecond)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Id", payload.ID)
	req.Header.Set("X-Webhook-Event", string(payload.Event))
	req.Header.Set("X-Webhook-Timestamp", payload.TimestampISO)
	req.Header.Set("X-Webhook-Signature", signature)

	resp, err := m.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// GetDeadLetters returns every exhausted delivery.
func (m *Manager) GetDeadLetters() []types.DeadLetterEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.DeadLetterEntry, 0, len(m.deadLetters))
	for _, d := range m.deadLetters {
		out = append(out, *d)
	}
	return out
}

// ClearDeadLetters discards every dead-letter entry and returns the count
// removed.
func (m *Manager) ClearDeadLetters() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.deadLetters)
	m.deadLetters = map[string]*types.DeadLetterEntry{}
	return n
}

// RetryDeadLetter removes one dead-letter entry from the queue and re-attempts
// its delivery in the background with a fresh attempt budget. It returns
// before the outcome is known; if every attempt fails again, the delivery is
// dead-lettered anew under a new entry id.
func (m *Manager) RetryDeadLetter(id string) error {
	m.mu.Lock()
	entry, ok := m.deadLetters[id]
	if !ok {
		m.mu.Unlock()
		return orcherr.State("no dead-letter entry with that id")
	}
	reg, regOK := m.registrations[entry.WebhookID]
	m.mu.Unlock()
	if !regOK {
		return orcherr.State("webhook registration no longer exists")
	}

	body, err := json.Marshal(entry.Payload)
	if err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.deadLetters, id)
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.deliver(reg, entry.Payload, body)
	}()
	return nil
}

// Stats summarizes the Manager's current state.
func (m *Manager) Stats() types.WebhookStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stats types.WebhookStats
	stats.Registrations = len(m.registrations)
	for _, r := range m.registrations {
		if r.Active {
			stats.ActiveRegistrations++
		}
	}
	for id, d := range m.deliveries {
		stats.TotalDeliveries++
		switch {
		case d.Delivered:
			stats.SuccessfulDeliveries++
		case m.deadLetters[id] != nil:
			stats.FailedDeliveries++
		default:
			stats.PendingDeliveries++
		}
	}
	stats.DeadLetters = len(m.deadLetters)
	return stats
}
