package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mhartwig21/agents-of-treachery-sub006/internal/types"
)

func testCfg() types.WebhookDeliveryConfig {
	return types.WebhookDeliveryConfig{MaxRetries: 3, BaseDelayMS: 1, DeliveryTimeoutMS: 1000}
}

// TestDispatchDeliversSignedPayload covers S5: register a subscriber,
// dispatch an event, and verify the endpoint received a correctly
// HMAC-signed payload with every required header.
func TestDispatchDeliversSignedPayload(t *testing.T) {
	var (
		mu        sync.Mutex
		gotBody   []byte
		gotSig    string
		gotTS     string
		gotID     string
		gotEvent  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotBody = body
		gotSig = r.Header.Get("X-Webhook-Signature")
		gotTS = r.Header.Get("X-Webhook-Timestamp")
		gotID = r.Header.Get("X-Webhook-ID")
		gotEvent = r.Header.Get("X-Webhook-Event")
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var idN int32
	m := New(testCfg(), WithHTTPClient(srv.Client()), WithIDFunc(func() string {
		n := atomic.AddInt32(&idN, 1)
		return fmt.Sprintf("id-%d", n)
	}))
	reg, err := m.Register(srv.URL, "s3cr3t", []types.WebhookEventType{types.EventGameStartedWebhook}, "test")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if gotID != "" {
		t.Fatalf("sanity: handler ran before dispatch")
	}

	m.Dispatch(types.EventGameStartedWebhook, map[string]any{"year": 1901})
	m.Flush()

	mu.Lock()
	defer mu.Unlock()
	if gotEvent != string(types.EventGameStartedWebhook) {
		t.Fatalf("expected event header %q, got %q", types.EventGameStartedWebhook, gotEvent)
	}
	// The id header must carry the payload's id, not the registration's id,
	// since subscribers dedupe deliveries by payload.id.
	if gotID == reg.ID {
		t.Fatalf("expected webhook id header to be the payload id, got the registration id %q", reg.ID)
	}
	if gotID == "" {
		t.Fatalf("expected a non-empty webhook id header")
	}
	if gotTS == "" {
		t.Fatalf("expected a non-empty timestamp header")
	}
	mac := hmac.New(sha256.New, []byte("s3cr3t"))
	mac.Write(gotBody)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if gotSig != want {
		t.Fatalf("signature mismatch: got %q want %q", gotSig, want)
	}

	stats := m.Stats()
	if stats.SuccessfulDeliveries != 1 {
		t.Fatalf("expected 1 successful delivery, got %d", stats.SuccessfulDeliveries)
	}
}

// TestDispatchSkipsInactiveAndUnsubscribedRegistrations ensures only active
// subscribers listening for the dispatched event type receive it.
func TestDispatchSkipsInactiveAndUnsubscribedRegistrations(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := New(testCfg(), WithHTTPClient(srv.Client()))

	inactive, _ := m.Register(srv.URL, "s", []types.WebhookEventType{types.EventGameStartedWebhook}, "")
	_ = m.SetActive(inactive.ID, false)
	_, _ = m.Register(srv.URL, "s", []types.WebhookEventType{types.EventPhaseStartedWebhook}, "")

	m.Dispatch(types.EventGameStartedWebhook, nil)
	m.Flush()

	if atomic.LoadInt32(&hits) != 0 {
		t.Fatalf("expected no deliveries, got %d", hits)
	}
}

// TestDeliveryExhaustsRetriesIntoDeadLetter covers S6: a subscriber that
// always fails lands in the dead-letter queue after max_retries attempts,
// with no jitter in the backoff.
func TestDeliveryExhaustsRetriesIntoDeadLetter(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testCfg()
	var slept []time.Duration
	var mu sync.Mutex
	m := New(cfg, WithHTTPClient(srv.Client()), WithSleepFunc(func(d time.Duration) {
		mu.Lock()
		slept = append(slept, d)
		mu.Unlock()
	}))
	reg, _ := m.Register(srv.URL, "s", []types.WebhookEventType{types.EventGameStartedWebhook}, "")

	m.Dispatch(types.EventGameStartedWebhook, nil)
	m.Flush()

	if atomic.LoadInt32(&attempts) != int32(cfg.MaxRetries) {
		t.Fatalf("expected %d attempts, got %d", cfg.MaxRetries, attempts)
	}

	dead := m.GetDeadLetters()
	if len(dead) != 1 {
		t.Fatalf("expected 1 dead-letter entry, got %d", len(dead))
	}
	if dead[0].WebhookID != reg.ID {
		t.Fatalf("dead-letter entry references wrong webhook id")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(slept) != cfg.MaxRetries-1 {
		t.Fatalf("expected %d backoff sleeps, got %d", cfg.MaxRetries-1, len(slept))
	}
	for i := 1; i < len(slept); i++ {
		if slept[i] != 2*slept[i-1] {
			t.Fatalf("expected doubling backoff with no jitter, got %v then %v", slept[i-1], slept[i])
		}
	}
}

func TestRetryDeadLetterRedelivers(t *testing.T) {
	var mode int32 // 0 = fail, 1 = succeed
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.LoadInt32(&mode) == 0 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testCfg()
	cfg.MaxRetries = 1
	m := New(cfg, WithHTTPClient(srv.Client()), WithSleepFunc(func(time.Duration) {}))
	m.Register(srv.URL, "s", []types.WebhookEventType{types.EventGameStartedWebhook}, "")

	m.Dispatch(types.EventGameStartedWebhook, nil)
	m.Flush()

	dead := m.GetDeadLetters()
	if len(dead) != 1 {
		t.Fatalf("expected 1 dead-letter entry, got %d", len(dead))
	}

	atomic.StoreInt32(&mode, 1)
	if err := m.RetryDeadLetter(dead[0].ID); err != nil {
		t.Fatalf("retry_dead_letter: %v", err)
	}
	m.Flush()

	if len(m.GetDeadLetters()) != 0 {
		t.Fatalf("expected dead-letter queue to be empty after a successful retry")
	}
	stats := m.Stats()
	if stats.SuccessfulDeliveries != 1 {
		t.Fatalf("expected 1 successful delivery after retry, got %d", stats.SuccessfulDeliveries)
	}
}

// TestStatsReportsPendingDeliveries verifies a delivery still mid-retry is
// counted as pending, not failed, and moves to failed only once it lands in
// the dead-letter queue.
func TestStatsReportsPendingDeliveries(t *testing.T) {
	reachedSleep := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testCfg()
	cfg.MaxRetries = 2
	m := New(cfg, WithHTTPClient(srv.Client()), WithSleepFunc(func(time.Duration) {
		close(reachedSleep)
		<-release
	}))
	m.Register(srv.URL, "s", []types.WebhookEventType{types.EventGameStartedWebhook}, "")

	m.Dispatch(types.EventGameStartedWebhook, nil)
	<-reachedSleep

	stats := m.Stats()
	if stats.PendingDeliveries != 1 {
		t.Fatalf("expected 1 pending delivery while retry is in flight, got %d", stats.PendingDeliveries)
	}
	if stats.FailedDeliveries != 0 {
		t.Fatalf("expected 0 failed deliveries before retries exhaust, got %d", stats.FailedDeliveries)
	}

	close(release)
	m.Flush()

	stats = m.Stats()
	if stats.PendingDeliveries != 0 {
		t.Fatalf("expected 0 pending deliveries after exhaustion, got %d", stats.PendingDeliveries)
	}
	if stats.FailedDeliveries != 1 {
		t.Fatalf("expected 1 failed delivery after exhaustion, got %d", stats.FailedDeliveries)
	}
}

func TestRegisterRejectsUnknownEventType(t *testing.T) {
	m := New(testCfg())
	if _, err := m.Register("http://example.com", "s", []types.WebhookEventType{"not.a.real.event"}, ""); err == nil {
		t.Fatalf("expected registration with an unknown event type to fail")
	}
}

func TestClearDeadLetters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	cfg := testCfg()
	cfg.MaxRetries = 1
	m := New(cfg, WithHTTPClient(srv.Client()), WithSleepFunc(func(time.Duration) {}))
	m.Register(srv.URL, "s", []types.WebhookEventType{types.EventGameStartedWebhook}, "")

	m.Dispatch(types.EventGameStartedWebhook, nil)
	m.Flush()
	if len(m.GetDeadLetters()) != 1 {
		t.Fatalf("expected 1 dead-letter before clear")
	}
	if n := m.ClearDeadLetters(); n != 1 {
		t.Fatalf("expected ClearDeadLetters to report 1 removed, got %d", n)
	}
	if len(m.GetDeadLetters()) != 0 {
		t.Fatalf("expected 0 dead-letters after clear")
	}
}
