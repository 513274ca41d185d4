// Package retry implements the LLM Retry Driver: it turns an unreliable
// llm.Capability into a bounded, observable one with full-jitter exponential
// backoff and a single optional fallback model. The backoff/fallback shape
// mirrors the subprocess engine's query-then-fallback-to-defaults pattern in
// the bot strategy code this was adapted from, generalized from "fall back
// to default orders" to "fall back to a second model".
package retry

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mhartwig21/agents-of-treachery-sub006/internal/llm"
	"github.com/mhartwig21/agents-of-treachery-sub006/internal/types"
)

// ErrorClass is the closed partition every counted error falls into.
type ErrorClass string

const (
	ClassRateLimit          ErrorClass = "rate_limit"
	ClassTimeout            ErrorClass = "timeout"
	ClassServerError        ErrorClass = "server_error"
	ClassBadGateway         ErrorClass = "bad_gateway"
	ClassServiceUnavailable ErrorClass = "service_unavailable"
	ClassNetworkError       ErrorClass = "network_error"
	ClassUnknown            ErrorClass = "unknown"
)

// Classify maps an error's lowercase message onto the closed ErrorClass set
// by substring match, per the orchestration core's classification rule.
func Classify(err error) ErrorClass {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429"):
		return ClassRateLimit
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out"):
		return ClassTimeout
	case strings.Contains(msg, "500") || strings.Contains(msg, "internal server"):
		return ClassServerError
	case strings.Contains(msg, "502") || strings.Contains(msg, "bad gateway"):
		return ClassBadGateway
	case strings.Contains(msg, "503") || strings.Contains(msg, "service unavailable"):
		return ClassServiceUnavailable
	case strings.Contains(msg, "network") || strings.Contains(msg, "econnrefused") || strings.Contains(msg, "econnreset"):
		return ClassNetworkError
	default:
		return ClassUnknown
	}
}

// Metrics accumulates counters across every call made through one Driver.
type Metrics struct {
	mu sync.Mutex

	TotalAttempts     int
	FirstTrySuccesses int
	RetrySuccesses    int
	FallbackSuccesses int
	TotalFailures     int
	ErrorCounts       map[ErrorClass]int
}

// NewMetrics returns a zeroed Metrics.
func NewMetrics() *Metrics {
	return &Metrics{ErrorCounts: map[ErrorClass]int{}}
}

// Snapshot returns a copy safe to read without holding the Driver's lock.
func (m *Metrics) Snapshot() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := Metrics{
		TotalAttempts:     m.TotalAttempts,
		FirstTrySuccesses: m.FirstTrySuccesses,
		RetrySuccesses:    m.RetrySuccesses,
		FallbackSuccesses: m.FallbackSuccesses,
		TotalFailures:     m.TotalFailures,
		ErrorCounts:       make(map[ErrorClass]int, len(m.ErrorCounts)),
	}
	for k, v := range m.ErrorCounts {
		cp.ErrorCounts[k] = v
	}
	return cp
}

func (m *Metrics) recordAttempt() {
	m.mu.Lock()
	m.TotalAttempts++
	m.mu.Unlock()
}

func (m *Metrics) recordError(class ErrorClass) {
	m.mu.Lock()
	m.ErrorCounts[class]++
	m.mu.Unlock()
}

// CompletionOutcome is what Driver.Complete returns on success.
type CompletionOutcome struct {
	Result      llm.Result
	UsedFallback bool
	Attempts    int
}

// Driver wraps an llm.Capability with bounded retry and a single optional
// fallback model, per §4.3.
type Driver struct {
	primary  llm.Capability
	fallback llm.Capability
	cfg      types.RetryDriverConfig
	metrics  *Metrics

	sleep func(time.Duration)
	rand  func() float64
}

// Option configures a Driver at construction time.
type Option func(*Driver)

// WithSleepFunc overrides the backoff sleep, for deterministic tests.
func WithSleepFunc(f func(time.Duration)) Option {
	return func(d *Driver) { d.sleep = f }
}

// WithRandFunc overrides the jitter source, for deterministic tests.
func WithRandFunc(f func() float64) Option {
	return func(d *Driver) { d.rand = f }
}

// New builds a Driver. fallback may be nil if no fallback model is configured.
func New(primary llm.Capability, fallback llm.Capability, cfg types.RetryDriverConfig, opts ...Option) *Driver {
	d := &Driver{
		primary:  primary,
		fallback: fallback,
		cfg:      cfg,
		metrics:  NewMetrics(),
		sleep:    time.Sleep,
		rand:     rand.Float64,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Metrics returns the accumulated metrics for this Driver.
func (d *Driver) Metrics() *Metrics {
	return d.metrics
}

// Complete runs the bounded-retry-then-fallback algorithm in §4.3.
func (d *Driver) Complete(ctx context.Context, params llm.Params) (CompletionOutcome, error) {
	var lastErr error

	maxRetries := d.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}

	for k := 0; k < maxRetries; k++ {
		d.metrics.recordAttempt()
		res, err := d.primary.Complete(ctx, params)
		if err == nil {
			if k == 0 {
				d.metrics.mu.Lock()
				d.metrics.FirstTrySuccesses++
				d.metrics.mu.Unlock()
			} else {
				d.metrics.mu.Lock()
				d.metrics.RetrySuccesses++
				d.metrics.mu.Unlock()
			}
			return CompletionOutcome{Result: res, UsedFallback: false, Attempts: k + 1}, nil
		}

		lastErr = err
		class := Classify(err)
		d.metrics.recordError(class)
		log.Debug().Str("class", string(class)).Int("attempt", k+1).Err(err).Msg("llm call failed")

		if k < maxRetries-1 {
			delay := backoffDelay(d.cfg.BaseDelayMS, k, d.rand())
			d.sleep(delay)
		}
	}

	if d.fallback != nil && d.cfg.FallbackModel != "" {
		d.metrics.recordAttempt()
		fparams := params
		fparams.Model = d.cfg.FallbackModel
		res, err := d.fallback.Complete(ctx, fparams)
		if err == nil {
			d.metrics.mu.Lock()
			d.metrics.FallbackSuccesses++
			d.metrics.mu.Unlock()
			return CompletionOutcome{Result: res, UsedFallback: true, Attempts: maxRetries + 1}, nil
		}
		lastErr = err
		class := Classify(err)
		d.metrics.recordError(class)
	}

	d.metrics.mu.Lock()
	d.metrics.TotalFailures++
	d.metrics.mu.Unlock()
	return CompletionOutcome{}, lastErr
}

// backoffDelay computes base_delay_ms * 2^k * (0.5 + jitter), full ±50%
// jitter, where jitter is a uniform [0,1) draw.
func backoffDelay(baseDelayMS int64, k int, jitter float64) time.Duration {
	base := float64(baseDelayMS) * float64(int64(1)<<uint(k))
	factor := 0.5 + jitter
	return time.Duration(base*factor) * time.Millisecond
}
