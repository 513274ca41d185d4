package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mhartwig21/agents-of-treachery-sub006/internal/llm"
	"github.com/mhartwig21/agents-of-treachery-sub006/internal/types"
)

type stubCapability struct {
	calls   int
	results []llm.Result
	errs    []error
}

func (s *stubCapability) Complete(_ context.Context, _ llm.Params) (llm.Result, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return llm.Result{}, s.errs[i]
	}
	if i < len(s.results) {
		return s.results[i], nil
	}
	return llm.Result{}, errors.New("stub exhausted")
}

func TestDriverFirstTrySuccess(t *testing.T) {
	primary := &stubCapability{results: []llm.Result{{Content: "ok"}}}
	d := New(primary, nil, types.RetryDriverConfig{MaxRetries: 3, BaseDelayMS: 1})
	d.sleep = func(_ time.Duration) {}

	out, err := d.Complete(context.Background(), llm.Params{Model: "m"})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if out.Attempts != 1 {
		t.Fatalf("first-try success must report attempts=1, got %d", out.Attempts)
	}
	m := d.Metrics().Snapshot()
	if m.FirstTrySuccesses != 1 {
		t.Fatalf("expected 1 first-try success, got %d", m.FirstTrySuccesses)
	}
}

func TestDriverRetrySucceedsAfterTransientFailures(t *testing.T) {
	primary := &stubCapability{
		errs:    []error{errors.New("rate limit exceeded (429)"), errors.New("rate limit exceeded (429)")},
		results: []llm.Result{{}, {}, {Content: "recovered"}},
	}
	d := New(primary, nil, types.RetryDriverConfig{MaxRetries: 3, BaseDelayMS: 1})
	d.sleep = func(_ time.Duration) {}

	out, err := d.Complete(context.Background(), llm.Params{Model: "m"})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if out.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", out.Attempts)
	}
	if out.UsedFallback {
		t.Fatalf("expected no fallback")
	}
	m := d.Metrics().Snapshot()
	if m.ErrorCounts[ClassRateLimit] != 2 {
		t.Fatalf("expected 2 rate_limit errors, got %d", m.ErrorCounts[ClassRateLimit])
	}
	if m.RetrySuccesses != 1 {
		t.Fatalf("expected 1 retry success, got %d", m.RetrySuccesses)
	}
}

func TestDriverExhaustsPrimaryFallsBackToSecondModel(t *testing.T) {
	primary := &stubCapability{
		errs: []error{
			errors.New("rate limit exceeded (429)"),
			errors.New("rate limit exceeded (429)"),
			errors.New("rate limit exceeded (429)"),
		},
	}
	fallback := &stubCapability{results: []llm.Result{{Content: "fallback ok"}}}
	cfg := types.RetryDriverConfig{MaxRetries: 3, BaseDelayMS: 1, FallbackModel: "fallback-model"}
	d := New(primary, fallback, cfg)
	d.sleep = func(_ time.Duration) {}

	out, err := d.Complete(context.Background(), llm.Params{Model: "primary"})
	if err != nil {
		t.Fatalf("expected fallback success, got %v", err)
	}
	if out.Attempts != 4 {
		t.Fatalf("expected 4 attempts (S4), got %d", out.Attempts)
	}
	if !out.UsedFallback {
		t.Fatalf("expected used_fallback=true")
	}
	m := d.Metrics().Snapshot()
	if m.ErrorCounts[ClassRateLimit] != 3 {
		t.Fatalf("expected error_counts.rate_limit=3, got %d", m.ErrorCounts[ClassRateLimit])
	}
	if m.FallbackSuccesses != 1 {
		t.Fatalf("expected fallback_successes=1, got %d", m.FallbackSuccesses)
	}
}

func TestDriverPropagatesLastErrorWhenNoFallbackConfigured(t *testing.T) {
	primary := &stubCapability{
		errs: []error{errors.New("econnreset"), errors.New("econnreset")},
	}
	d := New(primary, nil, types.RetryDriverConfig{MaxRetries: 2, BaseDelayMS: 1})
	d.sleep = func(_ time.Duration) {}

	_, err := d.Complete(context.Background(), llm.Params{})
	if err == nil {
		t.Fatalf("expected failure to propagate")
	}
	m := d.Metrics().Snapshot()
	if m.TotalFailures != 1 {
		t.Fatalf("expected 1 total failure, got %d", m.TotalFailures)
	}
}

func TestClassifyPartition(t *testing.T) {
	cases := map[string]ErrorClass{
		"429 rate limit exceeded":    ClassRateLimit,
		"request timed out":         ClassTimeout,
		"500 internal server error": ClassServerError,
		"502 bad gateway":           ClassBadGateway,
		"503 service unavailable":   ClassServiceUnavailable,
		"ECONNRESET":                ClassNetworkError,
		"something else entirely":   ClassUnknown,
	}
	for msg, want := range cases {
		got := Classify(errors.New(msg))
		if got != want {
			t.Errorf("Classify(%q) = %q, want %q", msg, got, want)
		}
	}
}
