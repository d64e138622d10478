package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/crawlnet/gateway/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		RateLimiterMinDelay:   10 * time.Millisecond,
		RateLimiterMaxDelay:   80 * time.Millisecond,
		RateLimiterMaxRetries: 3,
	}
}

func TestWaitAppliesBaseDelay(t *testing.T) {
	l := New(testConfig())
	defer l.Close()

	start := time.Now()
	if err := l.Wait(context.Background(), "example.com"); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if time.Since(start) < l.cfg.RateLimiterMinDelay {
		t.Fatalf("expected at least the minimum delay to elapse")
	}
}

func TestObserveBacksOffOnRateLimit(t *testing.T) {
	l := New(testConfig())
	defer l.Close()

	retry, attempt := l.Observe("example.com", 429, "")
	if !retry || attempt != 1 {
		t.Fatalf("expected retry=true attempt=1, got retry=%v attempt=%d", retry, attempt)
	}

	retry, attempt = l.Observe("example.com", 429, "")
	if !retry || attempt != 2 {
		t.Fatalf("expected retry=true attempt=2, got retry=%v attempt=%d", retry, attempt)
	}
}

func TestObserveStopsRetryingPastMaxRetries(t *testing.T) {
	l := New(testConfig())
	defer l.Close()

	var retry bool
	for i := 0; i < l.cfg.RateLimiterMaxRetries+1; i++ {
		retry, _ = l.Observe("example.com", 429, "")
	}
	if retry {
		t.Fatal("expected retry to become false once attempts exceed RateLimiterMaxRetries")
	}
}

func TestObserveLeavesBackoffUntouchedOnCleanResponse(t *testing.T) {
	l := New(testConfig())
	defer l.Close()

	l.Observe("example.com", 429, "")
	s := l.getOrCreate("example.com")
	s.mu.Lock()
	backoffBefore, attemptBefore := s.backoff, s.attempt
	s.mu.Unlock()

	retry, attempt := l.Observe("example.com", 200, "ok")
	if retry {
		t.Fatalf("expected a clean response not to request a retry, got retry=%v", retry)
	}
	if attempt != attemptBefore {
		t.Fatalf("expected attempt to stay at %d, got %d", attemptBefore, attempt)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backoff != backoffBefore {
		t.Fatalf("expected a clean response to leave backoff untouched, got %v want %v", s.backoff, backoffBefore)
	}
}

func TestExtractDomain(t *testing.T) {
	cases := map[string]string{
		"https://example.com/path": "example.com",
		"http://sub.example.org":   "sub.example.org",
		"not a url":                "",
	}
	for in, want := range cases {
		if got := ExtractDomain(in); got != want {
			t.Errorf("ExtractDomain(%q) = %q, want %q", in, got, want)
		}
	}
}
