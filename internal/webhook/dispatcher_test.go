package webhook

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/crawlnet/gateway/internal/config"
	"github.com/crawlnet/gateway/internal/types"
)

func testConfig() *config.Config {
	return &config.Config{
		WebhookMaxAttempts:    3,
		WebhookMaxDelay:       50 * time.Millisecond,
		WebhookAttemptTimeout: time.Second,
	}
}

func TestDeliverySucceedsOnFirstAttempt(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New(testConfig())
	defer d.Close()

	d.Enqueue("job-1", srv.URL, nil, types.WebhookPayload{TaskID: "job-1", Status: "COMPLETED"})
	d.wg.Wait()

	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly one delivery attempt, got %d", calls)
	}
}

func TestDeliveryRetriesOn5xxThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New(testConfig())
	defer d.Close()

	d.Enqueue("job-2", srv.URL, nil, types.WebhookPayload{TaskID: "job-2", Status: "COMPLETED"})
	d.wg.Wait()

	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly two delivery attempts, got %d", calls)
	}
}

func TestDeliveryDoesNotRetryOn4xx(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	d := New(testConfig())
	defer d.Close()

	d.Enqueue("job-3", srv.URL, nil, types.WebhookPayload{TaskID: "job-3", Status: "FAILED"})
	d.wg.Wait()

	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected a 4xx response to be terminal with no retry, got %d calls", calls)
	}
}

func TestDeliveryGivesUpAfterMaxAttempts(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := testConfig()
	d := New(cfg)
	defer d.Close()

	d.Enqueue("job-4", srv.URL, nil, types.WebhookPayload{TaskID: "job-4", Status: "COMPLETED"})
	d.wg.Wait()

	if atomic.LoadInt32(&calls) != int32(cfg.WebhookMaxAttempts) {
		t.Fatalf("expected %d attempts, got %d", cfg.WebhookMaxAttempts, calls)
	}
}
