package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandler(t *testing.T) {
	handler := Handler()
	if handler == nil {
		t.Fatal("Handler() returned nil")
	}

	RecordRequest("/crawl", "ok", 1*time.Second)
	UpdatePoolInstances("HOT", 2)
	UpdateDispatcherGauges(1, 3)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	body := w.Body.String()
	expectedMetrics := []string{
		"crawlgate_pool_instances",
		"crawlgate_dispatcher_queue_depth",
		"crawlgate_dispatcher_inflight",
	}
	for _, metric := range expectedMetrics {
		if !strings.Contains(body, metric) {
			t.Errorf("Expected metric %q not found in output", metric)
		}
	}
}

func TestSetBuildInfo(t *testing.T) {
	SetBuildInfo("1.0.0", "go1.24")

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, req)

	body := w.Body.String()
	if !strings.Contains(body, "crawlgate_build_info") {
		t.Error("Expected crawlgate_build_info metric")
	}
	if !strings.Contains(body, `version="1.0.0"`) {
		t.Error("Expected version label in build_info")
	}
	if !strings.Contains(body, `go_version="go1.24"`) {
		t.Error("Expected go_version label in build_info")
	}
}

func TestRecordRequest(t *testing.T) {
	RecordRequest("/crawl", "ok", 1*time.Second)
	RecordRequest("/crawl", "error", 500*time.Millisecond)
	RecordRequest("/html", "ok", 2*time.Second)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, req)

	body := w.Body.String()
	if !strings.Contains(body, "crawlgate_requests_total") {
		t.Error("Expected crawlgate_requests_total metric")
	}
	if !strings.Contains(body, "crawlgate_request_duration_seconds") {
		t.Error("Expected crawlgate_request_duration_seconds metric")
	}
}

func TestRecordPoolAcquisition(t *testing.T) {
	RecordPoolAcquisition("HOT")
	RecordPoolAcquisition("COLD_PROMOTED")

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, req)

	body := w.Body.String()
	if !strings.Contains(body, "crawlgate_pool_acquisitions_total") {
		t.Error("Expected crawlgate_pool_acquisitions_total metric")
	}
}

func TestRecordJanitorEviction(t *testing.T) {
	RecordJanitorEviction("COLD")
	RecordJanitorEviction("HOT")

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, req)

	body := w.Body.String()
	if !strings.Contains(body, "crawlgate_janitor_evictions_total") {
		t.Error("Expected crawlgate_janitor_evictions_total metric")
	}
}

func TestRecordJobTerminalAndWebhookDelivery(t *testing.T) {
	RecordJobTerminal("CRAWL", "COMPLETED")
	RecordWebhookDelivery("success")

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, req)

	body := w.Body.String()
	if !strings.Contains(body, "crawlgate_jobs_total") {
		t.Error("Expected crawlgate_jobs_total metric")
	}
	if !strings.Contains(body, "crawlgate_webhook_deliveries_total") {
		t.Error("Expected crawlgate_webhook_deliveries_total metric")
	}
}

func TestUpdatePoolInstances(t *testing.T) {
	UpdatePoolInstances("PERMANENT", 1)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, req)

	body := w.Body.String()
	if !strings.Contains(body, `crawlgate_pool_instances{tier="PERMANENT"} 1`) {
		t.Error("Expected pool_instances for PERMANENT tier to be 1")
	}
}

func TestStartMemoryCollector(t *testing.T) {
	stopCh := make(chan struct{})
	go StartMemoryCollector(50*time.Millisecond, stopCh)
	time.Sleep(150 * time.Millisecond)
	close(stopCh)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, req)

	body := w.Body.String()
	if !strings.Contains(body, "crawlgate_memory_usage_bytes") {
		t.Error("Expected crawlgate_memory_usage_bytes metric")
	}
	if !strings.Contains(body, "crawlgate_memory_sys_bytes") {
		t.Error("Expected crawlgate_memory_sys_bytes metric")
	}
	if !strings.Contains(body, "crawlgate_goroutines") {
		t.Error("Expected crawlgate_goroutines metric")
	}
}
