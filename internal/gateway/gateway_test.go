package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-rod/rod"

	"github.com/crawlnet/gateway/internal/config"
	"github.com/crawlnet/gateway/internal/dispatcher"
	"github.com/crawlnet/gateway/internal/jobs"
	"github.com/crawlnet/gateway/internal/kvstore"
	"github.com/crawlnet/gateway/internal/memprobe"
	"github.com/crawlnet/gateway/internal/monitor"
	"github.com/crawlnet/gateway/internal/ratelimit"
	"github.com/crawlnet/gateway/internal/types"
	"github.com/crawlnet/gateway/internal/webhook"
)

// fakePool satisfies poolAcquirer without ever launching a browser.
type fakePool struct {
	acquireErr error
}

func (f *fakePool) Acquire(ctx context.Context, spec types.BrowserSpec) (*types.BrowserInstance, types.TierHit, error) {
	if f.acquireErr != nil {
		return nil, types.TierHitNew, f.acquireErr
	}
	return &types.BrowserInstance{Fingerprint: "fp-test"}, types.TierHitNew, nil
}

func (f *fakePool) Release(fingerprint string) {}

func (f *fakePool) Browser(fingerprint string) *rod.Browser { return nil }

// fakeEngine satisfies engine.CrawlerEngine without a real browser.
type fakeEngine struct {
	runErr error
}

func (f *fakeEngine) Run(ctx context.Context, browser *rod.Browser, spec types.CrawlSpec) (types.CrawlResult, error) {
	if f.runErr != nil {
		return types.CrawlResult{}, f.runErr
	}
	return types.CrawlResult{URL: spec.URL, StatusCode: http.StatusOK, HTML: "<html>ok</html>"}, nil
}

func newTestGateway(t *testing.T, pool poolAcquirer, eng *fakeEngine) *Gateway {
	t.Helper()
	cfg := config.Load()
	cfg.DispatcherMode = "fixed"
	cfg.DispatcherFixedConcurrency = 4
	cfg.AllowLocalProxies = true

	probe := memprobe.New()
	disp := dispatcher.NewFixedConcurrency(cfg.DispatcherFixedConcurrency)
	limiter := ratelimit.New(cfg)
	mon := monitor.New(cfg, probe, nil)
	store := kvstore.NewMemoryStore()
	jobRegistry := jobs.NewRegistry(cfg, store)
	webhooks := webhook.New(cfg)

	t.Cleanup(func() {
		disp.Close()
		limiter.Close()
		mon.Close()
		jobRegistry.Close()
		webhooks.Close()
		store.Close()
	})

	return New(cfg, pool, disp, limiter, mon, nil, nil, jobRegistry, webhooks, eng, probe)
}

func TestHandleCrawlSuccess(t *testing.T) {
	g := newTestGateway(t, &fakePool{}, &fakeEngine{})
	srv := httptest.NewServer(g.Router())
	defer srv.Close()

	body := strings.NewReader(`{"urls":["https://example.com/a"]}`)
	resp, err := http.Post(srv.URL+"/crawl", "application/json", body)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var decoded struct {
		Results []types.CrawlResult `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded.Results) != 1 || decoded.Results[0].URL != "https://example.com/a" {
		t.Fatalf("unexpected results: %+v", decoded.Results)
	}
}

func TestHandleCrawlRejectsEmptyURLs(t *testing.T) {
	g := newTestGateway(t, &fakePool{}, &fakeEngine{})
	srv := httptest.NewServer(g.Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/crawl", "application/json", strings.NewReader(`{"urls":[]}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHandleCrawlRejectsUnsafeURL(t *testing.T) {
	g := newTestGateway(t, &fakePool{}, &fakeEngine{})
	srv := httptest.NewServer(g.Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/crawl", "application/json", strings.NewReader(`{"urls":["http://169.254.169.254/latest/meta-data"]}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHandleCrawlPoolPressurePropagates503(t *testing.T) {
	g := newTestGateway(t, &fakePool{acquireErr: types.ErrMemoryPressure}, &fakeEngine{})
	srv := httptest.NewServer(g.Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/crawl", "application/json", strings.NewReader(`{"urls":["https://example.com/a"]}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestHandleCrawlJobCreatesAndCompletes(t *testing.T) {
	g := newTestGateway(t, &fakePool{}, &fakeEngine{})
	srv := httptest.NewServer(g.Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/crawl/job", "application/json", strings.NewReader(`{"urls":["https://example.com/a"]}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	var job types.Job
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if job.ID == "" {
		t.Fatal("expected non-empty job id")
	}

	getResp, err := http.Get(srv.URL + "/crawl/job/" + job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", getResp.StatusCode)
	}
}

func TestHandleGetJobNotFound(t *testing.T) {
	g := newTestGateway(t, &fakePool{}, &fakeEngine{})
	srv := httptest.NewServer(g.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/crawl/job/does-not-exist")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestHandleMonitorRequestsValidatesStatus(t *testing.T) {
	g := newTestGateway(t, &fakePool{}, &fakeEngine{})
	srv := httptest.NewServer(g.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/monitor/requests?status=bogus")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHandleMonitorRequestsValidatesLimit(t *testing.T) {
	g := newTestGateway(t, &fakePool{}, &fakeEngine{})
	srv := httptest.NewServer(g.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/monitor/requests?limit=0")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHandleMonitorTimelineValidatesMetricAndWindow(t *testing.T) {
	g := newTestGateway(t, &fakePool{}, &fakeEngine{})
	srv := httptest.NewServer(g.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/monitor/timeline?metric=bogus")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}

	resp2, err := http.Get(srv.URL + "/monitor/timeline?metric=memory&window=9d")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp2.StatusCode)
	}
}

func TestHandleDispatchersReportsFixedStats(t *testing.T) {
	g := newTestGateway(t, &fakePool{}, &fakeEngine{})
	srv := httptest.NewServer(g.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/dispatchers")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var stats map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats["mode"] != "fixed" {
		t.Fatalf("mode = %v, want fixed", stats["mode"])
	}
}

func TestHandleHealth(t *testing.T) {
	g := newTestGateway(t, &fakePool{}, &fakeEngine{})
	srv := httptest.NewServer(g.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}
