// Package gateway implements the RequestGateway (C12): the HTTP-facing
// orchestration of the synchronous and asynchronous crawl paths described
// by spec.md §4.12, wiring together the pool, dispatcher, rate limiter,
// monitor, job registry, and webhook dispatcher.
package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/go-rod/rod"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/crawlnet/gateway/internal/config"
	"github.com/crawlnet/gateway/internal/dispatcher"
	"github.com/crawlnet/gateway/internal/engine"
	"github.com/crawlnet/gateway/internal/jobs"
	"github.com/crawlnet/gateway/internal/memprobe"
	"github.com/crawlnet/gateway/internal/metrics"
	"github.com/crawlnet/gateway/internal/monitor"
	"github.com/crawlnet/gateway/internal/ratelimit"
	"github.com/crawlnet/gateway/internal/types"
	"github.com/crawlnet/gateway/internal/webhook"
)

// poolAcquirer is the gateway's boundary onto internal/pool.Pool, narrowed
// to what orchestration needs. A *pool.Pool satisfies this with no
// adapter; tests substitute a fake that never launches a real browser.
type poolAcquirer interface {
	Acquire(ctx context.Context, spec types.BrowserSpec) (*types.BrowserInstance, types.TierHit, error)
	Release(fingerprint string)
	Browser(fingerprint string) *rod.Browser
}

// Gateway orchestrates the sync and async crawl paths across every other
// collaborator. It holds no lock of its own: each collaborator owns its
// own concurrency.
type Gateway struct {
	cfg *config.Config

	pool        poolAcquirer
	dispatcher  dispatcher.Dispatcher
	limiter     *ratelimit.Limiter
	monitor     *monitor.Monitor
	persistence *monitor.PersistenceWorker
	broker      *monitor.PushBroker
	jobs        *jobs.Registry
	webhooks    *webhook.Dispatcher
	engine      engine.CrawlerEngine
	probe       *memprobe.Probe

	upgrader websocket.Upgrader

	startedAt time.Time
}

// New assembles a Gateway from its already-constructed collaborators.
// persistence and broker may be nil in tests that don't exercise
// telemetry fan-out.
func New(
	cfg *config.Config,
	pool poolAcquirer,
	disp dispatcher.Dispatcher,
	limiter *ratelimit.Limiter,
	mon *monitor.Monitor,
	persistence *monitor.PersistenceWorker,
	broker *monitor.PushBroker,
	jobRegistry *jobs.Registry,
	webhooks *webhook.Dispatcher,
	eng engine.CrawlerEngine,
	probe *memprobe.Probe,
) *Gateway {
	return &Gateway{
		cfg:         cfg,
		pool:        pool,
		dispatcher:  disp,
		limiter:     limiter,
		monitor:     mon,
		persistence: persistence,
		broker:      broker,
		jobs:        jobRegistry,
		webhooks:    webhooks,
		engine:      eng,
		probe:       probe,
		upgrader:    websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		startedAt:   time.Now(),
	}
}

// Uptime reports how long the gateway has been serving requests.
func (g *Gateway) Uptime() time.Duration { return time.Since(g.startedAt) }

// runOne executes the synchronous crawl path (spec.md §4.12 steps 1-4) for
// a single URL: rate-limit pacing, dispatcher admission, pool acquisition,
// engine execution, and monitor bookkeeping. The instance is released but
// never closed; it remains in its tier for reuse.
func (g *Gateway) runOne(ctx context.Context, endpoint string, browserSpec types.BrowserSpec, spec types.CrawlSpec) (types.CrawlResult, error) {
	requestStarted := time.Now()
	requestID := uuid.NewString()
	domain := ratelimit.ExtractDomain(spec.URL)

	if err := g.limiter.Wait(ctx, domain); err != nil {
		return types.CrawlResult{}, err
	}

	release, err := g.dispatcher.Admit(ctx)
	if err != nil {
		return types.CrawlResult{}, err
	}
	defer release()

	g.monitor.TrackStart(requestID, endpoint, spec.URL, g.probe.UsagePercent())

	instance, tierHit, err := g.pool.Acquire(ctx, browserSpec)
	if err != nil {
		g.monitor.TrackError(types.ErrorEvent{Kind: "pool_acquire", Timestamp: time.Now(), Details: err.Error()})
		g.monitor.TrackEnd(requestID, false, err.Error(), types.TierHitNew, "", g.probe.UsagePercent())
		g.hintPersistence()
		metrics.RecordRequest(endpoint, "error", time.Since(requestStarted))
		return types.CrawlResult{}, err
	}
	defer g.pool.Release(instance.Fingerprint)
	metrics.RecordPoolAcquisition(string(tierHit))

	browser := g.pool.Browser(instance.Fingerprint)
	spec.ProxyURL = browserSpec.Proxy

	result, runErr := g.engine.Run(ctx, browser, spec)

	success := runErr == nil
	errMsg := ""
	if runErr != nil {
		errMsg = runErr.Error()
		g.monitor.TrackError(types.ErrorEvent{Kind: "engine_run", Timestamp: time.Now(), Details: errMsg})
	}
	g.monitor.TrackEnd(requestID, success, errMsg, tierHit, instance.Fingerprint, g.probe.UsagePercent())
	g.hintPersistence()

	statusCode := result.StatusCode
	if statusCode == 0 {
		if success {
			statusCode = http.StatusOK
		} else {
			statusCode = http.StatusInternalServerError
		}
	}
	g.limiter.Observe(domain, statusCode, result.HTML)

	outcome := "ok"
	if !success {
		outcome = "error"
	}
	metrics.RecordRequest(endpoint, outcome, time.Since(requestStarted))

	if runErr != nil {
		return types.CrawlResult{}, &types.EngineRunError{URL: spec.URL, Err: runErr}
	}
	return result, nil
}

func (g *Gateway) hintPersistence() {
	if g.persistence != nil {
		g.persistence.Hint()
	}
}

// runMany runs runOne over every url in urls, endpoint-labeled, returning
// one CrawlResult per url that succeeded plus the first per-url error.
// Failed URLs are logged and left out of the results; a failure does not
// abort the remaining URLs — each is an independent crawl.
func (g *Gateway) runMany(ctx context.Context, endpoint string, browserSpec types.BrowserSpec, body *crawlRequestBody, forcedMode string) ([]types.CrawlResult, error) {
	results := make([]types.CrawlResult, 0, len(body.URLs))
	var firstErr error
	for _, u := range body.URLs {
		spec := crawlSpecFor(body, u, forcedMode)
		result, err := g.runOne(ctx, endpoint, browserSpec, spec)
		if err != nil {
			log.Warn().Err(err).Str("url", u).Str("endpoint", endpoint).Msg("gateway: crawl failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		results = append(results, result)
	}
	return results, firstErr
}

// runAsync drives the async path behind POST /crawl/job and /llm/job:
// JobRegistry.create already happened; this repeats the sync path per URL
// in the background and finalizes the job on completion.
func (g *Gateway) runAsync(job *types.Job, browserSpec types.BrowserSpec, body *crawlRequestBody, forcedMode string) {
	if err := g.jobs.MarkRunning(job.ID); err != nil {
		log.Warn().Err(err).Str("job_id", job.ID).Msg("gateway: failed to mark job running")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.CrawlTimeout)
	defer cancel()

	results, err := g.runMany(ctx, string(job.Kind), browserSpec, body, forcedMode)

	if err != nil && len(results) == 0 {
		if ferr := g.jobs.MarkFailed(job.ID, err.Error()); ferr != nil {
			log.Warn().Err(ferr).Str("job_id", job.ID).Msg("gateway: failed to mark job failed")
		}
		metrics.RecordJobTerminal(string(job.Kind), string(types.JobFailed))
		g.deliverWebhook(job, types.JobFailed, nil, err)
		return
	}

	if cerr := g.jobs.MarkCompleted(job.ID, results); cerr != nil {
		log.Warn().Err(cerr).Str("job_id", job.ID).Msg("gateway: failed to mark job completed")
	}
	metrics.RecordJobTerminal(string(job.Kind), string(types.JobCompleted))
	g.deliverWebhook(job, types.JobCompleted, results, nil)
}

func (g *Gateway) deliverWebhook(job *types.Job, status types.JobStatus, results []types.CrawlResult, runErr error) {
	if job.WebhookConfig == nil || job.WebhookConfig.WebhookURL == "" {
		return
	}
	payload := types.WebhookPayload{
		TaskID:    job.ID,
		TaskType:  string(job.Kind),
		Status:    statusLabel(status),
		Timestamp: time.Now().UTC(),
		URLs:      job.URLs,
	}
	if runErr != nil {
		payload.Error = runErr.Error()
	}
	if job.WebhookConfig.WebhookDataInPayload && runErr == nil {
		payload.Data = results
	}
	g.webhooks.Enqueue(job.ID, job.WebhookConfig.WebhookURL, job.WebhookConfig.WebhookHeaders, payload)
}

func statusLabel(s types.JobStatus) string {
	switch s {
	case types.JobCompleted:
		return "completed"
	case types.JobFailed:
		return "failed"
	default:
		return string(s)
	}
}
