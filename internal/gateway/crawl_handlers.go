package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/crawlnet/gateway/internal/types"
)

// handleCrawl serves POST /crawl and its mode-specific variants
// (/html, /md, /screenshot, /pdf, /execute_js), running the sync path for
// every URL in the body and returning all results together. forcedMode is
// "" for the generic /crawl route.
func (g *Gateway) handleCrawl(forcedMode string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := decodeCrawlBody(w, r)
		if err != nil {
			writeError(w, err)
			return
		}
		if err := validateCrawlBody(r.Context(), body, g.cfg.AllowLocalProxies); err != nil {
			writeError(w, err)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), g.cfg.CrawlTimeout)
		defer cancel()

		browserSpec := body.BrowserConfig.toSpec()
		endpoint := endpointLabel(forcedMode)

		results, err := g.runMany(ctx, endpoint, browserSpec, body, forcedMode)
		if err != nil && len(results) == 0 {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": results})
	}
}

// handleCrawlStream serves POST /crawl/stream: one NDJSON line per
// completed URL, flushed as each crawl finishes rather than buffered to
// the end.
func (g *Gateway) handleCrawlStream(w http.ResponseWriter, r *http.Request) {
	body, err := decodeCrawlBody(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := validateCrawlBody(r.Context(), body, g.cfg.AllowLocalProxies); err != nil {
		writeError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), g.cfg.CrawlStreamTimeout)
	defer cancel()

	browserSpec := body.BrowserConfig.toSpec()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	enc := json.NewEncoder(w)
	for _, u := range body.URLs {
		spec := crawlSpecFor(body, u, "")
		result, runErr := g.runOne(ctx, "crawl_stream", browserSpec, spec)
		line := map[string]any{"url": u}
		if runErr != nil {
			line["error"] = runErr.Error()
		} else {
			line["result"] = result
		}
		if encErr := enc.Encode(line); encErr != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// handleCrawlJob serves POST /crawl/job: creates a PENDING job and starts
// the async path in the background, returning the job's id immediately.
func (g *Gateway) handleCrawlJob(w http.ResponseWriter, r *http.Request) {
	g.handleJob(w, r, types.JobKindCrawl, "")
}

// handleLLMJob serves POST /llm/job. Real provider bindings are out of
// scope, so the job runs the markdown-mode crawl path and returns that as
// the extract result.
func (g *Gateway) handleLLMJob(w http.ResponseWriter, r *http.Request) {
	g.handleJob(w, r, types.JobKindLLMExtract, "md")
}

func (g *Gateway) handleJob(w http.ResponseWriter, r *http.Request, kind types.JobKind, forcedMode string) {
	body, err := decodeCrawlBody(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := validateCrawlBody(r.Context(), body, g.cfg.AllowLocalProxies); err != nil {
		writeError(w, err)
		return
	}

	job := g.jobs.Create(kind, body.URLs, body.WebhookConfig)
	browserSpec := body.BrowserConfig.toSpec()
	go g.runAsync(job, browserSpec, body, forcedMode)

	writeJSON(w, http.StatusAccepted, job)
}

// handleGetJob serves GET /crawl/job/{id} and /llm/job/{id}.
func (g *Gateway) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := g.jobs.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleHealth serves GET /health: a cheap liveness probe independent of
// the monitor's richer read-model.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int(g.Uptime().Seconds()),
		"memory_percent": g.probe.UsagePercent(),
	})
}

func endpointLabel(forcedMode string) string {
	if forcedMode == "" {
		return "crawl"
	}
	return forcedMode
}
