package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/crawlnet/gateway/internal/monitor"
	"github.com/crawlnet/gateway/internal/types"
)

var validStatusFilters = map[string]bool{
	"all": true, "active": true, "completed": true, "success": true, "error": true,
}

var validMetrics = map[string]bool{
	"memory": true, "requests": true, "browsers": true,
}

var validWindows = map[string]bool{
	"5m": true, "15m": true, "1h": true,
}

// handleMonitorHealth reports the gateway's own liveness and uptime.
func (g *Gateway) handleMonitorHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int(g.Uptime().Seconds()),
	})
}

// handleMonitorRequests serves GET /monitor/requests, filtered by the
// optional status and limit query parameters.
func (g *Gateway) handleMonitorRequests(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status == "" {
		status = "all"
	}
	if !validStatusFilters[status] {
		writeError(w, types.NewValidationError("status", types.ErrInvalidStatus.Error()))
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, types.NewValidationError("limit", types.ErrInvalidLimit.Error()))
			return
		}
		limit = n
	}

	snap := g.monitor.Snapshot()
	records := filterRequests(snap, status)
	if len(records) > limit {
		records = records[len(records)-limit:]
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": records})
}

func filterRequests(snap monitor.Snapshot, status string) []types.RequestRecord {
	switch status {
	case "active":
		return snap.Active
	case "completed":
		return snap.Completed
	case "success":
		return filterBySuccess(snap.Completed, true)
	case "error":
		return filterBySuccess(snap.Completed, false)
	default:
		all := make([]types.RequestRecord, 0, len(snap.Active)+len(snap.Completed))
		all = append(all, snap.Active...)
		all = append(all, snap.Completed...)
		return all
	}
}

func filterBySuccess(records []types.RequestRecord, success bool) []types.RequestRecord {
	out := make([]types.RequestRecord, 0, len(records))
	for _, r := range records {
		if r.Success != nil && *r.Success == success {
			out = append(out, r)
		}
	}
	return out
}

// handleMonitorBrowsers serves GET /monitor/browsers: the pool snapshot
// embedded in the monitor's read-model.
func (g *Gateway) handleMonitorBrowsers(w http.ResponseWriter, r *http.Request) {
	snap := g.monitor.Snapshot()
	writeJSON(w, http.StatusOK, snap.Pool)
}

// handleMonitorJanitorLogs serves GET /monitor/logs/janitor.
func (g *Gateway) handleMonitorJanitorLogs(w http.ResponseWriter, r *http.Request) {
	snap := g.monitor.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{"events": snap.JanitorEvents})
}

// handleMonitorErrorLogs serves GET /monitor/logs/errors.
func (g *Gateway) handleMonitorErrorLogs(w http.ResponseWriter, r *http.Request) {
	snap := g.monitor.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{"events": snap.Errors})
}

// handleMonitorTimeline serves GET /monitor/timeline?metric=...&window=...
func (g *Gateway) handleMonitorTimeline(w http.ResponseWriter, r *http.Request) {
	metric := r.URL.Query().Get("metric")
	if !validMetrics[metric] {
		writeError(w, types.NewValidationError("metric", types.ErrInvalidMetric.Error()))
		return
	}
	window := r.URL.Query().Get("window")
	if window == "" {
		window = "15m"
	}
	if !validWindows[window] {
		writeError(w, types.NewValidationError("window", types.ErrInvalidWindow.Error()))
		return
	}

	snap := g.monitor.Snapshot()
	key := metricKey(metric)
	samples := snap.Timelines[key]
	samples = clampWindow(samples, window)
	writeJSON(w, http.StatusOK, map[string]any{"metric": metric, "window": window, "samples": samples})
}

func metricKey(metric string) types.TimelineMetric {
	switch metric {
	case "memory":
		return types.MetricMemoryPercent
	case "requests":
		return types.MetricInflightRequests
	case "browsers":
		return types.MetricActiveBrowserCount
	default:
		return ""
	}
}

func clampWindow(samples []types.TimelineSample, window string) []types.TimelineSample {
	var d time.Duration
	switch window {
	case "5m":
		d = 5 * time.Minute
	case "15m":
		d = 15 * time.Minute
	case "1h":
		d = time.Hour
	}
	cutoff := time.Now().Add(-d)
	out := samples[:0:0]
	for _, s := range samples {
		if s.Timestamp.After(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

// handleWebSocket upgrades GET /monitor/ws and registers the connection
// with the push broker for snapshot fan-out.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if g.broker == nil {
		writeError(w, types.NewValidationError("monitor/ws", "websocket push is not enabled"))
		return
	}
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	g.broker.Register(conn)
}

// handleDispatchers serves GET /dispatchers: the active dispatcher's
// introspection stats, when it implements statsProvider.
func (g *Gateway) handleDispatchers(w http.ResponseWriter, r *http.Request) {
	if sp, ok := g.dispatcher.(statsProvider); ok {
		writeJSON(w, http.StatusOK, sp.Stats())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"mode": "unknown"})
}

// statsProvider is the optional introspection boundary a Dispatcher
// implementation may satisfy for the /dispatchers endpoints.
type statsProvider interface {
	Stats() map[string]any
}
