package gateway

import (
	"net/http"

	"github.com/crawlnet/gateway/internal/metrics"
)

// Router builds the gateway's net/http.ServeMux using Go 1.22+
// method+path routing patterns. No router dependency is pulled in: the
// module's dependency set carries no REST router, and the route table is
// small and flat enough that ServeMux's pattern matching is sufficient.
func (g *Gateway) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", g.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("POST /crawl", g.handleCrawl(""))
	mux.HandleFunc("POST /html", g.handleCrawl("html"))
	mux.HandleFunc("POST /md", g.handleCrawl("md"))
	mux.HandleFunc("POST /screenshot", g.handleCrawl("screenshot"))
	mux.HandleFunc("POST /pdf", g.handleCrawl("pdf"))
	mux.HandleFunc("POST /execute_js", g.handleCrawl("execute_js"))
	mux.HandleFunc("POST /crawl/stream", g.handleCrawlStream)

	mux.HandleFunc("POST /crawl/job", g.handleCrawlJob)
	mux.HandleFunc("GET /crawl/job/{id}", g.handleGetJob)
	mux.HandleFunc("POST /llm/job", g.handleLLMJob)
	mux.HandleFunc("GET /llm/job/{id}", g.handleGetJob)

	mux.HandleFunc("GET /monitor/health", g.handleMonitorHealth)
	mux.HandleFunc("GET /monitor/requests", g.handleMonitorRequests)
	mux.HandleFunc("GET /monitor/browsers", g.handleMonitorBrowsers)
	mux.HandleFunc("GET /monitor/logs/janitor", g.handleMonitorJanitorLogs)
	mux.HandleFunc("GET /monitor/logs/errors", g.handleMonitorErrorLogs)
	mux.HandleFunc("GET /monitor/timeline", g.handleMonitorTimeline)
	mux.HandleFunc("GET /monitor/ws", g.handleWebSocket)

	mux.HandleFunc("GET /dispatchers", g.handleDispatchers)
	mux.HandleFunc("GET /dispatchers/default", g.handleDispatchers)
	mux.HandleFunc("GET /dispatchers/{type}/stats", g.handleDispatchers)

	return mux
}
