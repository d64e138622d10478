package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/crawlnet/gateway/internal/security"
	"github.com/crawlnet/gateway/internal/types"
)

// maxRequestBodyBytes bounds decoded request bodies to prevent memory
// exhaustion from a hostile or buggy client.
const maxRequestBodyBytes = 1 << 20 // 1MB

// browserConfigBody is the wire shape of a crawl request's optional
// browser_config, overlaid onto types.DefaultBrowserSpec().
type browserConfigBody struct {
	Headless  *bool             `json:"headless,omitempty"`
	Viewport  *types.Viewport   `json:"viewport,omitempty"`
	UserAgent string            `json:"user_agent,omitempty"`
	Proxy     string            `json:"proxy,omitempty"`
	Locale    string            `json:"locale,omitempty"`
	ExtraArgs []string          `json:"extra_args,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
}

func (b *browserConfigBody) toSpec() types.BrowserSpec {
	spec := types.DefaultBrowserSpec()
	if b == nil {
		return spec
	}
	if b.Headless != nil {
		spec.Headless = *b.Headless
	}
	if b.Viewport != nil {
		spec.Viewport = *b.Viewport
	}
	spec.UserAgent = b.UserAgent
	spec.Proxy = b.Proxy
	spec.Locale = b.Locale
	spec.ExtraArgs = b.ExtraArgs
	spec.Headers = b.Headers
	return spec
}

// crawlerConfigBody is the wire shape of a crawl request's optional
// crawler_config, describing the CrawlSpec fields the gateway does not
// infer from the route itself.
type crawlerConfigBody struct {
	Mode           string            `json:"mode,omitempty"`
	Script         string            `json:"script,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
}

// crawlRequestBody is the body of POST /crawl and its mode-specific
// variants, and the seed of POST /crawl/job and POST /llm/job.
type crawlRequestBody struct {
	URLs          []string           `json:"urls"`
	BrowserConfig *browserConfigBody `json:"browser_config,omitempty"`
	CrawlerConfig *crawlerConfigBody `json:"crawler_config,omitempty"`
	WebhookConfig *types.WebhookConfig `json:"webhook_config,omitempty"`
	Dispatcher    string             `json:"dispatcher,omitempty"`
}

// decodeCrawlBody reads, size-bounds, and JSON-decodes a crawl request
// body without validating its contents.
func decodeCrawlBody(w http.ResponseWriter, r *http.Request) (*crawlRequestBody, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	var body crawlRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return nil, types.NewValidationError("body", "invalid JSON: "+err.Error())
	}
	return &body, nil
}

// validateCrawlBody enforces the request's external-interface invariants:
// at least one URL, each URL SSRF-safe, headers and proxy (if any) safe.
func validateCrawlBody(ctx context.Context, body *crawlRequestBody, allowLocalProxies bool) error {
	if len(body.URLs) == 0 {
		return types.NewValidationError("urls", types.ErrURLRequired.Error())
	}
	for _, u := range body.URLs {
		if err := security.ValidateURLWithContext(ctx, u); err != nil {
			return types.NewValidationError("urls", err.Error())
		}
	}
	if body.BrowserConfig != nil {
		if len(body.BrowserConfig.Headers) > 0 {
			if err := security.ValidateHeaders(body.BrowserConfig.Headers); err != nil {
				return types.NewValidationError("browser_config.headers", err.Error())
			}
		}
		if body.BrowserConfig.Proxy != "" {
			if err := security.ValidateProxyURL(body.BrowserConfig.Proxy, allowLocalProxies); err != nil {
				return types.NewValidationError("browser_config.proxy", err.Error())
			}
		}
	}
	if body.CrawlerConfig != nil && len(body.CrawlerConfig.Headers) > 0 {
		if err := security.ValidateHeaders(body.CrawlerConfig.Headers); err != nil {
			return types.NewValidationError("crawler_config.headers", err.Error())
		}
	}
	if body.WebhookConfig != nil && body.WebhookConfig.WebhookURL != "" {
		if err := security.ValidateURLWithContext(ctx, body.WebhookConfig.WebhookURL); err != nil {
			return types.NewValidationError("webhook_config.webhook_url", err.Error())
		}
	}
	return nil
}

// crawlSpecFor builds the per-URL CrawlSpec for one url in body, with mode
// forced to forcedMode when non-empty (the mode-specific route variants).
func crawlSpecFor(body *crawlRequestBody, url, forcedMode string) types.CrawlSpec {
	spec := types.CrawlSpec{URL: url}
	if body.CrawlerConfig != nil {
		spec.Mode = body.CrawlerConfig.Mode
		spec.Script = body.CrawlerConfig.Script
		spec.Headers = body.CrawlerConfig.Headers
		spec.TimeoutSeconds = body.CrawlerConfig.TimeoutSeconds
	}
	if forcedMode != "" {
		spec.Mode = forcedMode
	}
	return spec
}
