// Package engine implements the concrete CrawlerEngine boundary: driving a
// single page of an already-acquired browser through one of the crawl
// modes (html, md, screenshot, pdf, execute_js) and producing a
// CrawlResult. Everything upstream of this package treats it as opaque.
package engine

import (
	"context"
	"encoding/base64"
	"fmt"
	"html"
	"io"
	"regexp"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog/log"
	"github.com/ysmood/gson"

	"github.com/crawlnet/gateway/internal/types"
)

// CrawlerEngine is the core's boundary to the headless-browser automation
// library. BrowserPool and the gateway never reach past this interface.
type CrawlerEngine interface {
	Run(ctx context.Context, browser *rod.Browser, spec types.CrawlSpec) (types.CrawlResult, error)
}

// RodEngine drives go-rod/stealth pages. One RodEngine instance is shared
// process-wide; it holds no per-request state.
type RodEngine struct {
	defaultUserAgent string
}

// New creates a RodEngine. defaultUserAgent, if non-empty, is applied to
// every page that doesn't request its own via CrawlSpec headers.
func New(defaultUserAgent string) *RodEngine {
	return &RodEngine{defaultUserAgent: defaultUserAgent}
}

// Run navigates to spec.URL on a fresh stealth page of browser and
// produces the result shape spec.Mode calls for. The page is always
// closed before Run returns; the browser itself is never closed here —
// that remains the pool's responsibility.
func (e *RodEngine) Run(ctx context.Context, browser *rod.Browser, spec types.CrawlSpec) (types.CrawlResult, error) {
	page, err := stealth.Page(browser)
	if err != nil {
		return types.CrawlResult{}, fmt.Errorf("create stealth page: %w", err)
	}
	defer page.Close()

	page = page.Context(ctx)

	if ua := e.resolveUserAgent(spec); ua != "" {
		if err := proto.NetworkSetUserAgentOverride{UserAgent: ua}.Call(page); err != nil {
			log.Warn().Err(err).Msg("engine: failed to set user agent override")
		}
	}

	if err := setExtraHeaders(page, spec.Headers); err != nil {
		log.Warn().Err(err).Msg("engine: failed to set custom headers")
	}

	proxyCleanup, err := setupPageProxyAuth(ctx, page, spec)
	if err != nil {
		return types.CrawlResult{}, fmt.Errorf("proxy auth setup: %w", err)
	}
	defer proxyCleanup()

	if err := page.Navigate(spec.URL); err != nil {
		return types.CrawlResult{}, fmt.Errorf("navigate to %s: %w", spec.URL, err)
	}
	if err := page.WaitLoad(); err != nil {
		log.Warn().Err(err).Str("url", spec.URL).Msg("engine: WaitLoad failed, continuing with current DOM")
	}

	result := types.CrawlResult{URL: spec.URL, StatusCode: 200}

	switch spec.Mode {
	case "", "html":
		htmlStr, err := page.HTML()
		if err != nil {
			return types.CrawlResult{}, fmt.Errorf("read HTML: %w", err)
		}
		result.HTML = htmlStr

	case "md":
		htmlStr, err := page.HTML()
		if err != nil {
			return types.CrawlResult{}, fmt.Errorf("read HTML: %w", err)
		}
		result.Markdown = stripTagsToText(htmlStr)

	case "screenshot":
		img, err := page.Screenshot(true, nil)
		if err != nil {
			return types.CrawlResult{}, fmt.Errorf("screenshot: %w", err)
		}
		result.Screenshot = base64.StdEncoding.EncodeToString(img)

	case "pdf":
		reader, err := page.PDF(nil)
		if err != nil {
			return types.CrawlResult{}, fmt.Errorf("pdf: %w", err)
		}
		data, err := io.ReadAll(reader)
		if err != nil {
			return types.CrawlResult{}, fmt.Errorf("read pdf stream: %w", err)
		}
		result.PDF = base64.StdEncoding.EncodeToString(data)

	case "execute_js":
		obj, err := page.Eval(spec.Script)
		if err != nil {
			return types.CrawlResult{}, fmt.Errorf("execute_js: %w", err)
		}
		result.JSResult = obj.Value.Val()

	default:
		return types.CrawlResult{}, fmt.Errorf("unsupported crawl mode %q", spec.Mode)
	}

	return result, nil
}

func (e *RodEngine) resolveUserAgent(spec types.CrawlSpec) string {
	if ua, ok := spec.Headers["User-Agent"]; ok && ua != "" {
		return ua
	}
	return e.defaultUserAgent
}

// setExtraHeaders injects caller-supplied headers via CDP, the same
// Network.setExtraHTTPHeaders + gson.JSON conversion the teacher's
// solver used for challenge-response headers.
func setExtraHeaders(page *rod.Page, headers map[string]string) error {
	if len(headers) == 0 {
		return nil
	}
	networkHeaders := make(proto.NetworkHeaders, len(headers))
	for name, value := range headers {
		if name == "User-Agent" {
			continue // handled via NetworkSetUserAgentOverride
		}
		networkHeaders[name] = gson.New(value)
	}
	if len(networkHeaders) == 0 {
		return nil
	}
	return proto.NetworkSetExtraHTTPHeaders{Headers: networkHeaders}.Call(page)
}

var tagPattern = regexp.MustCompile(`(?s)<script.*?</script>|<style.*?</style>|<[^>]+>`)
var wsPattern = regexp.MustCompile(`[ \t]+`)
var blankLinePattern = regexp.MustCompile(`\n{3,}`)

// stripTagsToText is a deliberately minimal HTML-to-text reduction: strip
// tags/scripts/styles, unescape entities, collapse whitespace. Real
// content-extraction/markdown strategies are explicitly out of scope;
// this exists only so "md" mode returns something usable rather than
// nothing.
func stripTagsToText(htmlStr string) string {
	stripped := tagPattern.ReplaceAllString(htmlStr, "\n")
	unescaped := html.UnescapeString(stripped)
	collapsed := wsPattern.ReplaceAllString(unescaped, " ")
	return strings.TrimSpace(blankLinePattern.ReplaceAllString(collapsed, "\n\n"))
}

