package engine

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"

	"github.com/crawlnet/gateway/internal/types"
)

// setupPageProxyAuth configures CDP-level proxy authentication for a page
// when spec's proxy carries credentials in its URL userinfo. The proxy
// server itself is already set at browser launch time by internal/pool;
// this only answers CDP auth challenges for it.
//
// Adapted from the teacher's browser.SetPageProxy: same
// FetchEnable/EachEvent(FetchAuthRequired)/EachEvent(FetchRequestPaused)
// goroutine trio, generalized from an explicit ProxyConfig struct to a
// proxy URL carried on the crawl spec.
func setupPageProxyAuth(ctx context.Context, page *rod.Page, spec types.CrawlSpec) (cleanup func(), err error) {
	noop := func() {}

	if spec.ProxyURL == "" {
		return noop, nil
	}
	parsed, err := url.Parse(spec.ProxyURL)
	if err != nil || parsed.User == nil {
		return noop, nil
	}
	username := parsed.User.Username()
	password, _ := parsed.User.Password()
	if username == "" {
		return noop, nil
	}

	log.Debug().Msg("engine: setting up proxy authentication")

	fetchErr := proto.FetchEnable{HandleAuthRequests: true}.Call(page)
	if fetchErr != nil {
		log.Warn().Err(fetchErr).Msg("engine: failed to enable fetch for proxy auth")
		return noop, fetchErr
	}

	listenerCtx, cancel := context.WithCancel(ctx)
	pageWithCtx := page.Context(listenerCtx)

	var wg sync.WaitGroup
	var once sync.Once
	cleanupFunc := func() {
		once.Do(func() {
			cancel()
			done := make(chan struct{})
			go func() {
				wg.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				log.Warn().Msg("engine: timeout waiting for proxy auth listeners to clean up")
			}
		})
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		pageWithCtx.EachEvent(func(e *proto.TargetTargetDestroyed) bool {
			cleanupFunc()
			return true
		})()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		pageWithCtx.EachEvent(func(e *proto.FetchAuthRequired) bool {
			select {
			case <-listenerCtx.Done():
				return true
			default:
			}
			_ = proto.FetchContinueWithAuth{
				RequestID: e.RequestID,
				AuthChallengeResponse: &proto.FetchAuthChallengeResponse{
					Response: proto.FetchAuthChallengeResponseResponseProvideCredentials,
					Username: username,
					Password: password,
				},
			}.Call(page)
			return false
		})()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		pageWithCtx.EachEvent(func(e *proto.FetchRequestPaused) bool {
			select {
			case <-listenerCtx.Done():
				return true
			default:
			}
			if e.ResponseStatusCode == nil {
				_ = proto.FetchContinueRequest{RequestID: e.RequestID}.Call(page)
			}
			return false
		})()
	}()

	return cleanupFunc, nil
}
