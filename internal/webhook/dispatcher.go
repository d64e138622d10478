// Package webhook implements the WebhookDispatcher (C11): best-effort,
// retrying delivery of job-completion notifications. Each job's delivery
// runs in its own goroutine (so jobs deliver concurrently) and retries
// serially within that goroutine until success, a terminal failure, or
// attempts are exhausted.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/crawlnet/gateway/internal/config"
	"github.com/crawlnet/gateway/internal/types"
)

// Dispatcher sends WebhookPayload deliveries with bounded retry.
type Dispatcher struct {
	cfg    *config.Config
	client *http.Client

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// New creates a Dispatcher with an HTTP client tuned like the rest of the
// control plane's outbound clients: bounded idle connections, no implicit
// unbounded timeout.
func New(cfg *config.Config) *Dispatcher {
	return &Dispatcher{
		cfg: cfg,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		stopCh: make(chan struct{}),
	}
}

// Enqueue starts (or continues) delivering payload to targetURL in its
// own goroutine. The caller does not block on delivery outcome; failures
// after exhausting retries are logged only, per the error taxonomy's
// WebhookDeliveryFailure classification (never surfaced to the job).
func (d *Dispatcher) Enqueue(jobID, targetURL string, headers map[string]string, payload types.WebhookPayload) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.deliver(jobID, targetURL, headers, payload)
	}()
}

func (d *Dispatcher) deliver(jobID, targetURL string, headers map[string]string, payload types.WebhookPayload) {
	body, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("webhook: failed to marshal payload, giving up")
		return
	}

	delay := time.Second
	for attempt := 1; attempt <= d.cfg.WebhookMaxAttempts; attempt++ {
		outcome := d.attempt(targetURL, headers, body)

		switch outcome {
		case outcomeSuccess:
			log.Info().Str("job_id", jobID).Int("attempt", attempt).Msg("webhook: delivered")
			return
		case outcomeTerminal:
			log.Warn().Str("job_id", jobID).Int("attempt", attempt).Msg("webhook: terminal failure, not retrying")
			return
		case outcomeRetry:
			if attempt == d.cfg.WebhookMaxAttempts {
				log.Error().Str("job_id", jobID).Int("attempts", attempt).Msg("webhook: exhausted retries, giving up")
				return
			}
			jittered := jitter(delay)
			log.Warn().Str("job_id", jobID).Int("attempt", attempt).Dur("next_delay", jittered).Msg("webhook: retrying after failure")
			select {
			case <-time.After(jittered):
			case <-d.stopCh:
				return
			}
			delay *= 2
			if delay > d.cfg.WebhookMaxDelay {
				delay = d.cfg.WebhookMaxDelay
			}
		}
	}
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeTerminal
	outcomeRetry
)

func (d *Dispatcher) attempt(targetURL string, headers map[string]string, body []byte) outcome {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.WebhookAttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(body))
	if err != nil {
		return outcomeTerminal
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		// network error or timeout: retryable
		return outcomeRetry
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return outcomeSuccess
	case resp.StatusCode == http.StatusTooManyRequests:
		return outcomeRetry
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return outcomeTerminal
	default: // 5xx
		return outcomeRetry
	}
}

func jitter(d time.Duration) time.Duration {
	frac := 0.8 + rand.Float64()*0.4 // +/-20%
	return time.Duration(float64(d) * frac)
}

// Close signals in-flight retry waits to abandon and waits for all
// delivery goroutines to return.
func (d *Dispatcher) Close() {
	close(d.stopCh)
	d.wg.Wait()
}
