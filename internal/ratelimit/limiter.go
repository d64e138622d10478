package ratelimit

import (
	"context"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/crawlnet/gateway/internal/config"
)

// maxDomains/evictionBatchSize bound memory the same way the teacher's
// domain-stats manager does: an LRU-ish batch eviction once the map grows
// past a ceiling, rather than per-insert bookkeeping.
const (
	maxDomains        = 10000
	evictionBatchSize = 100
)

// domainState is one domain's pacing state: the earliest time a request
// may next be dispatched, and the current backoff level (0 until a
// rate-limit response has been observed).
type domainState struct {
	mu          sync.Mutex
	nextAttempt time.Time
	backoff     time.Duration
	attempt     int
	lastAccess  time.Time
}

// Limiter is the per-domain pacing and backoff collaborator (C6). A
// caller calls Wait before dispatching a request to a domain, then
// reports the response via Observe so future requests to that domain
// pace correctly.
type Limiter struct {
	mu        sync.RWMutex
	domains   map[string]*domainState
	cfg       *config.Config
	overrides *OverrideManager

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Limiter with no per-domain override file.
func New(cfg *config.Config) *Limiter {
	return NewWithOverrides(cfg, NewOverrideManager("", false))
}

// NewWithOverrides creates a Limiter whose base pacing bounds may be
// replaced per-domain by overrides (see overrides.go). Starts the
// background stale-entry sweep.
func NewWithOverrides(cfg *config.Config, overrides *OverrideManager) *Limiter {
	l := &Limiter{
		domains:   make(map[string]*domainState),
		cfg:       cfg,
		overrides: overrides,
		stopCh:    make(chan struct{}),
	}
	l.wg.Add(1)
	go l.cleanupRoutine()
	return l
}

func (l *Limiter) cleanupRoutine() {
	defer l.wg.Done()
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.cleanupStale(30 * time.Minute)
		case <-l.stopCh:
			return
		}
	}
}

func (l *Limiter) cleanupStale(maxAge time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	for domain, s := range l.domains {
		s.mu.Lock()
		last := s.lastAccess
		s.mu.Unlock()
		if now.Sub(last) > maxAge {
			delete(l.domains, domain)
		}
	}
}

// Close stops the background sweep.
func (l *Limiter) Close() {
	close(l.stopCh)
	l.wg.Wait()
}

// ExtractDomain returns the hostname portion of a URL, or "" if it
// cannot be parsed.
func ExtractDomain(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return parsed.Hostname()
}

func (l *Limiter) getOrCreate(domain string) *domainState {
	l.mu.Lock()
	s, ok := l.domains[domain]
	if ok {
		l.mu.Unlock()
		s.mu.Lock()
		s.lastAccess = time.Now()
		s.mu.Unlock()
		return s
	}
	if len(l.domains) >= maxDomains {
		l.evictOldestBatchLocked(evictionBatchSize)
	}
	s = &domainState{lastAccess: time.Now()}
	l.domains[domain] = s
	l.mu.Unlock()
	return s
}

// evictOldestBatchLocked removes up to count least-recently-accessed
// domains. Must be called with l.mu held.
func (l *Limiter) evictOldestBatchLocked(count int) {
	if count <= 0 || len(l.domains) == 0 {
		return
	}
	if len(l.domains) <= count {
		l.domains = make(map[string]*domainState)
		return
	}
	type kv struct {
		domain string
		last   time.Time
	}
	candidates := make([]kv, 0, len(l.domains))
	for d, s := range l.domains {
		s.mu.Lock()
		last := s.lastAccess
		s.mu.Unlock()
		candidates = append(candidates, kv{d, last})
	}
	for i := 0; i < count && len(candidates) > 0; i++ {
		oldestIdx := 0
		for j := 1; j < len(candidates); j++ {
			if candidates[j].last.Before(candidates[oldestIdx].last) {
				oldestIdx = j
			}
		}
		delete(l.domains, candidates[oldestIdx].domain)
		candidates[oldestIdx] = candidates[len(candidates)-1]
		candidates = candidates[:len(candidates)-1]
	}
}

// Wait blocks until domain's earliest-next-attempt has passed, applying a
// randomized base delay in [RateLimiterMinDelay, RateLimiterMaxDelay] for
// a domain seen for the first time or with no active backoff.
func (l *Limiter) Wait(ctx context.Context, domain string) error {
	s := l.getOrCreate(domain)

	s.mu.Lock()
	now := time.Now()
	wait := s.nextAttempt.Sub(now)
	if s.backoff == 0 && wait <= 0 {
		lo, hi := l.cfg.RateLimiterMinDelay, l.cfg.RateLimiterMaxDelay
		if l.overrides != nil {
			if b, ok := l.overrides.Lookup(domain); ok {
				lo, hi = b.MinDelay, b.MaxDelay
			}
		}
		if hi < lo {
			hi = lo
		}
		span := hi - lo
		base := lo
		if span > 0 {
			base += time.Duration(rand.Int63n(int64(span) + 1))
		}
		wait = base
		s.nextAttempt = now.Add(base)
	}
	s.mu.Unlock()

	if wait <= 0 {
		return nil
	}
	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Observe reports the outcome of a dispatched request. When the response
// indicates rate limiting (per Detect), it doubles the backoff (capped at
// RateLimiterMaxDelay) with +/-20% jitter and reports whether the caller
// should retry (attempt count has not exceeded RateLimiterMaxRetries).
// Non-rate-limit outcomes — failures as well as ordinary 2xx/3xx/4xx
// responses — leave the domain's backoff state untouched.
func (l *Limiter) Observe(domain string, statusCode int, body string) (retry bool, attempt int) {
	info := Detect(statusCode, body)
	s := l.getOrCreate(domain)

	s.mu.Lock()
	defer s.mu.Unlock()

	if !info.Detected || info.Category != CategoryRateLimit {
		return false, s.attempt
	}

	if s.backoff == 0 {
		s.backoff = l.cfg.RateLimiterMinDelay
	}
	next := s.backoff * 2
	if next > l.cfg.RateLimiterMaxDelay {
		next = l.cfg.RateLimiterMaxDelay
	}
	s.backoff = next

	jitterFrac := 0.8 + rand.Float64()*0.4 // +/-20%
	delay := time.Duration(float64(s.backoff) * jitterFrac)
	s.nextAttempt = time.Now().Add(delay)
	s.attempt++

	log.Debug().Str("domain", domain).Str("code", info.ErrorCode).Dur("delay", delay).Int("attempt", s.attempt).Msg("ratelimit: backing off")

	return s.attempt <= l.cfg.RateLimiterMaxRetries, s.attempt
}
