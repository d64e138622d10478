// Package pool manages the tiered collection of reusable headless-browser
// instances that back every crawl request. A single PERMANENT instance
// (the default BrowserSpec) is pre-warmed at startup and never evicted.
// Distinct specs land in COLD, promoted to HOT once they prove reusable.
//
// Lock ordering: mu guards the tier maps themselves; an entry's own mutex
// guards its browser handle. Always acquire mu before an entry lock, and
// never hold mu across slow I/O (browser launch, health check, close).
package pool

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/crawlnet/gateway/internal/config"
	"github.com/crawlnet/gateway/internal/memprobe"
	"github.com/crawlnet/gateway/internal/types"
)

// entry wraps a types.BrowserInstance with the live browser handle and the
// mutex guarding that handle across recycle/close.
type entry struct {
	mu      sync.Mutex
	browser *rod.Browser
	inst    types.BrowserInstance
}

// Pool is the tiered BrowserPool. PERMANENT is a single entry created at
// startup; HOT and COLD are fingerprint-keyed maps populated on demand.
type Pool struct {
	mu sync.Mutex

	permanent *entry
	hot       map[string]*entry
	cold      map[string]*entry

	cfg   *config.Config
	probe *memprobe.Probe

	closed atomic.Bool
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates the pool and pre-warms the PERMANENT instance. If the
// PERMANENT browser cannot be launched, the pool cannot start.
func New(cfg *config.Config, probe *memprobe.Probe) (*Pool, error) {
	p := &Pool{
		hot:    make(map[string]*entry),
		cold:   make(map[string]*entry),
		cfg:    cfg,
		probe:  probe,
		stopCh: make(chan struct{}),
	}

	spec := types.DefaultBrowserSpec()
	browser, err := p.spawnBrowser(context.Background(), spec)
	if err != nil {
		return nil, fmt.Errorf("pool: failed to launch PERMANENT instance: %w", err)
	}

	now := time.Now()
	p.permanent = &entry{
		browser: browser,
		inst: types.BrowserInstance{
			Fingerprint: DefaultFingerprint(),
			CreatedAt:   now,
			LastUsedAt:  now,
			Tier:        types.TierPermanent,
		},
	}

	log.Info().Str("fingerprint", p.permanent.inst.Fingerprint).Msg("pool: PERMANENT instance ready")
	return p, nil
}

// Acquire resolves a BrowserSpec to a live instance, applying the tier
// algorithm: PERMANENT shortcut for the default spec, then HOT, then COLD
// (promoting to HOT once UseCount reaches the configured threshold), else
// admission-checked creation of a new COLD instance.
func (p *Pool) Acquire(ctx context.Context, spec types.BrowserSpec) (*types.BrowserInstance, types.TierHit, error) {
	if p.closed.Load() {
		return nil, "", types.ErrPoolClosed
	}

	fp := Fingerprint(spec)

	if fp == p.permanent.inst.Fingerprint {
		return p.checkout(p.permanent, types.TierHitPermanent), types.TierHitPermanent, nil
	}

	p.mu.Lock()
	if e, ok := p.hot[fp]; ok {
		p.mu.Unlock()
		return p.checkout(e, types.TierHitHot), types.TierHitHot, nil
	}

	if e, ok := p.cold[fp]; ok {
		delete(p.cold, fp)
		p.mu.Unlock()

		e.mu.Lock()
		e.inst.UseCount++
		useCount := e.inst.UseCount
		e.mu.Unlock()

		hit := types.TierHitCold
		if useCount >= p.cfg.PromotionThreshold {
			e.mu.Lock()
			e.inst.Tier = types.TierHot
			e.mu.Unlock()
			hit = types.TierHitColdPromoted
			log.Info().Str("fingerprint", fp).Int64("use_count", useCount).Msg("pool: promoting instance COLD -> HOT")
		}

		p.mu.Lock()
		if hit == types.TierHitColdPromoted {
			p.hot[fp] = e
		} else {
			p.cold[fp] = e
		}
		p.mu.Unlock()

		return p.checkout(e, hit), hit, nil
	}
	p.mu.Unlock()

	usage := p.probe.UsagePercent()
	if usage >= p.cfg.MemoryHardLimit {
		log.Warn().Float64("usage_percent", usage).Float64("limit", p.cfg.MemoryHardLimit).Msg("pool: refusing new COLD instance under memory pressure")
		return nil, "", types.ErrMemoryPressure
	}

	browser, err := p.spawnBrowser(ctx, spec)
	if err != nil {
		return nil, "", &types.EngineLaunchError{Fingerprint: fp, Err: err}
	}

	now := time.Now()
	e := &entry{
		browser: browser,
		inst: types.BrowserInstance{
			Fingerprint: fp,
			CreatedAt:   now,
			LastUsedAt:  now,
			UseCount:    1,
			Tier:        types.TierCold,
		},
	}

	p.mu.Lock()
	if p.closed.Load() {
		p.mu.Unlock()
		p.closeBrowserWithTimeout(browser, 10*time.Second)
		return nil, "", types.ErrPoolClosed
	}
	p.cold[fp] = e
	p.mu.Unlock()

	return p.checkout(e, types.TierHitNew), types.TierHitNew, nil
}

// checkout stamps bookkeeping fields and returns a copy of the instance
// record for the caller. The live browser stays addressable only via
// Release/the janitor, keyed by fingerprint.
func (p *Pool) checkout(e *entry, hit types.TierHit) *types.BrowserInstance {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inst.LastUsedAt = time.Now()
	e.inst.ActiveRequests++
	if hit != types.TierHitNew && hit != types.TierHitCold && hit != types.TierHitColdPromoted {
		e.inst.UseCount++
	}
	cp := e.inst
	return &cp
}

// Release marks one request against an instance as finished.
func (p *Pool) Release(fingerprint string) {
	e := p.find(fingerprint)
	if e == nil {
		return
	}
	e.mu.Lock()
	if e.inst.ActiveRequests > 0 {
		e.inst.ActiveRequests--
	}
	e.inst.LastUsedAt = time.Now()
	e.mu.Unlock()
}

// Browser returns the live *rod.Browser for a fingerprint, or nil if it
// has since been evicted. Callers must not retain the handle past the
// matching Release call.
func (p *Pool) Browser(fingerprint string) *rod.Browser {
	e := p.find(fingerprint)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.browser
}

func (p *Pool) find(fingerprint string) *entry {
	if p.permanent != nil && fingerprint == p.permanent.inst.Fingerprint {
		return p.permanent
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.hot[fingerprint]; ok {
		return e
	}
	if e, ok := p.cold[fingerprint]; ok {
		return e
	}
	return nil
}

// Snapshot produces a read-model of every tracked instance.
func (p *Pool) Snapshot() types.PoolSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]types.InstanceSnapshot, 0, len(p.hot)+len(p.cold)+1)
	collect := func(e *entry) {
		e.mu.Lock()
		out = append(out, types.InstanceSnapshot{
			Fingerprint:    e.inst.Fingerprint,
			Tier:           e.inst.Tier,
			LastUsedAt:     e.inst.LastUsedAt,
			UseCount:       e.inst.UseCount,
			ActiveRequests: e.inst.ActiveRequests,
		})
		e.mu.Unlock()
	}
	if p.permanent != nil {
		collect(p.permanent)
	}
	for _, e := range p.hot {
		collect(e)
	}
	for _, e := range p.cold {
		collect(e)
	}
	return types.PoolSnapshot{Instances: out}
}

// evictIfIdle closes and removes the instance for fingerprint if its
// ActiveRequests is zero. Returns true if it was evicted. Used by the
// janitor; never evicts PERMANENT.
func (p *Pool) evictIfIdle(tier types.Tier, fingerprint string) bool {
	if p.permanent != nil && fingerprint == p.permanent.inst.Fingerprint {
		return false
	}

	p.mu.Lock()
	m := p.cold
	if tier == types.TierHot {
		m = p.hot
	}
	e, ok := m[fingerprint]
	if !ok {
		p.mu.Unlock()
		return false
	}

	e.mu.Lock()
	if e.inst.ActiveRequests > 0 {
		e.mu.Unlock()
		p.mu.Unlock()
		return false
	}
	browser := e.browser
	e.mu.Unlock()
	delete(m, fingerprint)
	p.mu.Unlock()

	p.closeBrowserWithTimeout(browser, 10*time.Second)
	return true
}

// snapshotTierKeys returns the fingerprints currently in a tier, for the
// janitor to iterate without holding mu during the TTL/health checks.
func (p *Pool) snapshotTierKeys(tier types.Tier) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.cold
	if tier == types.TierHot {
		m = p.hot
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

func (p *Pool) lastUsedAt(tier types.Tier, fingerprint string) (time.Time, bool) {
	p.mu.Lock()
	m := p.cold
	if tier == types.TierHot {
		m = p.hot
	}
	e, ok := m[fingerprint]
	p.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inst.LastUsedAt, e.inst.ActiveRequests == 0
}

// Shutdown closes every instance, waiting up to drainDeadline for active
// requests to clear before force-closing the remainder.
func (p *Pool) Shutdown(ctx context.Context, drainDeadline time.Duration) error {
	if p.closed.Swap(true) {
		return nil
	}
	close(p.stopCh)

	p.mu.Lock()
	all := make([]*entry, 0, len(p.hot)+len(p.cold)+1)
	if p.permanent != nil {
		all = append(all, p.permanent)
	}
	for _, e := range p.hot {
		all = append(all, e)
	}
	for _, e := range p.cold {
		all = append(all, e)
	}
	p.hot = make(map[string]*entry)
	p.cold = make(map[string]*entry)
	p.mu.Unlock()

	deadline := time.Now().Add(drainDeadline)
	for _, e := range all {
		for {
			e.mu.Lock()
			active := e.inst.ActiveRequests
			e.mu.Unlock()
			if active == 0 || time.Now().After(deadline) {
				if active != 0 {
					log.Warn().Str("fingerprint", e.inst.Fingerprint).Int64("active_requests", active).Msg("pool: shutting down instance with requests still in flight")
				}
				break
			}
			select {
			case <-ctx.Done():
			case <-time.After(100 * time.Millisecond):
			}
		}
	}

	g, _ := errgroup.WithContext(context.Background())
	g.SetLimit(4)
	for _, e := range all {
		e := e
		g.Go(func() error {
			p.closeBrowserWithTimeout(e.browser, 10*time.Second)
			return nil
		})
	}
	_ = g.Wait()
	p.wg.Wait()
	return nil
}

// createLauncher builds a Rod launcher tuned for anti-detection. The
// anti-detection flags are the same for every spec; headless mode, the
// proxy server, the window size (from the viewport) and the spec's
// ExtraArgs are set from the spec.
func (p *Pool) createLauncher(spec types.BrowserSpec) *launcher.Launcher {
	l := launcher.New()

	if p.cfg.BrowserPath != "" {
		l = l.Bin(p.cfg.BrowserPath)
	}

	if spec.Headless {
		l = l.Set("headless", "new")
	} else {
		l = l.Headless(false)
	}

	l = l.Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-dev-shm-usage")

	proxyURL := spec.Proxy
	if proxyURL == "" {
		proxyURL = p.cfg.ProxyURL
	}
	if proxyURL != "" {
		l = l.Set("proxy-server", proxyURL)
	}

	l = l.Set("force-webrtc-ip-handling-policy", "disable_non_proxied_udp").
		Set("disable-blink-features", "AutomationControlled").
		Delete("enable-automation").
		Set("disable-features", "Translate,TranslateUI,BlinkGenPropertyTrees,WebRtcHideLocalIpsWithMdns").
		Set("enable-features", "NetworkService,NetworkServiceInProcess").
		Set("use-gl", "swiftshader").
		Set("use-angle", "swiftshader").
		Set("enable-unsafe-swiftshader").
		Set("enable-webgl").
		Set("enable-webgl2")

	if p.cfg.IgnoreCertErrors {
		l = l.Set("ignore-certificate-errors").Set("ignore-ssl-errors")
	}

	l = l.Set("accept-lang", "en-US,en;q=0.9").
		Set("no-first-run").
		Set("no-default-browser-check").
		Set("disable-infobars").
		Set("disable-search-engine-choice-screen")

	width, height := spec.Viewport.Width, spec.Viewport.Height
	if width == 0 || height == 0 {
		width, height = 1920, 1080
	}
	l = l.Set("window-size", fmt.Sprintf("%d,%d", width, height))

	l = l.Set("disable-background-networking").
		Set("disable-default-apps").
		Set("disable-extensions").
		Set("disable-sync").
		Set("mute-audio").
		Set("no-zygote").
		Set("safebrowsing-disable-auto-update").
		Set("js-flags", "--max-old-space-size=256").
		Set("disable-ipc-flooding-protection").
		Set("disable-renderer-backgrounding").
		Set("disable-gpu-sandbox")

	for _, arg := range spec.ExtraArgs {
		l = l.Set(launcher.Flag(arg))
	}

	if isARM() {
		l = l.Set("disable-gpu-compositing")
	}

	return l
}

func (p *Pool) spawnBrowser(ctx context.Context, spec types.BrowserSpec) (*rod.Browser, error) {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
	}

	l := p.createLauncher(spec)
	url, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	browser := rod.New().ControlURL(url)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	if p.cfg.IgnoreCertErrors {
		if err := browser.IgnoreCertErrors(true); err != nil {
			log.Warn().Err(err).Msg("pool: failed to set IgnoreCertErrors")
		}
	}

	return browser, nil
}

// isHealthy verifies a browser is still responsive by round-tripping a
// blank-page navigation.
func (p *Pool) isHealthy(browser *rod.Browser) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	page, err := browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return false
	}
	defer page.Close()

	return page.Context(ctx).Navigate("about:blank") == nil
}

func (p *Pool) closeBrowserWithTimeout(browser *rod.Browser, timeout time.Duration) bool {
	done := make(chan struct{})
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(done)
		if err := browser.Close(); err != nil {
			log.Warn().Err(err).Msg("pool: error closing browser")
		}
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		log.Warn().Dur("timeout", timeout).Msg("pool: browser close timed out, abandoning wait")
		return false
	}
}

func isARM() bool {
	return runtime.GOARCH == "arm64" || runtime.GOARCH == "arm"
}
