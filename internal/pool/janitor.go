package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/crawlnet/gateway/internal/config"
	"github.com/crawlnet/gateway/internal/memprobe"
	"github.com/crawlnet/gateway/internal/types"
)

// band is one of the three memory-pressure bands the janitor selects its
// sweep cadence and per-tier TTLs from.
type band struct {
	interval time.Duration
	coldTTL  time.Duration
	hotTTL   time.Duration
}

// Janitor periodically sweeps HOT and COLD instances, evicting ones idle
// past their tier's TTL. The sweep cadence and TTLs tighten as memory
// pressure rises so the pool sheds load fastest exactly when it needs to.
type Janitor struct {
	pool  *Pool
	cfg   *config.Config
	probe *memprobe.Probe

	events chan types.JanitorEvent

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewJanitor creates a Janitor. Events is an optional sink the monitor
// reads from; a nil events channel drops events instead of blocking.
func NewJanitor(p *Pool, cfg *config.Config, probe *memprobe.Probe, events chan types.JanitorEvent) *Janitor {
	return &Janitor{
		pool:   p,
		cfg:    cfg,
		probe:  probe,
		events: events,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

func (j *Janitor) currentBand() band {
	usage := j.probe.UsagePercent()
	switch {
	case usage >= 80:
		return band{j.cfg.JanitorHighInterval, j.cfg.JanitorHighColdTTL, j.cfg.JanitorHighHotTTL}
	case usage >= 60:
		return band{j.cfg.JanitorMidInterval, j.cfg.JanitorMidColdTTL, j.cfg.JanitorMidHotTTL}
	default:
		return band{j.cfg.JanitorLowInterval, j.cfg.JanitorLowColdTTL, j.cfg.JanitorLowHotTTL}
	}
}

// Run blocks sweeping on a self-adjusting ticker until Stop is called.
func (j *Janitor) Run() {
	defer close(j.doneCh)

	b := j.currentBand()
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.stopCh:
			return
		case <-ticker.C:
			j.sweep(b)

			next := j.currentBand()
			if next.interval != b.interval {
				ticker.Reset(next.interval)
			}
			b = next
		}
	}
}

func (j *Janitor) sweep(b band) {
	now := time.Now()

	for _, fp := range j.pool.snapshotTierKeys(types.TierCold) {
		lastUsed, idle, ok := j.idleSince(types.TierCold, fp, now)
		if !ok {
			continue
		}
		if !idle {
			j.emit(types.JanitorEvent{Kind: "skip_active", Timestamp: now, Details: fmt.Sprintf("cold %s has active requests", fp)})
			continue
		}
		if now.Sub(lastUsed) < b.coldTTL {
			continue
		}
		if j.pool.evictIfIdle(types.TierCold, fp) {
			j.emit(types.JanitorEvent{Kind: "close_cold", Timestamp: now, Details: fp})
		}
	}

	for _, fp := range j.pool.snapshotTierKeys(types.TierHot) {
		lastUsed, idle, ok := j.idleSince(types.TierHot, fp, now)
		if !ok {
			continue
		}
		if !idle {
			j.emit(types.JanitorEvent{Kind: "skip_active", Timestamp: now, Details: fmt.Sprintf("hot %s has active requests", fp)})
			continue
		}
		if now.Sub(lastUsed) < b.hotTTL {
			continue
		}
		if j.pool.evictIfIdle(types.TierHot, fp) {
			j.emit(types.JanitorEvent{Kind: "close_hot", Timestamp: now, Details: fp})
		}
	}
}

func (j *Janitor) idleSince(tier types.Tier, fp string, _ time.Time) (time.Time, bool, bool) {
	lastUsed, idle := j.pool.lastUsedAt(tier, fp)
	if lastUsed.IsZero() {
		return time.Time{}, false, false
	}
	return lastUsed, idle, true
}

func (j *Janitor) emit(ev types.JanitorEvent) {
	log.Debug().Str("kind", ev.Kind).Str("details", ev.Details).Msg("janitor: sweep action")
	if j.events == nil {
		return
	}
	select {
	case j.events <- ev:
	default:
		log.Warn().Msg("janitor: event sink full, dropping event")
	}
}

// Stop halts the sweep loop and waits for Run to return.
func (j *Janitor) Stop(ctx context.Context) {
	close(j.stopCh)
	select {
	case <-j.doneCh:
	case <-ctx.Done():
	}
}
