// Package dispatcher admits crawl requests onto the pool/engine under a
// concurrency policy (C5). Two policies are provided: FixedConcurrency, a
// plain counting semaphore, and MemoryAdaptive, which throttles admission
// as memory pressure rises and enforces fairness against starvation.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/crawlnet/gateway/internal/config"
	"github.com/crawlnet/gateway/internal/memprobe"
	"github.com/crawlnet/gateway/internal/types"
)

// Dispatcher admits one unit of concurrency, returning a release func the
// caller must invoke when the work finishes.
type Dispatcher interface {
	Admit(ctx context.Context) (release func(), err error)
	Close()
}

// New selects a Dispatcher implementation per cfg.DispatcherMode.
func New(cfg *config.Config, probe *memprobe.Probe) Dispatcher {
	if cfg.DispatcherMode == "fixed" {
		return NewFixedConcurrency(cfg.DispatcherFixedConcurrency)
	}
	return NewMemoryAdaptive(cfg, probe)
}

// FixedConcurrency is a counting semaphore built from a buffered channel,
// the same idiom the teacher used for `Pool.recycleSem`.
type FixedConcurrency struct {
	sem chan struct{}
}

// NewFixedConcurrency creates a FixedConcurrency dispatcher with n slots.
func NewFixedConcurrency(n int) *FixedConcurrency {
	if n < 1 {
		n = 1
	}
	return &FixedConcurrency{sem: make(chan struct{}, n)}
}

func (f *FixedConcurrency) Admit(ctx context.Context) (func(), error) {
	select {
	case f.sem <- struct{}{}:
		return func() { <-f.sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *FixedConcurrency) Close() {}

// Stats reports introspection data for the dispatchers HTTP endpoints.
func (f *FixedConcurrency) Stats() map[string]any {
	return map[string]any{
		"mode":     "fixed",
		"capacity": cap(f.sem),
		"in_use":   len(f.sem),
	}
}

// waiter is one queued admission request.
type waiter struct {
	admitCh  chan struct{}
	queuedAt time.Time
	timedOut bool
}

// MemoryAdaptive admits requests FIFO, subject to:
//   - a hard cap on inflight work (DispatcherMaxInflight)
//   - a reduced-parallelism band between the recovery and soft thresholds,
//     where grants per tick taper linearly from maxInflight down to 1
//   - a soft threshold above which only waiters that have aged past
//     DispatcherFairnessTimeout are admitted
//   - a critical threshold above which admission pauses entirely, except
//     for waiters that have aged past DispatcherFairnessTimeout (starvation
//     promotion)
//   - a recovery threshold below which a paused dispatcher resumes
//   - a hard wait timeout past which a queued waiter is failed outright
//     with ErrMemoryExhausted rather than left to queue forever
type MemoryAdaptive struct {
	mu      sync.Mutex
	queue   []*waiter
	inflight int
	paused  bool

	cfg   *config.Config
	probe *memprobe.Probe

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewMemoryAdaptive creates a MemoryAdaptive dispatcher and starts its
// scheduling tick.
func NewMemoryAdaptive(cfg *config.Config, probe *memprobe.Probe) *MemoryAdaptive {
	d := &MemoryAdaptive{
		cfg:    cfg,
		probe:  probe,
		stopCh: make(chan struct{}),
	}
	d.wg.Add(1)
	go d.loop()
	return d
}

func (d *MemoryAdaptive) loop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.DispatcherTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.tick()
		case <-d.stopCh:
			d.drainAll()
			return
		}
	}
}

func (d *MemoryAdaptive) tick() {
	usage := d.probe.UsagePercent()

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.paused {
		if usage < d.cfg.DispatcherRecoveryThreshold {
			d.paused = false
			log.Info().Float64("usage_percent", usage).Msg("dispatcher: memory recovered, resuming admission")
		}
	} else if usage >= d.cfg.DispatcherCriticalThreshold {
		d.paused = true
		log.Warn().Float64("usage_percent", usage).Msg("dispatcher: memory critical, pausing new admissions")
	}

	// fairnessOnly is the softThreshold <= mem < criticalThreshold band:
	// only waiters that have aged past DispatcherFairnessTimeout may be
	// admitted. scaledCap is the recoveryThreshold <= mem < softThreshold
	// band: grants per tick taper linearly from maxInflight down to 1 as
	// usage climbs toward softThreshold; -1 means the band doesn't apply
	// and admission is bounded only by maxInflight - inflight.
	fairnessOnly := !d.paused && usage >= d.cfg.DispatcherSoftThreshold
	scaledCap := d.scaledAdmissionCap(usage)
	now := time.Now()

	granted := 0
	for len(d.queue) > 0 {
		w := d.queue[0]
		starved := now.Sub(w.queuedAt) >= d.cfg.DispatcherFairnessTimeout

		if d.inflight >= d.cfg.DispatcherMaxInflight {
			break
		}
		if d.paused && !starved {
			break
		}
		if fairnessOnly && !starved {
			break
		}
		if scaledCap >= 0 && granted >= scaledCap && !starved {
			break
		}

		d.queue = d.queue[1:]
		d.inflight++
		granted++
		close(w.admitCh)
	}

	if len(d.queue) == 0 {
		return
	}
	remaining := d.queue[:0:0]
	for _, w := range d.queue {
		if now.Sub(w.queuedAt) >= d.cfg.DispatcherHardWaitTimeout {
			w.timedOut = true
			close(w.admitCh)
			continue
		}
		remaining = append(remaining, w)
	}
	d.queue = remaining
}

// scaledAdmissionCap implements the recoveryThreshold <= mem < softThreshold
// band (spec §4.5): admission is granted but with reduced parallelism,
// scaled linearly from maxInflight permits per tick at recoveryThreshold
// down to a single permit per tick as usage approaches softThreshold.
// Returns -1 outside that band, where the cap doesn't apply.
func (d *MemoryAdaptive) scaledAdmissionCap(usage float64) int {
	recovery := d.cfg.DispatcherRecoveryThreshold
	soft := d.cfg.DispatcherSoftThreshold
	if usage < recovery || usage >= soft {
		return -1
	}
	span := soft - recovery
	if span <= 0 {
		return -1
	}
	frac := (soft - usage) / span
	scaled := int(frac * float64(d.cfg.DispatcherMaxInflight))
	if scaled < 1 {
		scaled = 1
	}
	return scaled
}

func (d *MemoryAdaptive) drainAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, w := range d.queue {
		w.timedOut = true
		close(w.admitCh)
	}
	d.queue = nil
}

func (d *MemoryAdaptive) Admit(ctx context.Context) (func(), error) {
	w := &waiter{admitCh: make(chan struct{}), queuedAt: time.Now()}

	d.mu.Lock()
	select {
	case <-d.stopCh:
		d.mu.Unlock()
		return nil, types.ErrDispatcherClosed
	default:
	}
	d.queue = append(d.queue, w)
	d.mu.Unlock()

	select {
	case <-w.admitCh:
		if w.timedOut {
			return nil, types.ErrMemoryExhausted
		}
		return func() { d.release() }, nil
	case <-ctx.Done():
		d.removeFromQueue(w)
		return nil, ctx.Err()
	}
}

func (d *MemoryAdaptive) removeFromQueue(target *waiter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, w := range d.queue {
		if w == target {
			d.queue = append(d.queue[:i], d.queue[i+1:]...)
			return
		}
	}
}

func (d *MemoryAdaptive) release() {
	d.mu.Lock()
	d.inflight--
	d.mu.Unlock()
}

func (d *MemoryAdaptive) Close() {
	close(d.stopCh)
	d.wg.Wait()
}

// Stats reports introspection data for the dispatchers HTTP endpoints.
func (d *MemoryAdaptive) Stats() map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	return map[string]any{
		"mode":        "adaptive",
		"inflight":    d.inflight,
		"queue_depth": len(d.queue),
		"paused":      d.paused,
	}
}
