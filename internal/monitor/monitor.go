// Package monitor implements the Monitor (C7), PersistenceWorker (C8),
// and PushBroker (C9): the read-model of in-flight and recently
// completed crawl activity, its best-effort durable mirror, and its
// WebSocket fan-out.
package monitor

import (
	"sync"
	"time"

	"github.com/crawlnet/gateway/internal/config"
	"github.com/crawlnet/gateway/internal/memprobe"
	"github.com/crawlnet/gateway/internal/pool"
	"github.com/crawlnet/gateway/internal/types"
)

// Health is the monitor's cheap read-only projection of overall control
// plane condition: current memory pressure, in-flight load, and pool
// occupancy, without the cost of copying the full read-model.
type Health struct {
	Status         string    `json:"status"`
	MemoryPercent  float64   `json:"memory_percent"`
	ActiveRequests int       `json:"active_requests"`
	ActiveBrowsers int       `json:"active_browsers"`
	Timestamp      time.Time `json:"timestamp"`
}

// Snapshot is the full read-model returned to HTTP/WebSocket callers.
type Snapshot struct {
	Active             []types.RequestRecord            `json:"active"`
	Completed          []types.RequestRecord            `json:"completed"`
	JanitorEvents      []types.JanitorEvent              `json:"janitor_events"`
	Errors             []types.ErrorEvent                `json:"errors"`
	EndpointAggregates map[string]types.EndpointAggregate `json:"endpoint_aggregates"`
	Timelines          map[types.TimelineMetric][]types.TimelineSample `json:"timelines"`
	Pool               types.PoolSnapshot                `json:"pool"`
	Timestamp          time.Time                         `json:"timestamp"`
}

// Monitor tracks in-flight requests, a bounded history of completed
// ones, janitor/error event rings, per-endpoint aggregates, and scalar
// timelines — all under a single mutex since reads and writes are both
// cheap and this is not a hot path relative to crawl execution itself.
type Monitor struct {
	mu sync.Mutex

	active    map[string]*types.RequestRecord
	completed *ring[types.RequestRecord]
	janitor   *ring[types.JanitorEvent]
	errors    *ring[types.ErrorEvent]

	endpointAggregates map[string]*types.EndpointAggregate
	timelines          map[types.TimelineMetric]*ring[types.TimelineSample]

	cfg   *config.Config
	probe *memprobe.Probe
	pool  *pool.Pool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Monitor and starts its sampling and age-sweep loops.
func New(cfg *config.Config, probe *memprobe.Probe, p *pool.Pool) *Monitor {
	m := &Monitor{
		active:             make(map[string]*types.RequestRecord),
		completed:          newRing[types.RequestRecord](cfg.MonitorRingCapacity),
		janitor:            newRing[types.JanitorEvent](cfg.MonitorRingCapacity),
		errors:             newRing[types.ErrorEvent](cfg.MonitorRingCapacity),
		endpointAggregates: make(map[string]*types.EndpointAggregate),
		timelines: map[types.TimelineMetric]*ring[types.TimelineSample]{
			types.MetricMemoryPercent:     newRing[types.TimelineSample](cfg.MonitorTimelinePoint),
			types.MetricInflightRequests:  newRing[types.TimelineSample](cfg.MonitorTimelinePoint),
			types.MetricActiveBrowserCount: newRing[types.TimelineSample](cfg.MonitorTimelinePoint),
		},
		cfg:    cfg,
		probe:  probe,
		pool:   p,
		stopCh: make(chan struct{}),
	}
	m.wg.Add(2)
	go m.sampleLoop()
	go m.sweepLoop()
	return m
}

// TrackStart registers a newly admitted request as active.
func (m *Monitor) TrackStart(id, endpoint, url string, memStartMiB float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[id] = &types.RequestRecord{
		ID:          id,
		Endpoint:    endpoint,
		URL:         url,
		StartedAt:   time.Now(),
		MemStartMiB: memStartMiB,
	}
}

// TrackEnd moves a request from active to the completed ring and updates
// its endpoint's aggregate counters.
func (m *Monitor) TrackEnd(id string, success bool, errMsg string, tierHit types.TierHit, fingerprint string, memEndMiB float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.active[id]
	if !ok {
		return
	}
	delete(m.active, id)

	rec.FinishedAt = time.Now()
	rec.Success = &success
	rec.Error = errMsg
	rec.TierHit = tierHit
	rec.Fingerprint = fingerprint
	rec.MemEndMiB = memEndMiB
	m.completed.push(*rec)

	agg, ok := m.endpointAggregates[rec.Endpoint]
	if !ok {
		agg = &types.EndpointAggregate{}
		m.endpointAggregates[rec.Endpoint] = agg
	}
	agg.Count++
	if success {
		agg.Successes++
	} else {
		agg.Errors++
	}
	agg.TotalElapsedMs += rec.FinishedAt.Sub(rec.StartedAt).Milliseconds()
	if tierHit == types.TierHitHot || tierHit == types.TierHitPermanent || tierHit == types.TierHitCold || tierHit == types.TierHitColdPromoted {
		agg.PoolHits++
	}
}

// TrackJanitor appends a janitor action to its bounded ring.
func (m *Monitor) TrackJanitor(ev types.JanitorEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.janitor.push(ev)
}

// TrackError appends a surfaced error to its bounded ring.
func (m *Monitor) TrackError(ev types.ErrorEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors.push(ev)
}

// Snapshot produces a read-model copy safe for JSON encoding outside the
// lock.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := make([]types.RequestRecord, 0, len(m.active))
	for _, rec := range m.active {
		active = append(active, *rec)
	}

	aggCopy := make(map[string]types.EndpointAggregate, len(m.endpointAggregates))
	for k, v := range m.endpointAggregates {
		aggCopy[k] = *v
	}

	timelines := make(map[types.TimelineMetric][]types.TimelineSample, len(m.timelines))
	for metric, r := range m.timelines {
		timelines[metric] = r.items()
	}

	snap := Snapshot{
		Active:             active,
		Completed:          m.completed.items(),
		JanitorEvents:      m.janitor.items(),
		Errors:             m.errors.items(),
		EndpointAggregates: aggCopy,
		Timelines:          timelines,
		Timestamp:          time.Now(),
	}
	if m.pool != nil {
		snap.Pool = m.pool.Snapshot()
	}
	return snap
}

// Health returns the monitor's getHealth projection: a cheap summary
// safe to compute far more often than a full Snapshot.
func (m *Monitor) Health() Health {
	mem := m.probe.UsagePercent()

	m.mu.Lock()
	active := len(m.active)
	m.mu.Unlock()

	var browsers int
	if m.pool != nil {
		browsers = len(m.pool.Snapshot().Instances)
	}

	status := "ok"
	if mem >= 80 {
		status = "degraded"
	}

	return Health{
		Status:         status,
		MemoryPercent:  mem,
		ActiveRequests: active,
		ActiveBrowsers: browsers,
		Timestamp:      time.Now(),
	}
}

// PushSnapshot is the trimmed projection PushBroker fans out over
// WebSocket: health plus the last 10 active+completed records, the last
// 10 janitor and error events, the full timelines and pool snapshot —
// everything a dashboard needs without the unbounded active map or
// full 100-entry rings a Snapshot carries.
type PushSnapshot struct {
	Health        Health                                           `json:"health"`
	Requests      []types.RequestRecord                            `json:"requests"`
	JanitorEvents []types.JanitorEvent                              `json:"janitor_events"`
	Errors        []types.ErrorEvent                                `json:"errors"`
	Timelines     map[types.TimelineMetric][]types.TimelineSample   `json:"timelines"`
	Pool          types.PoolSnapshot                                `json:"pool"`
	Timestamp     time.Time                                         `json:"timestamp"`
}

// PushSnapshot builds the trimmed push payload, keeping only the most
// recent limit entries of each bounded list.
func (m *Monitor) PushSnapshot(limit int) PushSnapshot {
	snap := m.Snapshot()

	requests := make([]types.RequestRecord, 0, len(snap.Active)+len(snap.Completed))
	requests = append(requests, snap.Active...)
	requests = append(requests, snap.Completed...)

	return PushSnapshot{
		Health:        m.Health(),
		Requests:      lastN(requests, limit),
		JanitorEvents: lastN(snap.JanitorEvents, limit),
		Errors:        lastN(snap.Errors, limit),
		Timelines:     snap.Timelines,
		Pool:          snap.Pool,
		Timestamp:     snap.Timestamp,
	}
}

// lastN returns the last n elements of s, or s unchanged if it already
// has n or fewer.
func lastN[T any](s []T, n int) []T {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// EndpointAggregates returns a copy for the persistence worker, without
// the rest of the (larger) snapshot.
func (m *Monitor) EndpointAggregates() map[string]types.EndpointAggregate {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]types.EndpointAggregate, len(m.endpointAggregates))
	for k, v := range m.endpointAggregates {
		out[k] = *v
	}
	return out
}

func (m *Monitor) sampleLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.MonitorSampleTick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sample()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Monitor) sample() {
	now := time.Now()
	mem := m.probe.UsagePercent()

	m.mu.Lock()
	inflight := float64(len(m.active))
	var activeBrowsers float64
	m.mu.Unlock()

	if m.pool != nil {
		activeBrowsers = float64(len(m.pool.Snapshot().Instances))
	}

	m.mu.Lock()
	m.timelines[types.MetricMemoryPercent].push(types.TimelineSample{Timestamp: now, Metric: types.MetricMemoryPercent, Value: mem})
	m.timelines[types.MetricInflightRequests].push(types.TimelineSample{Timestamp: now, Metric: types.MetricInflightRequests, Value: inflight})
	m.timelines[types.MetricActiveBrowserCount].push(types.TimelineSample{Timestamp: now, Metric: types.MetricActiveBrowserCount, Value: activeBrowsers})
	m.mu.Unlock()
}

func (m *Monitor) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.MonitorSampleTick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweepAged()
		case <-m.stopCh:
			return
		}
	}
}

// sweepAged drops completed/janitor/error entries older than
// MonitorMaxAge, orthogonal to their ring-capacity bound: a burst can
// fill a ring well before MaxAge elapses, and a quiet period can leave
// stale-but-unevicted entries sitting under capacity.
func (m *Monitor) sweepAged() {
	cutoff := time.Now().Add(-m.cfg.MonitorMaxAge)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.completed.filter(func(r types.RequestRecord) bool { return r.FinishedAt.After(cutoff) })
	m.janitor.filter(func(e types.JanitorEvent) bool { return e.Timestamp.After(cutoff) })
	m.errors.filter(func(e types.ErrorEvent) bool { return e.Timestamp.After(cutoff) })
}

// Close stops the background loops.
func (m *Monitor) Close() {
	close(m.stopCh)
	m.wg.Wait()
}
