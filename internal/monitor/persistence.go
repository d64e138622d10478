package monitor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/crawlnet/gateway/internal/config"
	"github.com/crawlnet/gateway/internal/kvstore"
)

// PersistenceWorker mirrors the monitor's endpoint aggregates to the
// KVStore under "monitor:endpoint_stats", coalescing bursts of hints
// into a single write via a capacity-bounded, non-blocking hint channel.
type PersistenceWorker struct {
	monitor *Monitor
	store   kvstore.Store
	cfg     *config.Config

	hintCh chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewPersistenceWorker creates and starts a PersistenceWorker.
func NewPersistenceWorker(m *Monitor, store kvstore.Store, cfg *config.Config) *PersistenceWorker {
	w := &PersistenceWorker{
		monitor: m,
		store:   store,
		cfg:     cfg,
		hintCh:  make(chan struct{}, cfg.PersistenceHintCapacity),
		stopCh:  make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// Hint requests a persistence pass. Non-blocking: if the hint channel is
// full, a pass is already pending and this hint is a no-op.
func (w *PersistenceWorker) Hint() {
	select {
	case w.hintCh <- struct{}{}:
	default:
	}
}

func (w *PersistenceWorker) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.hintCh:
			w.persist()
		case <-w.stopCh:
			w.persist() // final flush on shutdown
			return
		}
	}
}

func (w *PersistenceWorker) persist() {
	agg := w.monitor.EndpointAggregates()
	data, err := json.Marshal(agg)
	if err != nil {
		log.Error().Err(err).Msg("monitor: failed to marshal endpoint aggregates")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.store.Set(ctx, "monitor:endpoint_stats", data, w.cfg.PersistenceTTL); err != nil {
		log.Warn().Err(err).Msg("monitor: failed to persist endpoint aggregates")
	}
}

// Close stops the worker after a final flush.
func (w *PersistenceWorker) Close() {
	close(w.stopCh)
	w.wg.Wait()
}
