package monitor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/crawlnet/gateway/internal/kvstore"
	"github.com/crawlnet/gateway/internal/memprobe"
	"github.com/crawlnet/gateway/internal/types"
)

func TestPersistenceWorkerFlushesOnHint(t *testing.T) {
	cfg := testConfig()
	cfg.PersistenceHintCapacity = 4
	cfg.PersistenceTTL = time.Minute

	m := New(cfg, memprobe.New(), nil)
	defer m.Close()
	m.TrackStart("req-1", "/crawl", "https://example.com", 0)
	m.TrackEnd("req-1", true, "", types.TierHitHot, "fp", 0)

	store := kvstore.NewMemoryStore()
	defer store.Close()

	w := NewPersistenceWorker(m, store, cfg)
	w.Hint()
	w.Close()

	data, ok, err := store.Get(context.Background(), "monitor:endpoint_stats")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected endpoint stats to be persisted")
	}
	var agg map[string]types.EndpointAggregate
	if err := json.Unmarshal(data, &agg); err != nil {
		t.Fatalf("unexpected unmarshal error: %v", err)
	}
	if agg["/crawl"].Count != 1 {
		t.Fatalf("unexpected persisted aggregate: %+v", agg)
	}
}

func TestPersistenceWorkerCoalescesBurstHints(t *testing.T) {
	cfg := testConfig()
	cfg.PersistenceHintCapacity = 1

	m := New(cfg, memprobe.New(), nil)
	defer m.Close()

	store := kvstore.NewMemoryStore()
	defer store.Close()

	w := NewPersistenceWorker(m, store, cfg)
	for i := 0; i < 10; i++ {
		w.Hint()
	}
	w.Close()
}
