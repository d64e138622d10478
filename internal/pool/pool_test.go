package pool

import (
	"context"
	"testing"
	"time"

	"github.com/crawlnet/gateway/internal/config"
	"github.com/crawlnet/gateway/internal/memprobe"
	"github.com/crawlnet/gateway/internal/types"
)

// skipCI skips tests that require a real headless browser binary.
func skipCI(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping browser pool test in short mode")
	}
}

func testConfig() *config.Config {
	cfg := config.Load()
	cfg.PromotionThreshold = 2
	cfg.MemoryHardLimit = 95.0
	return cfg
}

func TestNewPoolPrewarmsPermanentInstance(t *testing.T) {
	skipCI(t)

	p, err := New(testConfig(), memprobe.New())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Shutdown(context.Background(), time.Second)

	snap := p.Snapshot()
	if len(snap.Instances) != 1 {
		t.Fatalf("expected exactly one PERMANENT instance at startup, got %d", len(snap.Instances))
	}
	if snap.Instances[0].Tier != types.TierPermanent {
		t.Fatalf("expected PERMANENT tier, got %s", snap.Instances[0].Tier)
	}
}

func TestAcquireDefaultSpecHitsPermanent(t *testing.T) {
	skipCI(t)

	p, err := New(testConfig(), memprobe.New())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Shutdown(context.Background(), time.Second)

	inst, hit, err := p.Acquire(context.Background(), types.DefaultBrowserSpec())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if hit != types.TierHitPermanent {
		t.Fatalf("expected PERMANENT hit, got %s", hit)
	}
	p.Release(inst.Fingerprint)
}

func TestAcquireNewSpecPromotesAfterThreshold(t *testing.T) {
	skipCI(t)

	cfg := testConfig()
	p, err := New(cfg, memprobe.New())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Shutdown(context.Background(), time.Second)

	spec := types.BrowserSpec{Headless: true, Viewport: types.Viewport{Width: 800, Height: 600}}

	inst, hit, err := p.Acquire(context.Background(), spec)
	if err != nil {
		t.Fatalf("Acquire (new): %v", err)
	}
	if hit != types.TierHitNew {
		t.Fatalf("expected NEW hit, got %s", hit)
	}
	p.Release(inst.Fingerprint)

	inst, hit, err = p.Acquire(context.Background(), spec)
	if err != nil {
		t.Fatalf("Acquire (cold): %v", err)
	}
	if hit != types.TierHitCold && hit != types.TierHitColdPromoted {
		t.Fatalf("expected COLD or COLD_PROMOTED hit, got %s", hit)
	}
	p.Release(inst.Fingerprint)

	_, hit, err = p.Acquire(context.Background(), spec)
	if err != nil {
		t.Fatalf("Acquire (promoted): %v", err)
	}
	if hit != types.TierHitColdPromoted && hit != types.TierHitHot {
		t.Fatalf("expected promotion by the threshold-th acquire, got %s", hit)
	}
}

func TestAcquireRefusesUnderMemoryPressure(t *testing.T) {
	skipCI(t)

	cfg := testConfig()
	cfg.MemoryHardLimit = 0.0 // force pressure regardless of actual host usage
	p, err := New(cfg, memprobe.New())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Shutdown(context.Background(), time.Second)

	spec := types.BrowserSpec{Headless: true, Viewport: types.Viewport{Width: 800, Height: 600}}
	_, _, err = p.Acquire(context.Background(), spec)
	if err != types.ErrMemoryPressure {
		t.Fatalf("expected ErrMemoryPressure, got %v", err)
	}
}
