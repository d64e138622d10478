package jobs

import (
	"testing"
	"time"

	"github.com/crawlnet/gateway/internal/config"
	"github.com/crawlnet/gateway/internal/kvstore"
	"github.com/crawlnet/gateway/internal/types"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	cfg := &config.Config{
		JobTTL:           time.Hour,
		JobSweepInterval: time.Hour,
		JobStaleDeadline: time.Hour,
	}
	store := kvstore.NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	r := NewRegistry(cfg, store)
	t.Cleanup(r.Close)
	return r
}

func TestCreateStartsPending(t *testing.T) {
	r := testRegistry(t)
	job := r.Create(types.JobKindCrawl, []string{"https://example.com"}, nil)
	if job.Status != types.JobPending {
		t.Fatalf("expected PENDING, got %s", job.Status)
	}
}

func TestFullLifecycleTransitions(t *testing.T) {
	r := testRegistry(t)
	job := r.Create(types.JobKindCrawl, []string{"https://example.com"}, nil)

	if err := r.MarkRunning(job.ID); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	if err := r.MarkCompleted(job.ID, map[string]string{"ok": "true"}); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}

	got, err := r.Get(job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != types.JobCompleted {
		t.Fatalf("expected COMPLETED, got %s", got.Status)
	}
	if got.FinishedAt == nil {
		t.Fatal("expected FinishedAt to be set")
	}
}

func TestDoubleCompleteIsNoOp(t *testing.T) {
	r := testRegistry(t)
	job := r.Create(types.JobKindCrawl, []string{"https://example.com"}, nil)
	_ = r.MarkRunning(job.ID)
	_ = r.MarkCompleted(job.ID, "first")

	if err := r.MarkCompleted(job.ID, "second"); err != nil {
		t.Fatalf("expected double-complete to be a no-op, got error: %v", err)
	}
	got, _ := r.Get(job.ID)
	if got.Result != "first" {
		t.Fatalf("expected first result to stick, got %v", got.Result)
	}
}

func TestInvalidTransitionRejected(t *testing.T) {
	r := testRegistry(t)
	job := r.Create(types.JobKindCrawl, []string{"https://example.com"}, nil)

	if err := r.MarkCompleted(job.ID, "x"); err != types.ErrJobInvalidTransition {
		t.Fatalf("expected ErrJobInvalidTransition completing a PENDING job directly, got %v", err)
	}
}

func TestGetUnknownJobReturnsNotFound(t *testing.T) {
	r := testRegistry(t)
	if _, err := r.Get("missing"); err == nil {
		t.Fatal("expected error for unknown job id")
	}
}

func TestSweepFailsStaleJobs(t *testing.T) {
	cfg := &config.Config{
		JobTTL:           time.Hour,
		JobSweepInterval: time.Hour,
		JobStaleDeadline: time.Millisecond,
	}
	store := kvstore.NewMemoryStore()
	defer store.Close()
	r := NewRegistry(cfg, store)
	defer r.Close()

	job := r.Create(types.JobKindCrawl, []string{"https://example.com"}, nil)
	time.Sleep(5 * time.Millisecond)
	r.sweepStale()

	got, err := r.Get(job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != types.JobFailed || got.Error != "timeout" {
		t.Fatalf("expected stale job to be FAILED with timeout, got status=%s error=%s", got.Status, got.Error)
	}
}
