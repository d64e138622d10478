package types

import "time"

// Tier classifies a BrowserInstance's place in the pool eviction policy.
type Tier string

const (
	TierPermanent Tier = "PERMANENT"
	TierHot       Tier = "HOT"
	TierCold      Tier = "COLD"
)

// TierHit describes which tier satisfied an acquisition, distinguishing a
// COLD entry that was promoted on this very acquisition from one that
// stayed COLD.
type TierHit string

const (
	TierHitPermanent    TierHit = "PERMANENT"
	TierHitHot          TierHit = "HOT"
	TierHitCold         TierHit = "COLD"
	TierHitColdPromoted TierHit = "COLD_PROMOTED"
	TierHitNew          TierHit = "NEW"
)

// BrowserSpec is an immutable description of a browser's launch
// configuration. Its canonical JSON (sorted keys, no whitespace) hashed
// with a cryptographic digest produces the pool fingerprint.
type BrowserSpec struct {
	Headless  bool              `json:"headless"`
	Viewport  Viewport          `json:"viewport"`
	UserAgent string            `json:"user_agent,omitempty"`
	Proxy     string            `json:"proxy,omitempty"`
	Locale    string            `json:"locale,omitempty"`
	ExtraArgs []string          `json:"extra_args,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// Viewport is the browser window dimension portion of a BrowserSpec.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// DefaultBrowserSpec returns the spec used to launch the PERMANENT
// instance at pool startup.
func DefaultBrowserSpec() BrowserSpec {
	return BrowserSpec{
		Headless: true,
		Viewport: Viewport{Width: 1920, Height: 1080},
	}
}

// BrowserInstance is an opaque handle to a running headless browser
// tracked by the pool. Engine field is populated by the concrete
// CrawlerEngine implementation and is never read by BrowserPool itself.
type BrowserInstance struct {
	Fingerprint    string
	CreatedAt      time.Time
	LastUsedAt     time.Time
	UseCount       int64
	Tier           Tier
	ActiveRequests int64
	Engine         any
}

// PoolSnapshot is a read-model of the pool, produced on demand. It is not
// a source of truth.
type PoolSnapshot struct {
	Instances []InstanceSnapshot `json:"instances"`
}

// InstanceSnapshot is one row of a PoolSnapshot.
type InstanceSnapshot struct {
	Fingerprint    string    `json:"fingerprint"`
	Tier           Tier      `json:"tier"`
	LastUsedAt     time.Time `json:"last_used_at"`
	UseCount       int64     `json:"use_count"`
	ActiveRequests int64     `json:"active_requests"`
}

// RequestRecord tracks one crawl request from admission to completion.
type RequestRecord struct {
	ID          string    `json:"id"`
	Endpoint    string    `json:"endpoint"`
	URL         string    `json:"url"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`
	Success     *bool     `json:"success,omitempty"`
	Error       string    `json:"error,omitempty"`
	MemStartMiB float64   `json:"mem_start_mib"`
	MemEndMiB   float64   `json:"mem_end_mib,omitempty"`
	TierHit     TierHit   `json:"tier_hit"`
	Fingerprint string    `json:"fingerprint"`
}

// EndpointAggregate accumulates per-endpoint counters, mutated under the
// monitor's lock.
type EndpointAggregate struct {
	Count          int64 `json:"count"`
	Successes      int64 `json:"successes"`
	Errors         int64 `json:"errors"`
	TotalElapsedMs int64 `json:"total_elapsed_ms"`
	PoolHits       int64 `json:"pool_hits"`
}

// JanitorEvent records one janitor-loop action.
type JanitorEvent struct {
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Details   string    `json:"details"`
}

// ErrorEvent records one error surfaced by the control plane.
type ErrorEvent struct {
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Details   string    `json:"details"`
}

// TimelineMetric names a tracked scalar timeline.
type TimelineMetric string

const (
	MetricMemoryPercent     TimelineMetric = "memoryPercent"
	MetricInflightRequests  TimelineMetric = "inflightRequests"
	MetricActiveBrowserCount TimelineMetric = "activeBrowserCount"
)

// TimelineSample is one scalar reading for a metric at a point in time.
type TimelineSample struct {
	Timestamp time.Time      `json:"timestamp"`
	Metric    TimelineMetric `json:"metric"`
	Value     float64        `json:"value"`
}

// JobKind distinguishes the two asynchronous task families.
type JobKind string

const (
	JobKindCrawl      JobKind = "CRAWL"
	JobKindLLMExtract JobKind = "LLM_EXTRACT"
)

// JobStatus is a Job's position in its strictly-enforced state machine:
// PENDING -> RUNNING -> (COMPLETED | FAILED). Terminal states are never
// re-entered.
type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
)

// WebhookConfig is the caller-supplied notification target for an async
// job, carried verbatim in the job record.
type WebhookConfig struct {
	WebhookURL          string            `json:"webhook_url"`
	WebhookDataInPayload bool              `json:"webhook_data_in_payload,omitempty"`
	WebhookHeaders       map[string]string `json:"webhook_headers,omitempty"`
}

// Job is the persisted record of one asynchronous crawl/LLM-extract task.
type Job struct {
	ID            string         `json:"id"`
	Kind          JobKind        `json:"kind"`
	Status        JobStatus      `json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
	FinishedAt    *time.Time     `json:"finished_at,omitempty"`
	URLs          []string       `json:"urls"`
	Result        any            `json:"result,omitempty"`
	Error         string         `json:"error,omitempty"`
	WebhookConfig *WebhookConfig `json:"webhook_config,omitempty"`
}

// WebhookDelivery is one in-flight or pending webhook delivery attempt.
// Transient: not persisted across restarts.
type WebhookDelivery struct {
	JobID         string
	TargetURL     string
	Headers       map[string]string
	IncludeData   bool
	Attempt       int
	NextAttemptAt time.Time
}

// WebhookPayload is the JSON body POSTed to a job's webhook_url.
type WebhookPayload struct {
	TaskID    string    `json:"task_id"`
	TaskType  string    `json:"task_type"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	URLs      []string  `json:"urls"`
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// CrawlSpec is the opaque-to-the-core request passed to CrawlerEngine.run.
type CrawlSpec struct {
	URL            string            `json:"url"`
	Mode           string            `json:"mode,omitempty"` // html, md, screenshot, pdf, execute_js
	Script         string            `json:"script,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	// ProxyURL carries the acquired instance's proxy (including any
	// userinfo credentials) so the engine can answer CDP auth challenges;
	// the proxy server itself was already set at browser launch time.
	ProxyURL string `json:"-"`
}

// CrawlResult is the opaque-to-the-core result returned by
// CrawlerEngine.run.
type CrawlResult struct {
	URL        string            `json:"url"`
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers,omitempty"`
	HTML       string            `json:"html,omitempty"`
	Markdown   string            `json:"markdown,omitempty"`
	Screenshot string            `json:"screenshot,omitempty"`
	PDF        string            `json:"pdf,omitempty"`
	JSResult   any               `json:"js_result,omitempty"`
}
