package ratelimit

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// domainOverrides is the YAML shape of an override file: per-domain pacing
// values that replace the config-wide RateLimiterMinDelay/MaxDelay for
// domains known in advance to need gentler or more aggressive pacing.
type domainOverrides struct {
	Domains map[string]struct {
		MinDelay time.Duration `yaml:"min_delay"`
		MaxDelay time.Duration `yaml:"max_delay"`
	} `yaml:"domains"`
}

func (o *domainOverrides) Validate() error {
	for domain, v := range o.Domains {
		if v.MinDelay < 0 || v.MaxDelay < v.MinDelay {
			return fmt.Errorf("domain %q: invalid min_delay/max_delay", domain)
		}
	}
	return nil
}

// OverrideBounds is the resolved min/max delay pair for one domain.
type OverrideBounds struct {
	MinDelay time.Duration
	MaxDelay time.Duration
}

// OverrideManager hot-reloads a YAML file of per-domain pacing overrides.
// Reads are lock-free via atomic.Value; a file watcher debounces rapid
// writes and reloads on settle. An override file is entirely optional —
// with no path configured the manager always reports "no override".
type OverrideManager struct {
	path    string
	current atomic.Value // *domainOverrides

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	closed  bool
}

// NewOverrideManager loads path (if non-empty) and, when hotReload is true,
// watches it for changes. A missing or invalid file is logged and the
// manager falls back to "no overrides" rather than failing startup.
func NewOverrideManager(path string, hotReload bool) *OverrideManager {
	m := &OverrideManager{path: path, stopCh: make(chan struct{})}
	m.current.Store(&domainOverrides{Domains: map[string]struct {
		MinDelay time.Duration `yaml:"min_delay"`
		MaxDelay time.Duration `yaml:"max_delay"`
	}{}})

	if path == "" {
		return m
	}

	if err := m.reload(); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("ratelimit: failed to load override file, using config defaults")
	}

	if hotReload {
		if err := m.startWatcher(); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("ratelimit: failed to watch override file, hot-reload disabled")
		}
	}

	return m
}

// Lookup returns the configured override for domain, if any.
func (m *OverrideManager) Lookup(domain string) (OverrideBounds, bool) {
	cur := m.current.Load().(*domainOverrides)
	v, ok := cur.Domains[domain]
	if !ok {
		return OverrideBounds{}, false
	}
	return OverrideBounds{MinDelay: v.MinDelay, MaxDelay: v.MaxDelay}, true
}

func (m *OverrideManager) reload() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.path)
	if err != nil {
		return fmt.Errorf("read override file: %w", err)
	}
	var parsed domainOverrides
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("parse override file: %w", err)
	}
	if err := parsed.Validate(); err != nil {
		return fmt.Errorf("invalid override file: %w", err)
	}

	m.current.Store(&parsed)
	log.Info().Str("path", m.path).Int("domains", len(parsed.Domains)).Msg("ratelimit: loaded override file")
	return nil
}

func (m *OverrideManager) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(m.path); err != nil {
		watcher.Close()
		return fmt.Errorf("watch file: %w", err)
	}
	m.watcher = watcher
	m.wg.Add(1)
	go m.watchFile()
	return nil
}

func (m *OverrideManager) watchFile() {
	defer m.wg.Done()

	const debounceDelay = 100 * time.Millisecond
	var debounceTimer *time.Timer

	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounceDelay, func() {
				if err := m.reload(); err != nil {
					log.Warn().Err(err).Str("path", m.path).Msg("ratelimit: override hot-reload failed, keeping previous overrides")
				}
			})
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("ratelimit: override file watcher error")
		case <-m.stopCh:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return
		}
	}
}

// Close stops the file watcher, if any.
func (m *OverrideManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.stopCh)
	if m.watcher != nil {
		m.watcher.Close()
	}
	m.wg.Wait()
	return nil
}
