// Package memprobe reports container-aware memory usage as a percentage.
// It never returns an error: each resolution strategy is attempted in
// order and advisory-only, falling back to 0.0 on total failure.
package memprobe

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// Probe resolves the current memory usage percentage, preferring
// cgroup-aware sources and falling back to host/process RSS.
type Probe struct {
	warnOnce sync.Once
}

// New creates a Probe.
func New() *Probe {
	return &Probe{}
}

// UsagePercent returns memory usage as a percentage in [0, 100]. Failure
// anywhere in the resolution chain is logged at most once and the probe
// falls through to the next strategy; total failure returns 0.0.
func (p *Probe) UsagePercent() float64 {
	if pct, ok := p.cgroupV2(); ok {
		return pct
	}
	if pct, ok := p.cgroupV1(); ok {
		return pct
	}
	if pct, ok := p.hostRSS(); ok {
		return pct
	}
	p.warnOnce.Do(func() {
		log.Warn().Msg("memprobe: all resolution strategies failed, reporting 0.0")
	})
	return 0.0
}

func (p *Probe) cgroupV2() (float64, bool) {
	current, ok := readUintFile("/sys/fs/cgroup/memory.current")
	if !ok {
		return 0, false
	}
	limitRaw, ok := readStringFile("/sys/fs/cgroup/memory.max")
	if !ok {
		return 0, false
	}
	limitRaw = strings.TrimSpace(limitRaw)
	var limit uint64
	if limitRaw == "max" {
		hostLimit, ok := hostMemoryLimit()
		if !ok {
			return 0, false
		}
		limit = hostLimit
	} else {
		parsed, err := strconv.ParseUint(limitRaw, 10, 64)
		if err != nil {
			return 0, false
		}
		limit = parsed
	}
	if limit == 0 {
		return 0, false
	}
	return 100 * float64(current) / float64(limit), true
}

func (p *Probe) cgroupV1() (float64, bool) {
	current, ok := readUintFile("/sys/fs/cgroup/memory/memory.usage_in_bytes")
	if !ok {
		return 0, false
	}
	limit, ok := readUintFile("/sys/fs/cgroup/memory/memory.limit_in_bytes")
	if !ok {
		return 0, false
	}
	hostLimit, hostOK := hostMemoryLimit()
	if hostOK && limit > hostLimit {
		limit = hostLimit
	}
	if limit == 0 {
		return 0, false
	}
	return 100 * float64(current) / float64(limit), true
}

// hostRSS falls back to the memory the Go runtime has obtained from the
// OS (runtime.MemStats.Sys) against total host memory when no cgroup
// accounting is available.
func (p *Probe) hostRSS() (float64, bool) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	hostLimit, ok := hostMemoryLimit()
	if !ok || hostLimit == 0 {
		return 0, false
	}
	return 100 * float64(ms.Sys) / float64(hostLimit), true
}

func hostMemoryLimit() (uint64, bool) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, false
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0, false
		}
		return kb * 1024, true
	}
	return 0, false
}

func readUintFile(path string) (uint64, bool) {
	raw, ok := readStringFile(path)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func readStringFile(path string) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	return string(data), true
}
