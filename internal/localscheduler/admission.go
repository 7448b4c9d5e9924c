package localscheduler

import (
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
)

// headroomSampler caches the host's idle-CPU headroom per spec.md
// section 4.4's admission rule, resampling at most once per
// SampleMinInterval. Admitting a job decrements the cached idle
// fraction so the next admission decision within the same sampling
// window sees the effect, matching the teacher's single-cached-sample
// discipline for host telemetry (pkg/platform CPU probes).
type headroomSampler struct {
	mu sync.Mutex

	minInterval time.Duration

	available bool
	cpuCount  int
	idle      float64
	sampledAt time.Time

	// percent is overridable in tests to avoid touching the real host.
	percent func() (idleFraction float64, ok bool)
}

func newHeadroomSampler(minInterval time.Duration) *headroomSampler {
	return &headroomSampler{
		minInterval: minInterval,
		percent:     sampleHostIdleFraction,
	}
}

// sample returns the current idle fraction and cpu count, resampling
// from the host only if minInterval has elapsed since the last sample.
func (h *headroomSampler) sample(now time.Time) (idle float64, cpuCount int, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if now.Sub(h.sampledAt) >= h.minInterval {
		count, countErr := cpu.Counts(true)
		idleFrac, percentOK := h.percent()
		if countErr == nil && percentOK {
			h.available = true
			h.cpuCount = count
			h.idle = idleFrac * float64(count)
		} else {
			h.available = false
		}
		h.sampledAt = now
	}
	return h.idle, h.cpuCount, h.available
}

// admit reports whether a job needing ncpu cpus may start given the
// cached headroom, and decrements the cached idle count on admission.
// When telemetry is unavailable, the headroom check is skipped rather
// than failed: the caller's ceiling check has already bounded ncpu.
func (h *headroomSampler) admit(now time.Time, ncpu int, singleThreshold, multiThreshold float64) bool {
	idle, _, ok := h.sample(now)
	if !ok {
		return true
	}
	threshold := multiThreshold
	if ncpu <= 1 {
		threshold = singleThreshold
	}
	if idle <= threshold {
		return false
	}

	h.mu.Lock()
	h.idle -= float64(ncpu)
	h.mu.Unlock()
	return true
}

func sampleHostIdleFraction() (float64, bool) {
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		return 0, false
	}
	busy := percents[0]
	if busy < 0 {
		busy = 0
	}
	if busy > 100 {
		busy = 100
	}
	return (100 - busy) / 100, true
}
