package localscheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestHeadroomSampler_NoTelemetrySkipsCheck covers the admission-control
// fallback of spec.md section 4.4: when host telemetry is unavailable,
// the headroom check is skipped rather than treated as a denial, since
// the caller's procNb/maxProcNb ceiling check already bounds ncpu.
func TestHeadroomSampler_NoTelemetrySkipsCheck(t *testing.T) {
	h := newHeadroomSampler(time.Millisecond)
	h.percent = func() (float64, bool) { return 0, false }

	now := time.Now()
	idle, cpuCount, ok := h.sample(now)
	assert.False(t, ok)
	assert.Zero(t, idle)
	assert.Zero(t, cpuCount)

	assert.True(t, h.admit(now, 1, 0.2, 0.8))
}

// TestHeadroomSampler_ThresholdDeniesWhenTelemetryAvailable guards
// against a regression where the no-telemetry fallback swallows the
// real threshold check once telemetry is actually available.
func TestHeadroomSampler_ThresholdDeniesWhenTelemetryAvailable(t *testing.T) {
	h := newHeadroomSampler(time.Millisecond)
	h.percent = func() (float64, bool) { return 0, true } // 0% idle: idle x cpu count stays 0 on any host

	now := time.Now()
	assert.False(t, h.admit(now, 1, 0.2, 0.8))
}
