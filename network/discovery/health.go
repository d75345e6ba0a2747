package discovery

import (
	"sync"
	"time"
)

// HealthMonitor tracks transport backend call outcomes and flags the
// backend as degraded after a run of consecutive failures. One success
// clears the degraded flag and the failure run.
type HealthMonitor struct {
	mu sync.Mutex

	latencyWarn      time.Duration
	failureThreshold int

	totalChecks         int64
	totalFailures       int64
	consecutiveFailures int
	latencyWarnCount    int64
	lastLatency         time.Duration
	lastError           string
	lastCheck           time.Time
	degraded            bool
}

func NewHealthMonitor(latencyWarn time.Duration, failureThreshold int) *HealthMonitor {
	if latencyWarn <= 0 {
		latencyWarn = 1500 * time.Millisecond
	}
	if failureThreshold <= 0 {
		failureThreshold = 2
	}
	return &HealthMonitor{
		latencyWarn:      latencyWarn,
		failureThreshold: failureThreshold,
	}
}

// RecordSuccess clears the failure run and the degraded flag, and counts a
// latency warning when latency exceeds the warn threshold.
func (h *HealthMonitor) RecordSuccess(latency time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.totalChecks++
	h.consecutiveFailures = 0
	h.lastError = ""
	h.lastLatency = latency
	h.lastCheck = time.Now()
	if latency > h.latencyWarn {
		h.latencyWarnCount++
	}
	h.degraded = false
}

// RecordFailure extends the failure run and flips degraded once the run
// reaches the threshold.
func (h *HealthMonitor) RecordFailure(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.totalChecks++
	h.totalFailures++
	h.consecutiveFailures++
	if err != nil {
		h.lastError = err.Error()
	}
	h.lastCheck = time.Now()
	if h.consecutiveFailures >= h.failureThreshold {
		h.degraded = true
	}
}

// Degraded reports whether the backend is currently considered degraded.
func (h *HealthMonitor) Degraded() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.degraded
}

// Snapshot returns the stats view of the monitor. Keys follow the
// historical wire names consumed by operator tooling.
func (h *HealthMonitor) Snapshot() map[string]interface{} {
	h.mu.Lock()
	defer h.mu.Unlock()

	var lastLatencyMs interface{}
	var lastCheckTs interface{}
	var lastError interface{}
	if !h.lastCheck.IsZero() {
		lastLatencyMs = float64(h.lastLatency) / float64(time.Millisecond)
		lastCheckTs = float64(h.lastCheck.UnixNano()) / float64(time.Second)
	}
	if h.lastError != "" {
		lastError = h.lastError
	}

	return map[string]interface{}{
		"total_checks":         h.totalChecks,
		"total_failures":       h.totalFailures,
		"consecutive_failures": h.consecutiveFailures,
		"latency_warn_count":   h.latencyWarnCount,
		"last_latency_ms":      lastLatencyMs,
		"last_error":           lastError,
		"last_check_ts":        lastCheckTs,
		"degraded":             h.degraded,
		"latency_warn_ms":      float64(h.latencyWarn) / float64(time.Millisecond),
		"failure_threshold":    h.failureThreshold,
	}
}
