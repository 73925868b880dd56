package api

import (
	"sync"
	"time"
)

// AlertType identifies the kind of spike detected.
type AlertType string

const (
	AlertLoginFailureSpike   AlertType = "login_failure_spike"
	AlertAnomalyBlockSpike   AlertType = "anomaly_block_spike"
	AlertFingerprintMismatch AlertType = "fingerprint_mismatch_spike"
)

// AlertEvent describes a spike that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when a spike is detected.
type AlertFunc func(AlertEvent)

// spikeWindow is a sliding window counter for one alert type.
type spikeWindow struct {
	alert     AlertType
	message   string
	window    time.Duration
	threshold int
	times     []time.Time
}

// metricsCollector turns audit events into spike alerts.
type metricsCollector struct {
	mu      sync.Mutex
	windows map[AuditEvent]*spikeWindow
	now     func() time.Time
	alertFn AlertFunc
}

func newMetricsCollector(alertFn AlertFunc, now func() time.Time) *metricsCollector {
	return &metricsCollector{
		windows: map[AuditEvent]*spikeWindow{
			AuditLoginFailure: {
				alert: AlertLoginFailureSpike, message: "login failure rate exceeds threshold",
				window: time.Minute, threshold: 50,
			},
			AuditAnomalyBlocked: {
				alert: AlertAnomalyBlockSpike, message: "blocked request rate exceeds threshold",
				window: time.Minute, threshold: 100,
			},
			AuditFingerprintMismatch: {
				alert: AlertFingerprintMismatch, message: "fingerprint mismatch rate exceeds threshold",
				window: 5 * time.Minute, threshold: 10,
			},
		},
		now:     now,
		alertFn: alertFn,
	}
}

// setThreshold overrides the threshold for event.
func (m *metricsCollector) setThreshold(event AuditEvent, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.windows[event]; ok {
		w.threshold = n
	}
}

// recordEvent updates the window for event and fires an alert when the
// threshold is reached. The window is reset after each alert so a single
// spike alerts once.
func (m *metricsCollector) recordEvent(event AuditEvent) {
	if m == nil || m.alertFn == nil {
		return
	}
	m.mu.Lock()
	w, ok := m.windows[event]
	if !ok {
		m.mu.Unlock()
		return
	}
	now := m.now()
	w.times = trimWindow(append(w.times, now), now, w.window)
	if len(w.times) < w.threshold {
		m.mu.Unlock()
		return
	}
	alert := AlertEvent{
		Type:      w.alert,
		Message:   w.message,
		Count:     len(w.times),
		Threshold: w.threshold,
		Timestamp: now,
	}
	w.times = w.times[:0]
	m.mu.Unlock()

	m.alertFn(alert)
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
