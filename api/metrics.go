package api

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertSignInFailureSpike AlertType = "signin_failure_spike"
	AlertUnlockFailureSpike AlertType = "unlock_failure_spike"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

// spikeDetector fires once when threshold events land inside window, then
// starts counting again.
type spikeDetector struct {
	alert     AlertType
	message   string
	window    time.Duration
	threshold int
	events    []time.Time
}

func (d *spikeDetector) record(now time.Time) (AlertEvent, bool) {
	d.events = trimWindow(append(d.events, now), now, d.window)
	if len(d.events) < d.threshold {
		return AlertEvent{}, false
	}
	ev := AlertEvent{
		Type:      d.alert,
		Message:   d.message,
		Count:     len(d.events),
		Threshold: d.threshold,
		Timestamp: now,
	}
	d.events = d.events[:0]
	return ev, true
}

// metricsCollector watches audit events for failure spikes.
type metricsCollector struct {
	mu      sync.Mutex
	now     func() time.Time
	signin  spikeDetector
	unlock  spikeDetector
	alertFn AlertFunc
}

const (
	defaultSignInFailureWindow    = 1 * time.Minute
	defaultSignInFailureThreshold = 50
	defaultUnlockFailureWindow    = 5 * time.Minute
	defaultUnlockFailureThreshold = 100
)

func newMetricsCollector(alertFn AlertFunc) *metricsCollector {
	return &metricsCollector{
		now: time.Now,
		signin: spikeDetector{
			alert:     AlertSignInFailureSpike,
			message:   "sign-in failure rate exceeds threshold",
			window:    defaultSignInFailureWindow,
			threshold: defaultSignInFailureThreshold,
		},
		unlock: spikeDetector{
			alert:     AlertUnlockFailureSpike,
			message:   "site password failure rate exceeds threshold",
			window:    defaultUnlockFailureWindow,
			threshold: defaultUnlockFailureThreshold,
		},
		alertFn: alertFn,
	}
}

// recordEvent inspects an audit event and updates the relevant counters.
func (m *metricsCollector) recordEvent(event AuditEvent) {
	if m == nil || m.alertFn == nil {
		return
	}
	var d *spikeDetector
	switch event {
	case AuditSignInFailure:
		d = &m.signin
	case AuditSiteUnlockFailure:
		d = &m.unlock
	default:
		return
	}

	m.mu.Lock()
	ev, fire := d.record(m.now())
	m.mu.Unlock()
	if fire {
		m.alertFn(ev)
	}
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
