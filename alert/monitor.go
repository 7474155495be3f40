// Package alert mirrors the remote incident feed and derives the transient
// risk indicator from it.
package alert

import (
	"strings"
	"time"

	iface "DetMonitor/interface"
)

// Entry is one row of the incident log with its derived severity.
type Entry struct {
	iface.Alert
	Severity iface.RiskLevel `json:"severity"`
}

// RiskState is the indicator armed by the newest alert. It reads as none from
// ExpiresAt on.
type RiskState struct {
	Level     iface.RiskLevel `json:"level"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

func (r RiskState) At(now time.Time) iface.RiskLevel {
	if r.Level == iface.RiskNone || !now.Before(r.ExpiresAt) {
		return iface.RiskNone
	}
	return r.Level
}

// Classify maps an alert class to a severity: a class containing one of the
// caution markers (case-insensitive) is a caution, everything else a violation.
func Classify(objectClass string, cautionMarkers []string) iface.RiskLevel {
	class := strings.ToUpper(objectClass)
	for _, m := range cautionMarkers {
		if m != "" && strings.Contains(class, strings.ToUpper(m)) {
			return iface.RiskCaution
		}
	}
	return iface.RiskViolation
}

// Monitor is not safe for concurrent use; the session owns it.
type Monitor struct {
	dwell   time.Duration
	markers []string

	log     []Entry
	head    iface.Alert
	hasHead bool
	risk    RiskState
}

func NewMonitor(dwell time.Duration, cautionMarkers []string) *Monitor {
	return &Monitor{dwell: dwell, markers: cautionMarkers}
}

// Apply replaces the log with a freshly fetched one. When the newest alert is
// not the one seen last time the risk indicator is re-armed for a full dwell,
// superseding a dwell still running. It reports whether the risk was armed.
func (m *Monitor) Apply(alerts []iface.Alert, now time.Time) bool {
	m.log = make([]Entry, len(alerts))
	for i, a := range alerts {
		m.log[i] = Entry{Alert: a, Severity: Classify(a.ObjectClass, m.markers)}
	}
	if len(alerts) == 0 {
		return false
	}
	newest := alerts[0]
	if m.hasHead && newest.Same(m.head) {
		return false
	}
	m.head, m.hasHead = newest, true
	m.risk = RiskState{Level: m.log[0].Severity, ExpiresAt: now.Add(m.dwell)}
	return true
}

func (m *Monitor) Level(now time.Time) iface.RiskLevel {
	return m.risk.At(now)
}

func (m *Monitor) Risk() RiskState {
	return m.risk
}

// Log returns a copy of the current incident log, newest first.
func (m *Monitor) Log() []Entry {
	out := make([]Entry, len(m.log))
	copy(out, m.log)
	return out
}

// Reset empties the log and the indicator. The next alert observed, even one
// equal to the previous head, arms the indicator again.
func (m *Monitor) Reset() {
	m.log = nil
	m.head, m.hasHead = iface.Alert{}, false
	m.risk = RiskState{}
}
