package engine

import "github.com/rs/zerolog"

// AlertKind is the closed set of structured notifications spec.md §7
// names: missing-volume, I/O failure, corruption.
type AlertKind string

const (
	AlertMissingVolume AlertKind = "missing-volume"
	AlertIoFailure     AlertKind = "io-failure"
	AlertCorruption    AlertKind = "corruption"
)

// Alert is one notification delivered to an AlertMonitor.
type Alert struct {
	Kind   AlertKind
	Volume string
	Detail string
	Err    error
}

// AlertMonitor is spec.md §6's "Alert monitor" external collaborator: it
// receives structured notifications and decides what to do with them
// (page, escalate, ignore). The engine never blocks on a notification.
type AlertMonitor interface {
	Notify(a Alert)
}

// LogAlertMonitor is the default AlertMonitor: it logs every alert
// through zerolog at a severity appropriate to its kind, matching the
// single structured stream the rest of the Ambient Stack's logging
// uses.
type LogAlertMonitor struct {
	logger zerolog.Logger
}

// NewLogAlertMonitor builds an AlertMonitor backed by logger.
func NewLogAlertMonitor(logger zerolog.Logger) *LogAlertMonitor {
	return &LogAlertMonitor{logger: logger.With().Str("component", "alert").Logger()}
}

func (m *LogAlertMonitor) Notify(a Alert) {
	ev := m.logger.Warn()
	if a.Kind == AlertCorruption {
		ev = m.logger.Error()
	}
	ev = ev.Str("kind", string(a.Kind)).Str("volume", a.Volume).Str("detail", a.Detail)
	if a.Err != nil {
		ev = ev.Err(a.Err)
	}
	ev.Msg("engine alert")
}
