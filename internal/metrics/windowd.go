package metrics

import "time"

// Metrics holds the counters the event loop maintains.
type Metrics struct {
	registry *Registry

	MousePackets         *Counter
	MouseEvents          *Counter
	KeyEvents            *Counter
	AcceptFailures       *Counter
	RegistrationFailures *Counter
	SessionsAccepted     *Counter
	SessionsDestroyed    *Counter
	ClipboardFanouts     *Counter
	Notifications        *Counter
	InputForwarded       *Counter

	ActiveSessions *Gauge
	UptimeSeconds  *Gauge

	DispatchDuration *Histogram

	started time.Time
}

// New registers the windowd metrics in registry. A nil registry gets a
// fresh one with the "windowd" namespace.
func New(registry *Registry) *Metrics {
	if registry == nil {
		registry = NewRegistry("windowd")
	}
	return &Metrics{
		registry: registry,

		MousePackets: registry.Counter("mouse_packets_total",
			"Raw mouse packets read from the device", nil),
		MouseEvents: registry.Counter("mouse_events_total",
			"Coalesced mouse events delivered to the screen", nil),
		KeyEvents: registry.Counter("key_events_total",
			"Key events delivered to the screen", nil),
		AcceptFailures: registry.Counter("accept_failures_total",
			"Accept attempts that produced no session", nil),
		RegistrationFailures: registry.Counter("registration_failures_total",
			"Sessions dropped because the loop could not watch them", nil),
		SessionsAccepted: registry.Counter("sessions_accepted_total",
			"Client sessions created", nil),
		SessionsDestroyed: registry.Counter("sessions_destroyed_total",
			"Client sessions torn down", nil),
		ClipboardFanouts: registry.Counter("clipboard_fanouts_total",
			"Clipboard change notifications fanned out", nil),
		Notifications: registry.Counter("clipboard_notifications_total",
			"Per-session clipboard change messages queued", nil),
		InputForwarded: registry.Counter("input_events_forwarded_total",
			"Input events queued to subscribed sessions", nil),

		ActiveSessions: registry.Gauge("sessions_active",
			"Currently registered client sessions", nil),
		UptimeSeconds: registry.Gauge("uptime_seconds",
			"Seconds since the event loop was constructed", nil),

		DispatchDuration: registry.Histogram("dispatch_duration_seconds",
			"Time spent dispatching one ready source", nil, DurationBuckets),

		started: time.Now(),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *Registry { return m.registry }

// UpdateUptime refreshes the uptime gauge.
func (m *Metrics) UpdateUptime() {
	m.UptimeSeconds.Set(int64(time.Since(m.started).Seconds()))
}
