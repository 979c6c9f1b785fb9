package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	ConnectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushtrigger_connections_total",
			Help: "Total number of accepted webhook connections by result.",
		},
		[]string{"result"}, // ok, read_error, write_error
	)

	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushtrigger_events_total",
			Help: "Total number of webhook events by type and routing outcome.",
		},
		[]string{"event", "outcome"},
	)

	EffectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushtrigger_effects_total",
			Help: "Total number of effect runs by effect and status.",
		},
		[]string{"effect", "status"},
	)

	EffectLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pushtrigger_effect_latency_seconds",
			Help:    "Effect run time in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"effect"},
	)

	NotificationFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushtrigger_notification_failures_total",
			Help: "Total number of failed notification posts by reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, timeout, network, other
	)

	JournalWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushtrigger_journal_writes_total",
			Help: "Total number of trigger journal writes by status.",
		},
		[]string{"status"},
	)

	FanoutBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pushtrigger_fanout_backlog",
			Help: "Messages waiting on the fan-out topic across all channels.",
		},
	)

	FanoutChannelDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pushtrigger_fanout_channel_depth",
			Help: "Depth of fan-out channels.",
		},
		[]string{"channel"},
	)

	FanoutChannelInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pushtrigger_fanout_channel_inflight",
			Help: "In-flight messages on fan-out channels.",
		},
		[]string{"channel"},
	)

	ListenerUp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pushtrigger_listener_up",
			Help: "1 while the webhook listener is accepting connections.",
		},
	)
)

// known event types keep the event label bounded; the header is caller supplied
var knownEvents = map[string]bool{
	"push":         true,
	"ping":         true,
	"pull_request": true,
	"create":       true,
	"delete":       true,
	"release":      true,
	"workflow_run": true,
}

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		ConnectionsTotal,
		EventsTotal,
		EffectsTotal,
		EffectLatency,
		NotificationFailuresTotal,
		JournalWritesTotal,
		FanoutBacklog,
		FanoutChannelDepth,
		FanoutChannelInFlight,
		ListenerUp,
	)
}

func RecordConnection(result string) {
	ConnectionsTotal.WithLabelValues(result).Inc()
}

func RecordEvent(eventType, outcome string) {
	EventsTotal.WithLabelValues(EventLabel(eventType), outcome).Inc()
}

// EventLabel maps an X-GitHub-Event value onto a bounded label set
func EventLabel(eventType string) string {
	switch {
	case eventType == "":
		return "none"
	case knownEvents[eventType]:
		return eventType
	default:
		return "other"
	}
}

func RecordEffect(effect string, err error, d time.Duration) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	EffectsTotal.WithLabelValues(effect, status).Inc()
	EffectLatency.WithLabelValues(effect).Observe(d.Seconds())
}

func RecordNotificationFailure(reason string) {
	NotificationFailuresTotal.WithLabelValues(reason).Inc()
}

func RecordJournalWrite(err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	JournalWritesTotal.WithLabelValues(status).Inc()
}

func SetListenerUp(up bool) {
	if up {
		ListenerUp.Set(1)
		return
	}
	ListenerUp.Set(0)
}

// SetFanoutChannel records the depth and in-flight count of one channel
func SetFanoutChannel(channel string, depth, inFlight int64) {
	FanoutChannelDepth.WithLabelValues(channel).Set(float64(depth))
	FanoutChannelInFlight.WithLabelValues(channel).Set(float64(inFlight))
}

func SetFanoutBacklog(n int64) {
	FanoutBacklog.Set(float64(n))
}
