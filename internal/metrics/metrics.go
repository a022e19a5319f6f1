package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Event names.
const (
	SessionStarted          = "session_started"
	SessionJoined           = "session_joined"
	SessionJoinNotFound     = "session_join_not_found"
	SessionFailed           = "session_failed"
	RemoteDescriptionSet    = "remote_description_set"
	DuplicateAnswerIgnored  = "duplicate_answer_ignored"
	AnswerRejected          = "answer_rejected"
	RemoteCandidateApplied  = "remote_candidate_applied"
	LocalCandidateForwarded = "local_candidate_forwarded"
	LocalCandidateDropped   = "local_candidate_append_failed"
	MessageSent             = "message_sent"
	MessageSendRejected     = "message_send_rejected"
	MessageReceived         = "message_received"

	StoreRequest       = "store_request"
	StoreWatchOpened   = "store_watch_opened"
	StoreUnavailable   = "store_unavailable"
	AuthFailure        = "auth_failure"
	RateLimited        = "rate_limited"
	WatchReconnect     = "store_watch_reconnect"
	TURNRESTCredential = "turn_rest_credential_issued"
)

const namespace = "reelwatch"

// Metrics is a concurrency-safe set of event counters backed by a private
// Prometheus registry. A nil *Metrics discards everything.
type Metrics struct {
	reg    *prometheus.Registry
	events *prometheus.CounterVec
}

func New() *Metrics {
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_total",
		Help:      "Internal event counters.",
	}, []string{"event"})

	reg := prometheus.NewRegistry()
	reg.MustRegister(events)
	return &Metrics{reg: reg, events: events}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil || delta == 0 {
		return
	}
	m.events.WithLabelValues(name).Add(float64(delta))
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	var out dto.Metric
	if err := m.events.WithLabelValues(name).Write(&out); err != nil {
		return 0
	}
	return uint64(out.GetCounter().GetValue())
}

// Snapshot returns every counter that has been touched.
func (m *Metrics) Snapshot() map[string]uint64 {
	snap := make(map[string]uint64)
	if m == nil {
		return snap
	}
	families, err := m.reg.Gather()
	if err != nil {
		return snap
	}
	for _, fam := range families {
		for _, metric := range fam.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "event" {
					snap[label.GetValue()] = uint64(metric.GetCounter().GetValue())
				}
			}
		}
	}
	return snap
}
