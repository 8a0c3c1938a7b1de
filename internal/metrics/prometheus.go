// Package metrics instruments the live pipelines of the tutor: model streams, voice capture sessions,
// speech playback decodes and diagram renders. A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus collectors of the tutor.
type Metrics struct {
	StreamTurns    *prometheus.CounterVec
	StreamEvents   prometheus.Counter
	VoiceSessions  *prometheus.CounterVec
	AudioDecodes   *prometheus.CounterVec
	DiagramRenders *prometheus.CounterVec
}

// Outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		StreamTurns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cognitutor_stream_turns_total",
			Help: "Total number of streamed model turns by outcome",
		}, []string{"outcome"}),
		StreamEvents: f.NewCounter(prometheus.CounterOpts{
			Name: "cognitutor_stream_events_total",
			Help: "Total number of partial-response events consumed from model streams",
		}),
		VoiceSessions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cognitutor_voice_sessions_total",
			Help: "Total number of voice capture sessions by stop reason",
		}, []string{"reason"}),
		AudioDecodes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cognitutor_audio_decodes_total",
			Help: "Total number of synthesized speech fetch and decode attempts by outcome",
		}, []string{"outcome"}),
		DiagramRenders: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cognitutor_diagram_renders_total",
			Help: "Total number of diagram renders by diagram kind and outcome",
		}, []string{"kind", "outcome"}),
	}
}

// StreamTurn records the terminal state of one streamed turn.
func (m *Metrics) StreamTurn(outcome string) {
	if m == nil {
		return
	}
	m.StreamTurns.WithLabelValues(outcome).Inc()
}

// StreamEvent records one consumed partial-response event.
func (m *Metrics) StreamEvent() {
	if m == nil {
		return
	}
	m.StreamEvents.Inc()
}

// VoiceSession records the end of a capture session.
func (m *Metrics) VoiceSession(reason string) {
	if m == nil {
		return
	}
	m.VoiceSessions.WithLabelValues(reason).Inc()
}

// AudioDecode records one fetch-and-decode attempt.
func (m *Metrics) AudioDecode(outcome string) {
	if m == nil {
		return
	}
	m.AudioDecodes.WithLabelValues(outcome).Inc()
}

// DiagramRender records one render attempt.
func (m *Metrics) DiagramRender(kind, outcome string) {
	if m == nil {
		return
	}
	m.DiagramRenders.WithLabelValues(kind, outcome).Inc()
}
