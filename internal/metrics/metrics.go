package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Stream outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
	OutcomeTruncated = "truncated"
	OutcomeAbandoned = "abandoned"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tutor",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tutor",
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds, including streamed bodies",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"method", "route"},
	)

	ChatStreamsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tutor",
			Subsystem: "chat",
			Name:      "streams_total",
			Help:      "Chat replies by character and outcome",
		},
		[]string{"character", "outcome"},
	)

	ChatChunksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tutor",
			Subsystem: "chat",
			Name:      "chunks_total",
			Help:      "Reply chunks relayed to clients",
		},
		[]string{"character"},
	)

	ChatFirstChunkSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tutor",
			Subsystem: "chat",
			Name:      "first_chunk_seconds",
			Help:      "Time from request to the first relayed chunk",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)

	SpeechRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tutor",
			Subsystem: "speech",
			Name:      "requests_total",
			Help:      "Speech syntheses by character and outcome",
		},
		[]string{"character", "outcome"},
	)

	SpeechBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tutor",
			Subsystem: "speech",
			Name:      "audio_bytes_total",
			Help:      "Audio bytes relayed to clients",
		},
	)
)

// RecordRequest records one finished HTTP request.
func RecordRequest(method, route, status string, seconds float64) {
	RequestsTotal.WithLabelValues(method, route, status).Inc()
	RequestDuration.WithLabelValues(method, route).Observe(seconds)
}

// RecordChatStream records how a chat reply ended.
func RecordChatStream(character, outcome string, chunks int) {
	ChatStreamsTotal.WithLabelValues(character, outcome).Inc()
	if chunks > 0 {
		ChatChunksTotal.WithLabelValues(character).Add(float64(chunks))
	}
}

// RecordSpeech records how a synthesis ended.
func RecordSpeech(character, outcome string, bytes int64) {
	SpeechRequestsTotal.WithLabelValues(character, outcome).Inc()
	if bytes > 0 {
		SpeechBytesTotal.Add(float64(bytes))
	}
}
