package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordChatStream(t *testing.T) {
	before := testutil.ToFloat64(ChatChunksTotal.WithLabelValues("metrics-test"))

	RecordChatStream("metrics-test", OutcomeCompleted, 3)
	RecordChatStream("metrics-test", OutcomeRejected, 0)

	assert.Equal(t, before+3, testutil.ToFloat64(ChatChunksTotal.WithLabelValues("metrics-test")))
	assert.Equal(t, float64(1), testutil.ToFloat64(ChatStreamsTotal.WithLabelValues("metrics-test", OutcomeRejected)))
}

func TestRecordSpeechIgnoresEmptyBodies(t *testing.T) {
	before := testutil.ToFloat64(SpeechBytesTotal)
	RecordSpeech("metrics-test", OutcomeFailed, 0)
	RecordSpeech("metrics-test", OutcomeCompleted, 10)
	assert.Equal(t, before+10, testutil.ToFloat64(SpeechBytesTotal))
}
