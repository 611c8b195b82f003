package telemetry

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avaropoint/remotecast/internal/metrics"
)

type doneToken struct {
	err error
}

func (t doneToken) Wait() bool { return true }

func (t doneToken) WaitTimeout(time.Duration) bool { return true }

func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (t doneToken) Error() error { return t.err }

type fakePublisher struct {
	topics   []string
	payloads [][]byte
	err      error
}

func (p *fakePublisher) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	p.topics = append(p.topics, topic)
	p.payloads = append(p.payloads, payload.([]byte))
	return doneToken{err: p.err}
}

type failing struct{ err error }

func (f failing) Report(Sample) error { return f.err }

func sample() Sample {
	return Sample{
		SessionID:          "123456789",
		ViewerID:           "v1",
		Mbps:               1.5,
		FPS:                12,
		RoundTripLatencyMs: 40,
		ImageQuality:       78,
	}
}

func TestMQTTReporter_PublishesJSON(t *testing.T) {
	pub := &fakePublisher{}
	r := NewMQTTReporter(pub, "fleet/metrics/")

	require.NoError(t, r.Report(sample()))
	require.Equal(t, []string{"fleet/metrics/123456789/v1"}, pub.topics)

	var got Sample
	require.NoError(t, json.Unmarshal(pub.payloads[0], &got))
	assert.Equal(t, 12, got.FPS)
	assert.Equal(t, 78, got.ImageQuality)
}

func TestMQTTReporter_DefaultPrefixAndError(t *testing.T) {
	pub := &fakePublisher{err: errors.New("not connected")}
	r := NewMQTTReporter(pub, "")
	assert.Equal(t, DefaultTopicPrefix+"/123456789/v1", r.Topic(sample()))
	assert.ErrorContains(t, r.Report(sample()), "not connected")
}

func TestPrometheusReporter(t *testing.T) {
	require.NoError(t, PrometheusReporter{}.Report(sample()))
	assert.Equal(t, 1.5, gaugeValue(t, "mbps"))
	assert.Equal(t, 78.0, gaugeValue(t, "quality"))
}

func TestMulti_JoinsErrors(t *testing.T) {
	errA := errors.New("a")
	errB := errors.New("b")
	m := Multi{LogReporter{Logger: zerolog.Nop()}, failing{errA}, failing{errB}}

	err := m.Report(sample())
	require.Error(t, err)
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
	assert.NoError(t, Multi{}.Report(sample()))
}

func gaugeValue(t *testing.T, kind string) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, metrics.ViewerThroughput.WithLabelValues(kind).Write(&m))
	return m.GetGauge().GetValue()
}
