// Package telemetry reports per-viewer streaming metrics to logs,
// Prometheus and an MQTT bus.
package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/avaropoint/remotecast/internal/log"
	"github.com/avaropoint/remotecast/internal/metrics"
)

// Sample is one metrics snapshot for a viewer.
type Sample struct {
	SessionID          string    `json:"session_id"`
	ViewerID           string    `json:"viewer_id"`
	Mbps               float64   `json:"mbps"`
	FPS                int       `json:"fps"`
	RoundTripLatencyMs float64   `json:"round_trip_latency_ms"`
	ImageQuality       int       `json:"image_quality"`
	GPUAccelerated     bool      `json:"gpu_accelerated"`
	At                 time.Time `json:"at"`
}

// Reporter receives periodic samples.
type Reporter interface {
	Report(s Sample) error
}

// LogReporter writes samples as structured log lines.
type LogReporter struct {
	Logger zerolog.Logger
}

func (r LogReporter) Report(s Sample) error {
	r.Logger.Debug().
		Str(log.FieldSessionID, s.SessionID).
		Str(log.FieldViewerID, s.ViewerID).
		Float64("mbps", s.Mbps).
		Int("fps", s.FPS).
		Float64("rtt_ms", s.RoundTripLatencyMs).
		Int("quality", s.ImageQuality).
		Bool("gpu", s.GPUAccelerated).
		Msg("viewer metrics")
	return nil
}

// PrometheusReporter updates the process-wide viewer gauges.
type PrometheusReporter struct{}

func (PrometheusReporter) Report(s Sample) error {
	metrics.ViewerThroughput.WithLabelValues("mbps").Set(s.Mbps)
	metrics.ViewerThroughput.WithLabelValues("fps").Set(float64(s.FPS))
	metrics.ViewerThroughput.WithLabelValues("quality").Set(float64(s.ImageQuality))
	return nil
}

// DefaultTopicPrefix is prepended to MQTT topics when none is configured.
const DefaultTopicPrefix = "remotecast/metrics"

// Publisher is the subset of an MQTT client used for reporting.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTReporter publishes each sample as JSON to
// <prefix>/<session_id>/<viewer_id>.
type MQTTReporter struct {
	client  Publisher
	prefix  string
	timeout time.Duration
}

// NewMQTTReporter wraps an MQTT publisher.
func NewMQTTReporter(client Publisher, prefix string) *MQTTReporter {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return &MQTTReporter{
		client:  client,
		prefix:  strings.TrimSuffix(prefix, "/"),
		timeout: 2 * time.Second,
	}
}

// Topic returns the topic a sample is published on.
func (r *MQTTReporter) Topic(s Sample) string {
	return r.prefix + "/" + s.SessionID + "/" + s.ViewerID
}

func (r *MQTTReporter) Report(s Sample) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode sample: %w", err)
	}
	token := r.client.Publish(r.Topic(s), 0, false, payload)
	if !token.WaitTimeout(r.timeout) {
		return fmt.Errorf("publish %s: timed out", r.Topic(s))
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", r.Topic(s), err)
	}
	return nil
}

// MQTTOptions configures ConnectMQTT.
type MQTTOptions struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	Logger    zerolog.Logger
}

// ConnectMQTT dials the broker with automatic reconnect enabled.
func ConnectMQTT(opts MQTTOptions) (mqtt.Client, error) {
	o := mqtt.NewClientOptions()
	o.AddBroker(opts.BrokerURL)
	o.SetClientID(opts.ClientID)
	o.SetUsername(opts.Username)
	o.SetPassword(opts.Password)
	o.SetAutoReconnect(true)
	o.OnConnectionLost = func(_ mqtt.Client, err error) {
		opts.Logger.Warn().Err(err).Msg("mqtt connection lost")
	}
	o.OnReconnecting = func(mqtt.Client, *mqtt.ClientOptions) {
		opts.Logger.Info().Msg("reconnecting to mqtt broker")
	}

	client := mqtt.NewClient(o)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect mqtt %s: %w", opts.BrokerURL, token.Error())
	}
	opts.Logger.Info().Str("broker", opts.BrokerURL).Msg("connected to mqtt broker")
	return client, nil
}

// Multi fans a sample out to every reporter and joins their errors.
type Multi []Reporter

func (m Multi) Report(s Sample) error {
	var errs []error
	for _, r := range m {
		if err := r.Report(s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
