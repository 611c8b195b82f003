// Package config loads settings for the relay server, the desktop and the
// viewer. Sources apply in order: defaults, a YAML file, a .env file,
// then REMOTECAST_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/avaropoint/remotecast/internal/security"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "REMOTECAST_"

// Config is the complete configuration; each command reads its section.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Server    ServerConfig    `yaml:"server"`
	Desktop   DesktopConfig   `yaml:"desktop"`
	Viewer    ViewerConfig    `yaml:"viewer"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type LogConfig struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

// TLSConfig selects how the server terminates TLS.
type TLSConfig struct {
	Mode     string   `yaml:"mode"`
	Domains  []string `yaml:"domains"`
	CertFile string   `yaml:"cert_file"`
	KeyFile  string   `yaml:"key_file"`
}

// StreamConfig bounds the per-stream relay buffer.
type StreamConfig struct {
	Capacity     int           `yaml:"capacity"`
	MaxBytes     int64         `yaml:"max_bytes"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	MaxItemAge   time.Duration `yaml:"max_item_age"`
}

type ServerConfig struct {
	Addr                  string        `yaml:"addr"`
	DataDir               string        `yaml:"data_dir"`
	AdminToken            string        `yaml:"admin_token"`
	TrustProxy            bool          `yaml:"trust_proxy"`
	TLS                   TLSConfig     `yaml:"tls"`
	ConsentTimeout        time.Duration `yaml:"consent_timeout"`
	ReadyTimeout          time.Duration `yaml:"ready_timeout"`
	RecoveryGrace         time.Duration `yaml:"recovery_grace"`
	StreamWaitTimeout     time.Duration `yaml:"stream_wait_timeout"`
	EnforceAttendedAccess bool          `yaml:"enforce_attended_access"`
	CastRate              float64       `yaml:"cast_rate"`
	CastBurst             int           `yaml:"cast_burst"`
	Stream                StreamConfig  `yaml:"stream"`
}

type DesktopConfig struct {
	ServerURL        string `yaml:"server_url"`
	CACert           string `yaml:"ca_cert"`
	Unattended       bool   `yaml:"unattended"`
	SessionID        string `yaml:"session_id"`
	AccessKey        string `yaml:"access_key"`
	MachineName      string `yaml:"machine_name"`
	RequesterName    string `yaml:"requester_name"`
	OrganizationName string `yaml:"organization_name"`
	AutoConsent      bool          `yaml:"auto_consent"`
	ConsentTimeout   time.Duration `yaml:"consent_timeout"`
	TestPattern      bool          `yaml:"test_pattern"`
	ExitOnLastViewer bool          `yaml:"exit_on_last_viewer"`
	StateDir         string        `yaml:"state_dir"`
}

type ViewerConfig struct {
	ServerURL     string        `yaml:"server_url"`
	CACert        string        `yaml:"ca_cert"`
	SessionID     string        `yaml:"session_id"`
	AccessKey     string        `yaml:"access_key"`
	RequesterName string        `yaml:"requester_name"`
	SnapshotPath  string        `yaml:"snapshot_path"`
	SnapshotEvery time.Duration `yaml:"snapshot_every"`
}

// TelemetryConfig enables MQTT publishing of viewer metrics when
// MQTTBroker is set.
type TelemetryConfig struct {
	MQTTBroker   string `yaml:"mqtt_broker"`
	MQTTTopic    string `yaml:"mqtt_topic"`
	MQTTClientID string `yaml:"mqtt_client_id"`
	MQTTUsername string `yaml:"mqtt_username"`
	MQTTPassword string `yaml:"mqtt_password"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		Server: ServerConfig{
			Addr:              ":8080",
			DataDir:           "data",
			TLS:               TLSConfig{Mode: string(security.TLSModeOff)},
			ConsentTimeout:    45 * time.Second,
			ReadyTimeout:      30 * time.Second,
			RecoveryGrace:     60 * time.Second,
			StreamWaitTimeout: 30 * time.Second,
			CastRate:          2,
			CastBurst:         5,
			Stream: StreamConfig{
				Capacity:     512,
				MaxBytes:     8 << 20,
				WriteTimeout: 5 * time.Second,
				ReadTimeout:  30 * time.Second,
				MaxItemAge:   15 * time.Second,
			},
		},
		Desktop: DesktopConfig{
			ServerURL:      "ws://localhost:8080",
			ConsentTimeout: 45 * time.Second,
			StateDir:       ".",
		},
		Viewer: ViewerConfig{
			ServerURL:     "ws://localhost:8080",
			RequesterName: "viewer",
			SnapshotPath:  "snapshot.png",
			SnapshotEvery: 5 * time.Second,
		},
		Telemetry: TelemetryConfig{
			MQTTClientID: "remotecast",
		},
	}
}

// Load builds the configuration. An empty path skips the YAML file; a
// missing envFile is ignored.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	dotenv := map[string]string{}
	if envFile != "" {
		m, err := godotenv.Read(envFile)
		switch {
		case err == nil:
			dotenv = m
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("read %s: %w", envFile, err)
		}
	}

	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}
	if err := applyEnv(cfg, lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile decodes YAML strictly: unknown keys are an error.
func loadFile(path string, cfg *Config) error {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config format %q", ext)
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("strict config parse error: %w", err)
	}
	return nil
}

// Validate rejects settings the commands cannot run with.
func (c *Config) Validate() error {
	var errs []error
	positive := map[string]time.Duration{
		"server.consent_timeout":      c.Server.ConsentTimeout,
		"server.ready_timeout":        c.Server.ReadyTimeout,
		"server.recovery_grace":       c.Server.RecoveryGrace,
		"server.stream_wait_timeout":  c.Server.StreamWaitTimeout,
		"server.stream.write_timeout": c.Server.Stream.WriteTimeout,
		"server.stream.read_timeout":  c.Server.Stream.ReadTimeout,
		"desktop.consent_timeout":     c.Desktop.ConsentTimeout,
		"viewer.snapshot_every":       c.Viewer.SnapshotEvery,
	}
	for _, name := range sortedKeys(positive) {
		if positive[name] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if !security.TLSMode(c.Server.TLS.Mode).Valid() {
		errs = append(errs, fmt.Errorf("server.tls.mode %q is not one of off, self-signed, acme, custom", c.Server.TLS.Mode))
	}
	if c.Server.TLS.Mode == string(security.TLSModeCustom) && (c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "") {
		errs = append(errs, errors.New("server.tls.cert_file and key_file are required in custom mode"))
	}
	if c.Server.CastRate <= 0 || c.Server.CastBurst <= 0 {
		errs = append(errs, errors.New("server.cast_rate and cast_burst must be positive"))
	}
	if c.Server.Stream.Capacity <= 0 {
		errs = append(errs, errors.New("server.stream.capacity must be positive"))
	}
	return errors.Join(errs...)
}
