package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 45*time.Second, cfg.Server.ConsentTimeout)
	assert.Equal(t, cfg.Server.ConsentTimeout, cfg.Desktop.ConsentTimeout, "the desktop gives up when the relay does")
	assert.Equal(t, 30*time.Second, cfg.Server.ReadyTimeout)
	assert.Equal(t, 512, cfg.Server.Stream.Capacity)
	assert.Equal(t, int64(8<<20), cfg.Server.Stream.MaxBytes)
}

func TestLoad_YAMLThenDotenvThenEnv(t *testing.T) {
	yamlPath := writeFile(t, "remotecast.yaml", `
server:
  addr: ":9443"
  consent_timeout: 20s
  tls:
    mode: self-signed
desktop:
  unattended: true
  machine_name: build-01
`)
	envPath := writeFile(t, ".env", `
REMOTECAST_SERVER_ADDR=:7000
REMOTECAST_DESKTOP_MACHINE_NAME=from-dotenv
REMOTECAST_SERVER_TLS_DOMAINS=a.example.com, b.example.com
`)
	t.Setenv("REMOTECAST_SERVER_ADDR", ":6000")

	cfg, err := Load(yamlPath, envPath)
	require.NoError(t, err)

	assert.Equal(t, ":6000", cfg.Server.Addr, "process environment wins over .env")
	assert.Equal(t, "from-dotenv", cfg.Desktop.MachineName, ".env wins over YAML")
	assert.Equal(t, 20*time.Second, cfg.Server.ConsentTimeout)
	assert.Equal(t, "self-signed", cfg.Server.TLS.Mode)
	assert.Equal(t, []string{"a.example.com", "b.example.com"}, cfg.Server.TLS.Domains)
	assert.True(t, cfg.Desktop.Unattended)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadyTimeout, "untouched defaults survive")
}

func TestLoad_RejectsUnknownKeys(t *testing.T) {
	path := writeFile(t, "bad.yaml", "server:\n  adress: \":1\"\n")
	_, err := Load(path, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "strict config parse error")
}

func TestLoad_MissingEnvFileIgnored(t *testing.T) {
	cfg, err := Load("", filepath.Join(t.TempDir(), "absent.env"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
}

func TestLoad_BadEnvValue(t *testing.T) {
	t.Setenv("REMOTECAST_SERVER_READY_TIMEOUT", "soon")
	_, err := Load("", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REMOTECAST_SERVER_READY_TIMEOUT")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero consent", func(c *Config) { c.Server.ConsentTimeout = 0 }, "server.consent_timeout"},
		{"negative ready", func(c *Config) { c.Server.ReadyTimeout = -time.Second }, "server.ready_timeout"},
		{"unknown tls", func(c *Config) { c.Server.TLS.Mode = "sometimes" }, "server.tls.mode"},
		{"custom without files", func(c *Config) { c.Server.TLS.Mode = "custom" }, "cert_file"},
		{"no rate", func(c *Config) { c.Server.CastRate = 0 }, "cast_rate"},
		{"no capacity", func(c *Config) { c.Server.Stream.Capacity = 0 }, "capacity"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_UnsupportedExtension(t *testing.T) {
	path := writeFile(t, "config.json", "{}")
	_, err := Load(path, "")
	assert.ErrorContains(t, err, "unsupported config format")
}
