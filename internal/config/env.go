package config

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

type lookupFunc func(key string) (string, bool)

// binding ties one REMOTECAST_* variable to a field.
type binding struct {
	key string
	set func(raw string) error
}

func str(p *string) func(string) error {
	return func(raw string) error { *p = raw; return nil }
}

func boolean(p *bool) func(string) error {
	return func(raw string) error {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		*p = v
		return nil
	}
}

func integer(p *int) func(string) error {
	return func(raw string) error {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return err
		}
		*p = v
		return nil
	}
}

func integer64(p *int64) func(string) error {
	return func(raw string) error {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		*p = v
		return nil
	}
}

func float(p *float64) func(string) error {
	return func(raw string) error {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		*p = v
		return nil
	}
}

func duration(p *time.Duration) func(string) error {
	return func(raw string) error {
		v, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		*p = v
		return nil
	}
}

func list(p *[]string) func(string) error {
	return func(raw string) error {
		var out []string
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		*p = out
		return nil
	}
}

func (c *Config) bindings() []binding {
	return []binding{
		{"LOG_LEVEL", str(&c.Log.Level)},
		{"LOG_CONSOLE", boolean(&c.Log.Console)},

		{"SERVER_ADDR", str(&c.Server.Addr)},
		{"SERVER_DATA_DIR", str(&c.Server.DataDir)},
		{"SERVER_ADMIN_TOKEN", str(&c.Server.AdminToken)},
		{"SERVER_TRUST_PROXY", boolean(&c.Server.TrustProxy)},
		{"SERVER_TLS_MODE", str(&c.Server.TLS.Mode)},
		{"SERVER_TLS_DOMAINS", list(&c.Server.TLS.Domains)},
		{"SERVER_TLS_CERT_FILE", str(&c.Server.TLS.CertFile)},
		{"SERVER_TLS_KEY_FILE", str(&c.Server.TLS.KeyFile)},
		{"SERVER_CONSENT_TIMEOUT", duration(&c.Server.ConsentTimeout)},
		{"SERVER_READY_TIMEOUT", duration(&c.Server.ReadyTimeout)},
		{"SERVER_RECOVERY_GRACE", duration(&c.Server.RecoveryGrace)},
		{"SERVER_STREAM_WAIT_TIMEOUT", duration(&c.Server.StreamWaitTimeout)},
		{"SERVER_ENFORCE_ATTENDED_ACCESS", boolean(&c.Server.EnforceAttendedAccess)},
		{"SERVER_CAST_RATE", float(&c.Server.CastRate)},
		{"SERVER_CAST_BURST", integer(&c.Server.CastBurst)},
		{"SERVER_STREAM_CAPACITY", integer(&c.Server.Stream.Capacity)},
		{"SERVER_STREAM_MAX_BYTES", integer64(&c.Server.Stream.MaxBytes)},
		{"SERVER_STREAM_WRITE_TIMEOUT", duration(&c.Server.Stream.WriteTimeout)},
		{"SERVER_STREAM_READ_TIMEOUT", duration(&c.Server.Stream.ReadTimeout)},
		{"SERVER_STREAM_MAX_ITEM_AGE", duration(&c.Server.Stream.MaxItemAge)},

		{"DESKTOP_SERVER_URL", str(&c.Desktop.ServerURL)},
		{"DESKTOP_CA_CERT", str(&c.Desktop.CACert)},
		{"DESKTOP_UNATTENDED", boolean(&c.Desktop.Unattended)},
		{"DESKTOP_SESSION_ID", str(&c.Desktop.SessionID)},
		{"DESKTOP_ACCESS_KEY", str(&c.Desktop.AccessKey)},
		{"DESKTOP_MACHINE_NAME", str(&c.Desktop.MachineName)},
		{"DESKTOP_REQUESTER_NAME", str(&c.Desktop.RequesterName)},
		{"DESKTOP_ORGANIZATION_NAME", str(&c.Desktop.OrganizationName)},
		{"DESKTOP_AUTO_CONSENT", boolean(&c.Desktop.AutoConsent)},
		{"DESKTOP_CONSENT_TIMEOUT", duration(&c.Desktop.ConsentTimeout)},
		{"DESKTOP_TEST_PATTERN", boolean(&c.Desktop.TestPattern)},
		{"DESKTOP_EXIT_ON_LAST_VIEWER", boolean(&c.Desktop.ExitOnLastViewer)},
		{"DESKTOP_STATE_DIR", str(&c.Desktop.StateDir)},

		{"VIEWER_SERVER_URL", str(&c.Viewer.ServerURL)},
		{"VIEWER_CA_CERT", str(&c.Viewer.CACert)},
		{"VIEWER_SESSION_ID", str(&c.Viewer.SessionID)},
		{"VIEWER_ACCESS_KEY", str(&c.Viewer.AccessKey)},
		{"VIEWER_REQUESTER_NAME", str(&c.Viewer.RequesterName)},
		{"VIEWER_SNAPSHOT_PATH", str(&c.Viewer.SnapshotPath)},
		{"VIEWER_SNAPSHOT_EVERY", duration(&c.Viewer.SnapshotEvery)},

		{"TELEMETRY_MQTT_BROKER", str(&c.Telemetry.MQTTBroker)},
		{"TELEMETRY_MQTT_TOPIC", str(&c.Telemetry.MQTTTopic)},
		{"TELEMETRY_MQTT_CLIENT_ID", str(&c.Telemetry.MQTTClientID)},
		{"TELEMETRY_MQTT_USERNAME", str(&c.Telemetry.MQTTUsername)},
		{"TELEMETRY_MQTT_PASSWORD", str(&c.Telemetry.MQTTPassword)},
	}
}

// applyEnv overrides fields from REMOTECAST_* variables. Empty values
// are ignored.
func applyEnv(c *Config, lookup lookupFunc) error {
	var errs []error
	for _, b := range c.bindings() {
		raw, ok := lookup(EnvPrefix + b.key)
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		if err := b.set(strings.TrimSpace(raw)); err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, b.key, err))
		}
	}
	return errors.Join(errs...)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
