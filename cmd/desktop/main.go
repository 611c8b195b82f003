// Command desktop shares this machine's screen through the relay, either
// attended behind a one-time session code or unattended under a
// persistent identity.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/avaropoint/remotecast/internal/capture"
	"github.com/avaropoint/remotecast/internal/config"
	"github.com/avaropoint/remotecast/internal/desktop"
	"github.com/avaropoint/remotecast/internal/input"
	"github.com/avaropoint/remotecast/internal/log"
	"github.com/avaropoint/remotecast/internal/security"
	"github.com/avaropoint/remotecast/internal/telemetry"
	"github.com/avaropoint/remotecast/internal/version"
)

func main() {
	configPath := flag.String("config", "", "YAML configuration file")
	envFile := flag.String("env", ".env", "dotenv file with REMOTECAST_* overrides")
	serverURL := flag.String("server", "", "relay URL (overrides config)")
	unattended := flag.Bool("unattended", false, "register for unattended access")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if *serverURL != "" {
		cfg.Desktop.ServerURL = *serverURL
	}
	if *unattended {
		cfg.Desktop.Unattended = true
	}

	log.Configure(log.Config{Level: cfg.Log.Level, Service: "remotecast-desktop", Console: cfg.Log.Console})
	logger := log.WithComponent("desktop")
	logger.Info().
		Str("build_time", version.BuildTime).
		Str("os", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Str("server", cfg.Desktop.ServerURL).
		Msg("starting desktop")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error().Err(err).Msg("desktop stopped")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	dc := cfg.Desktop

	tlsCfg, err := security.ClientTLSConfig(dc.CACert)
	if err != nil {
		return err
	}

	opts := desktop.Options{
		ServerURL:        dc.ServerURL,
		TLS:              tlsCfg,
		Unattended:       dc.Unattended,
		MachineName:      desktop.MachineName(ctx, dc.MachineName),
		RequesterName:    dc.RequesterName,
		OrganizationName: dc.OrganizationName,
		NewCapture: func() capture.Adapter {
			return capture.New(capture.Options{ForceTestPattern: dc.TestPattern})
		},
		Injector:         input.New(),
		HostSessions:     desktop.HostSessions,
		Stream:           desktop.DefaultStreamOptions(),
		ExitOnLastViewer: dc.ExitOnLastViewer,
		OnSessionID: func(code string) {
			fmt.Printf("Session code: %s\n", code)
		},
		Logger: &logger,
	}

	if dc.Unattended {
		id, err := desktop.LoadOrCreateIdentity(dc.StateDir, dc.SessionID, dc.AccessKey)
		if err != nil {
			return fmt.Errorf("unattended identity: %w", err)
		}
		opts.Identity = id
		fmt.Printf("Unattended session: %s\nAccess key: %s\n", id.SessionID, id.AccessKey)
	}

	if dc.AutoConsent {
		opts.Consent = desktop.AutoConsent{Logger: logger}
	} else {
		opts.Consent = desktop.NewTerminalConsent(os.Stdin, os.Stdout, dc.ConsentTimeout)
	}

	reporters := telemetry.Multi{
		telemetry.PrometheusReporter{},
		telemetry.LogReporter{Logger: logger},
	}
	if tc := cfg.Telemetry; tc.MQTTBroker != "" {
		client, err := telemetry.ConnectMQTT(telemetry.MQTTOptions{
			BrokerURL: tc.MQTTBroker,
			ClientID:  tc.MQTTClientID,
			Username:  tc.MQTTUsername,
			Password:  tc.MQTTPassword,
			Logger:    logger,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("mqtt telemetry disabled")
		} else {
			defer client.Disconnect(250)
			reporters = append(reporters, telemetry.NewMQTTReporter(client, tc.MQTTTopic))
		}
	}
	opts.Reporter = reporters

	client, err := desktop.New(opts)
	if err != nil {
		return err
	}
	err = client.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
