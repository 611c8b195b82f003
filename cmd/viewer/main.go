// Command viewer watches a shared desktop and writes the remote screen to
// a PNG snapshot file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/avaropoint/remotecast/internal/config"
	"github.com/avaropoint/remotecast/internal/log"
	"github.com/avaropoint/remotecast/internal/security"
	"github.com/avaropoint/remotecast/internal/version"
	"github.com/avaropoint/remotecast/internal/viewer"
)

func main() {
	configPath := flag.String("config", "", "YAML configuration file")
	envFile := flag.String("env", ".env", "dotenv file with REMOTECAST_* overrides")
	serverURL := flag.String("server", "", "relay URL (overrides config)")
	sessionID := flag.String("session", "", "session code or unattended session ID")
	accessKey := flag.String("key", "", "access key for unattended sessions")
	snapshot := flag.String("snapshot", "", "PNG snapshot path (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	vc := cfg.Viewer
	if *serverURL != "" {
		vc.ServerURL = *serverURL
	}
	if *sessionID != "" {
		vc.SessionID = *sessionID
	}
	if *accessKey != "" {
		vc.AccessKey = *accessKey
	}
	if *snapshot != "" {
		vc.SnapshotPath = *snapshot
	}

	log.Configure(log.Config{Level: cfg.Log.Level, Service: "remotecast-viewer", Console: cfg.Log.Console})
	logger := log.WithComponent("viewer")
	logger.Info().Str("build_time", version.BuildTime).Str("server", vc.ServerURL).Msg("starting viewer")

	tlsCfg, err := security.ClientTLSConfig(vc.CACert)
	if err != nil {
		logger.Error().Err(err).Msg("tls")
		os.Exit(1)
	}

	client, err := viewer.New(viewer.Options{
		ServerURL:     vc.ServerURL,
		TLS:           tlsCfg,
		SessionID:     vc.SessionID,
		AccessKey:     vc.AccessKey,
		RequesterName: vc.RequesterName,
		SnapshotPath:  vc.SnapshotPath,
		SnapshotEvery: vc.SnapshotEvery,
		Logger:        &logger,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = client.Run(ctx)
	stats := client.Stats()
	logger.Info().
		Int("frames", stats.Frames).
		Str("machine", stats.Screen.MachineName).
		Msg("viewer stopped")
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("session failed")
		os.Exit(1)
	}
}
