// Command server runs the relay that pairs desktops sharing their screen
// with the viewers watching them.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/avaropoint/remotecast/internal/config"
	"github.com/avaropoint/remotecast/internal/log"
	"github.com/avaropoint/remotecast/internal/security"
	"github.com/avaropoint/remotecast/internal/store"
	"github.com/avaropoint/remotecast/internal/version"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
)

func main() {
	configPath := flag.String("config", "", "YAML configuration file")
	envFile := flag.String("env", ".env", "dotenv file with REMOTECAST_* overrides")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log.Configure(log.Config{Level: cfg.Log.Level, Service: "remotecast-server", Console: cfg.Log.Console})
	logger := log.WithComponent("server")
	logger.Info().Str("build_time", version.BuildTime).Msg("starting relay")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg.Server, logger); err != nil {
		logger.Error().Err(err).Msg("relay stopped")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger zerolog.Logger) error {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	db, err := store.NewSQLiteStore(filepath.Join(cfg.DataDir, "remotecast.db"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	platform, err := security.LoadOrCreatePlatform(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("platform key: %w", err)
	}
	logger.Info().Str("fingerprint", platform.Fingerprint()).Msg("platform key loaded")

	tlsResult, err := security.SetupTLS(security.TLSOptions{
		Mode:     security.TLSMode(cfg.TLS.Mode),
		DataDir:  cfg.DataDir,
		Domains:  cfg.TLS.Domains,
		CertFile: cfg.TLS.CertFile,
		KeyFile:  cfg.TLS.KeyFile,
	})
	if err != nil {
		return fmt.Errorf("tls: %w", err)
	}

	srv := NewServer(cfg, db, platform, logger)
	defer srv.Close()

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	servers := []*http.Server{httpServer}
	if tlsResult != nil {
		httpServer.TLSConfig = tlsResult.Config
		if tlsResult.ACMEManager != nil {
			servers = append(servers, &http.Server{
				Addr:              ":80",
				Handler:           tlsResult.ChallengeHandler(nil),
				ReadHeaderTimeout: readHeaderTimeout,
			})
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	for i, hs := range servers {
		useTLS := i == 0 && tlsResult != nil
		g.Go(func() error {
			logger.Info().Str("addr", hs.Addr).Bool("tls", useTLS).Msg("listening")
			var err error
			if useTLS {
				err = hs.ListenAndServeTLS("", "")
			} else {
				err = hs.ListenAndServe()
			}
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
	}
	g.Go(func() error {
		srv.RunMaintenance(ctx)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("shutting down")
		srv.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, hs := range servers {
			if err := hs.Shutdown(shutdownCtx); err != nil {
				hs.Close()
			}
		}
		return nil
	})
	return g.Wait()
}
