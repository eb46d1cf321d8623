package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"oauthrelay/internal/authweb"
	"oauthrelay/internal/config"
	"oauthrelay/internal/instrumentation"
	"oauthrelay/internal/logging"
	"oauthrelay/internal/proxy"
	"oauthrelay/internal/server"
	"oauthrelay/internal/token"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	var (
		configPath  string
		logFormat   string
		logLevel    string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the SMTP proxy listeners and the authorization endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath, logFormat, logLevel, metricsAddr)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "oauthrelay.toml", "Path to the TOML configuration file")
	cmd.Flags().StringVar(&logFormat, "log-format", "text", "Log format (text or json)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Metrics listen address (overrides config; empty uses config)")

	return cmd
}

func runServe(configPath, logFormat, logLevel, metricsAddr string) error {
	if err := logging.Setup(logFormat, logLevel); err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if metricsAddr == "" {
		metricsAddr = cfg.Metrics.Addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := instrumentation.NewProvider(ctx, instrumentation.Config{
		Enabled:        metricsAddr != "",
		ServiceName:    "oauthrelay",
		ServiceVersion: version,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			slog.Warn("instrumentation shutdown failed", logging.Err(err))
		}
	}()
	metrics := provider.Metrics()

	registry := token.NewRegistry(cfg)
	for _, name := range registry.Names() {
		store, _ := registry.Get(name)
		serverName := name
		store.SetObserver(func(grant, result string, duration time.Duration) {
			metrics.RecordTokenExchange(context.Background(), serverName, grant, result, duration)
		})
	}

	// Authorization web endpoint, one per process.
	web := authweb.New(cfg.HTTPPort, registry)
	go func() {
		if err := web.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("authorization endpoint failed", logging.Err(err))
			stop()
		}
	}()

	var metricsServer *server.MetricsServer
	if metricsAddr != "" {
		metricsServer, err = server.NewMetricsServer(metricsAddr, provider)
		if err != nil {
			return err
		}
		go func() {
			if err := metricsServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", logging.Err(err))
			}
		}()
	}

	// One SMTP listener per configured server. A bind failure at
	// startup aborts; a later accept failure kills only its listener.
	listeners := make([]*proxy.Listener, 0, len(cfg.Servers))
	for name, srv := range cfg.Servers {
		store, _ := registry.Get(name)
		l := proxy.NewListener(name, srv, store, metrics)
		if err := l.Listen(); err != nil {
			closeListeners(listeners)
			return err
		}
		listeners = append(listeners, l)

		serverName := name
		go func() {
			if err := l.Serve(ctx); err != nil {
				slog.Error("listener terminated", logging.Server(serverName), logging.Err(err))
			}
		}()
	}

	slog.Info("oauthrelay running",
		slog.Int("servers", len(cfg.Servers)),
		slog.Int("http_port", cfg.HTTPPort))

	<-ctx.Done()
	slog.Info("shutting down")

	closeListeners(listeners)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := web.Shutdown(shutdownCtx); err != nil {
		slog.Warn("authorization endpoint shutdown failed", logging.Err(err))
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("metrics server shutdown failed", logging.Err(err))
		}
	}
	return nil
}

func closeListeners(listeners []*proxy.Listener) {
	for _, l := range listeners {
		if err := l.Close(); err != nil {
			slog.Warn("listener close failed", logging.Err(err))
		}
	}
}
