// gostund -- STUN full-mode dispatch daemon (RFC 5389/3489/5780).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/gostun/gostun/internal/admin"
	"github.com/gostun/gostun/internal/config"
	stunmetrics "github.com/gostun/gostun/internal/metrics"
	"github.com/gostun/gostun/internal/server"
	appversion "github.com/gostun/gostun/internal/version"
)

// shutdownTimeout is the maximum time to wait for HTTP servers to drain
// active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		// Logger is not set up yet; use a temporary stderr logger.
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("gostund starting",
		slog.String("version", appversion.Version),
		slog.String("metrics_addr", cfg.Metrics.Addr),
		slog.String("admin_addr", cfg.Admin.Addr),
		slog.Bool("full_mode", cfg.Server.IsFullMode),
		slog.Bool("tcp", cfg.Server.TCP),
	)

	reg := prometheus.NewRegistry()
	collector := stunmetrics.NewCollector(reg)

	sup, err := newSupervisor(cfg.Server, logger, collector)
	if err != nil {
		logger.Error("failed to build server config", slog.String("error", err.Error()))
		return 1
	}

	if err := sup.Initialize(); err != nil {
		logger.Error("failed to initialize dispatch core", slog.String("error", err.Error()))
		return 1
	}

	if err := runServers(cfg, sup, reg, logger, *configPath, logLevel); err != nil {
		logger.Error("gostund exited with error", slog.String("error", err.Error()))
		_ = sup.Shutdown()
		return 1
	}

	logger.Info("gostund stopped")
	return 0
}

// runServers starts the dispatch core and the metrics/admin HTTP
// servers using an errgroup with signal-aware context for graceful
// shutdown.
func runServers(
	cfg *config.Config,
	sup *server.Supervisor,
	reg *prometheus.Registry,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
) error {
	if err := sup.Start(); err != nil {
		return fmt.Errorf("start dispatch core: %w", err)
	}

	metricsSrv := newMetricsServer(cfg.Metrics, reg)
	adminSrv := admin.NewServer(cfg.Admin.Addr)

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	startHTTPServers(gCtx, g, cfg, adminSrv, metricsSrv, logger)
	startDaemonGoroutines(gCtx, g, configPath, logLevel, logger)

	notifyReady(logger)

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, sup, logger, adminSrv, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

// startHTTPServers registers the admin and metrics HTTP server goroutines.
func startHTTPServers(
	ctx context.Context,
	g *errgroup.Group,
	cfg *config.Config,
	adminSrv *http.Server,
	metricsSrv *http.Server,
	logger *slog.Logger,
) {
	lc := net.ListenConfig{}

	g.Go(func() error {
		logger.Info("admin server listening", slog.String("addr", cfg.Admin.Addr))
		return listenAndServe(ctx, &lc, adminSrv, cfg.Admin.Addr)
	})

	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServe(ctx, &lc, metricsSrv, cfg.Metrics.Addr)
	})
}

// startDaemonGoroutines registers the watchdog and SIGHUP reload goroutines.
func startDaemonGoroutines(
	ctx context.Context,
	g *errgroup.Group,
	configPath string,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) {
	g.Go(func() error {
		return runWatchdog(ctx, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(ctx, sigHUP, configPath, logLevel, logger)
		return nil
	})
}

// -------------------------------------------------------------------------
// Systemd Integration — sd_notify + watchdog
// -------------------------------------------------------------------------

// notifyReady sends READY=1 to systemd, indicating the daemon has
// completed initialization and is ready to serve.
func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

// notifyStopping sends STOPPING=1 to systemd, indicating the daemon
// is beginning graceful shutdown.
func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// runWatchdog sends periodic watchdog keepalives to systemd. The
// interval is WatchdogSec/2 as recommended by the systemd
// documentation. If watchdog is not configured, the goroutine exits
// immediately.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog", slog.String("error", err.Error()))
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tickInterval),
	)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive", slog.String("error", wdErr.Error()))
			}
		}
	}
}

// -------------------------------------------------------------------------
// SIGHUP Reload — log level only
// -------------------------------------------------------------------------

// handleSIGHUP listens for SIGHUP and reloads the dynamic log level
// from a fresh read of the configuration file. The dispatch core is
// immutable after Initialize, so SIGHUP cannot change bound endpoints
// or the placement model without a restart; only the ambient log
// level is reloadable.
func handleSIGHUP(
	ctx context.Context,
	sigHUP <-chan os.Signal,
	configPath string,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading log level")
			reloadLogLevel(configPath, logLevel, logger)
		}
	}
}

func reloadLogLevel(configPath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	newCfg, err := loadConfig(configPath)
	if err != nil {
		logger.Error("failed to reload configuration, keeping current settings",
			slog.String("error", err.Error()))
		return
	}

	oldLevel := logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.Log.Level)
	logLevel.Set(newLevel)

	logger.Info("configuration reloaded",
		slog.String("old_log_level", oldLevel.String()),
		slog.String("new_log_level", newLevel.String()),
	)
}

// -------------------------------------------------------------------------
// Graceful Shutdown
// -------------------------------------------------------------------------

// gracefulShutdown performs an orderly shutdown: signals systemd,
// stops every dispatch loop and releases every socket, then drains
// the admin and metrics HTTP servers.
func gracefulShutdown(
	ctx context.Context,
	sup *server.Supervisor,
	logger *slog.Logger,
	servers ...*http.Server,
) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	var shutdownErr error
	if err := sup.Shutdown(); err != nil {
		shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown dispatch core: %w", err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
		}
	}
	return shutdownErr
}

// -------------------------------------------------------------------------
// Server Setup
// -------------------------------------------------------------------------

// listenAndServe creates a TCP listener using the ListenConfig (for
// noctx compliance) and serves HTTP requests until the server is shut
// down.
func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

// newMetricsServer creates an HTTP server for the Prometheus metrics endpoint.
func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// newSupervisor translates config.ServerConfig into server.Config,
// parsing every address field once at startup so a malformed value
// fails before any socket is touched.
func newSupervisor(cfg config.ServerConfig, logger *slog.Logger, collector *stunmetrics.Collector) (*server.Supervisor, error) {
	sc, err := buildServerConfig(cfg)
	if err != nil {
		return nil, err
	}
	return server.New(sc,
		server.WithLogger(logger),
		server.WithRecorder(collector),
	), nil
}

func buildServerConfig(cfg config.ServerConfig) (server.Config, error) {
	addrPP, err := netip.ParseAddrPort(cfg.AddrPP)
	if err != nil {
		return server.Config{}, fmt.Errorf("parse addr_pp: %w", err)
	}

	var addrPA, addrAP, addrAA netip.AddrPort
	if cfg.IsFullMode {
		if addrPA, err = netip.ParseAddrPort(cfg.AddrPA); err != nil {
			return server.Config{}, fmt.Errorf("parse addr_pa: %w", err)
		}
		if addrAP, err = netip.ParseAddrPort(cfg.AddrAP); err != nil {
			return server.Config{}, fmt.Errorf("parse addr_ap: %w", err)
		}
		if addrAA, err = netip.ParseAddrPort(cfg.AddrAA); err != nil {
			return server.Config{}, fmt.Errorf("parse addr_aa: %w", err)
		}
	}

	primaryAdvertised, err := netip.ParseAddr(cfg.AddrPrimaryAdvertised)
	if err != nil {
		return server.Config{}, fmt.Errorf("parse addr_primary_advertised: %w", err)
	}

	var alternateAdvertised netip.Addr
	if cfg.IsFullMode {
		if alternateAdvertised, err = netip.ParseAddr(cfg.AddrAlternateAdvertised); err != nil {
			return server.Config{}, fmt.Errorf("parse addr_alternate_advertised: %w", err)
		}
	}

	return server.Config{
		ThreadingPerSocket:      cfg.ThreadingPerSocket,
		MaxConnections:          cfg.MaxConnections,
		AddrPP:                  addrPP,
		AddrPA:                  addrPA,
		AddrAP:                  addrAP,
		AddrAA:                  addrAA,
		AddrPrimaryAdvertised:   primaryAdvertised,
		AddrAlternateAdvertised: alternateAdvertised,
		EnableDOSProtection:     cfg.EnableDOSProtection,
		ReuseAddr:               cfg.ReuseAddr,
		IsFullMode:              cfg.IsFullMode,
		TCP:                     cfg.TCP,
		RateLimitThreshold:      cfg.RateLimitThreshold,
		RateLimitWindow:         cfg.RateLimitWindow,
		RateLimitTrackedSources: cfg.RateLimitTrackedSources,
	}, nil
}

// loadConfig loads configuration from a file path or returns defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

// newLoggerWithLevel creates a structured logger using a shared
// LevelVar for dynamic log level changes via SIGHUP reload.
func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
