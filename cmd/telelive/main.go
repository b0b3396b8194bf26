package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/teleai/telelive/internal/bus"
	"github.com/teleai/telelive/internal/call"
	"github.com/teleai/telelive/internal/chat"
	"github.com/teleai/telelive/internal/config"
	"github.com/teleai/telelive/internal/health"
	"github.com/teleai/telelive/internal/logging"
	"github.com/teleai/telelive/internal/logring"
	"github.com/teleai/telelive/internal/metrics"
	"github.com/teleai/telelive/internal/presence"
	"github.com/teleai/telelive/internal/registry"
	"github.com/teleai/telelive/internal/security"
	"github.com/teleai/telelive/internal/session"
	"github.com/teleai/telelive/internal/setup"
	"github.com/teleai/telelive/internal/store"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "telelive",
		Short: "Real-time event server for the messenger: chat fan-out, presence, call signaling",
	}

	var configPath string
	var verbose bool
	var memoryStore bool

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the live event server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(configPath, verbose, memoryStore)
		},
	}
	startCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	startCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	startCmd.Flags().BoolVar(&memoryStore, "memory", false, "Use the in-memory store (ephemeral, for development)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version and build info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("telelive %s\n", Version)
			fmt.Printf("  Build time: %s\n", BuildTime)
			fmt.Printf("  Git commit: %s\n", GitCommit)
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate config without starting",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("config validation failed: %w", err)
			}
			fmt.Printf("Configuration is valid.\n")
			fmt.Printf("  Listen: %s\n", cfg.Server.ListenAddress)
			fmt.Printf("  Path: %s\n", cfg.Server.Path)
			fmt.Printf("  Storage: %s\n", storageLabel(cfg))
			fmt.Printf("  Health: %s\n", cfg.Health.ListenAddress)
			return nil
		},
	}
	validateCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check health (exit 0 if healthy, 1 if not)",
		RunE: func(cmd *cobra.Command, args []string) error {
			url, _ := cmd.Flags().GetString("url")
			return checkHealth(url)
		},
	}
	healthCmd.Flags().String("url", "http://127.0.0.1:8081/health", "Health endpoint URL")

	systemdCmd := &cobra.Command{
		Use:   "systemd",
		Short: "Generate systemd service file",
		RunE: func(cmd *cobra.Command, args []string) error {
			printFlag, _ := cmd.Flags().GetBool("print")
			if printFlag {
				printSystemdUnit()
			}
			return nil
		},
	}
	systemdCmd.Flags().Bool("print", false, "Print systemd unit to stdout")

	setupCmd := &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return setup.RunWizard(os.Stdin, os.Stdout, setup.WizardOptions{})
		},
	}

	rootCmd.AddCommand(startCmd, versionCmd, validateCmd, healthCmd, systemdCmd, setupCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func storageLabel(cfg *config.Config) string {
	if cfg.Storage.Memory {
		return "memory"
	}
	return cfg.Storage.Path
}

func runServer(configPath string, verbose, memoryStore bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if verbose {
		cfg.Logging.Level = "debug"
	}
	if memoryStore {
		cfg.Storage.Memory = true
	}

	// Set up logging with ring capture for the health endpoint.
	var ring *logring.RingBuffer
	if cfg.Logging.RingSize > 0 {
		ring = logring.NewRingBuffer(cfg.Logging.RingSize)
	}
	lj := logging.Setup(cfg.Logging, ring)
	if lj != nil {
		defer lj.Close()
	}

	slog.Info("starting telelive",
		"version", Version,
		"listen", cfg.Server.ListenAddress,
		"path", cfg.Server.Path,
		"storage", storageLabel(cfg),
		"health", cfg.Health.ListenAddress,
	)

	// Storage
	var st store.Store
	if cfg.Storage.Memory {
		st = store.NewMemory()
		slog.Warn("using in-memory store, all data is lost on restart")
	} else {
		sqlStore, err := store.OpenSQLite(cfg.Storage.Path)
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		defer sqlStore.Close()
		st = sqlStore
	}

	// Optional Prometheus metrics
	var m *metrics.Metrics
	if cfg.Monitoring.MetricsEnabled {
		m = metrics.New()
		slog.Info("prometheus metrics enabled", "endpoint", cfg.Monitoring.MetricsEndpoint)
	}

	// Connection-attempt rate limiter (per client IP)
	var rl *security.RateLimiter
	if cfg.Security.RateLimit.Enabled {
		r := rate.Limit(float64(cfg.Security.RateLimit.ConnectionsPerMinute) / 60.0)
		rl = security.NewRateLimiter(r, cfg.Security.RateLimit.ConnectionsPerMinute)
		defer rl.Stop()
		slog.Info("rate limiting enabled",
			"connections_per_minute", cfg.Security.RateLimit.ConnectionsPerMinute,
			"messages_per_second", cfg.Security.RateLimit.MessagesPerSecond,
		)
	}

	// Core wiring: registry → bus → processors → session handler.
	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	reg := registry.New()
	b := bus.New(reg, st, cfg.Server.WriteTimeout)
	b.Metrics = m

	processor := chat.NewProcessor(st, b)
	processor.Metrics = m

	calls := call.NewManager(st, b)
	calls.Metrics = m
	calls.RingTimeout = cfg.Call.RingTimeout

	tracker := session.NewTracker()
	pres := presence.NewTracker(st, b)
	handler := session.NewHandler(cfg, reg, tracker, processor, calls, pres, rl, shutdownCtx)
	handler.Metrics = m

	mux := http.NewServeMux()
	mux.Handle(cfg.Server.Path, handler)

	eventServer := &http.Server{
		Addr:    cfg.Server.ListenAddress,
		Handler: mux,
	}

	// Health server on a separate localhost listener
	var healthServer *http.Server
	if cfg.Health.Enabled {
		healthHandler := health.NewHandler(reg, tracker, calls, Version, cfg.Health.Detailed)
		if ring != nil {
			healthHandler.SetLogRing(ring)
		}
		healthMux := http.NewServeMux()
		healthMux.Handle(cfg.Health.Endpoint, healthHandler)

		if cfg.Monitoring.MetricsEnabled {
			healthMux.Handle(cfg.Monitoring.MetricsEndpoint, promhttp.Handler())
		}

		healthServer = &http.Server{
			Addr:    cfg.Health.ListenAddress,
			Handler: healthMux,
		}
	}

	if healthServer != nil {
		go func() {
			slog.Info("health endpoint listening", "address", cfg.Health.ListenAddress)
			if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("health server error", "error", err)
			}
		}()
	}

	go func() {
		slog.Info("event server listening", "address", cfg.Server.ListenAddress)
		var err error
		if cfg.Server.TLS.Enabled {
			err = eventServer.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			err = eventServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			slog.Error("event server error", "error", err)
		}
	}()

	// Notify systemd that we're ready
	daemon.SdNotify(false, daemon.SdNotifyReady)

	// Start watchdog heartbeat (send every 15s for 30s WatchdogSec)
	watchdogCtx, watchdogCancel := context.WithCancel(context.Background())
	defer watchdogCancel()
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sent, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog)
				if err != nil {
					slog.Warn("failed to notify watchdog", "error", err)
				} else if sent {
					slog.Debug("watchdog keepalive sent")
				}
			case <-watchdogCtx.Done():
				return
			}
		}
	}()

	// Signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	for sig := range sigChan {
		switch sig {
		case syscall.SIGHUP:
			slog.Info("received SIGHUP, reloading config")
			newCfg, err := config.Load(configPath)
			if err != nil {
				slog.Error("config reload failed", "error", err)
				continue
			}

			warnings := config.IsReloadSafe(cfg, newCfg)
			for _, w := range warnings {
				slog.Warn("config reload warning", "warning", w)
			}

			cfg.ApplyReloadableFields(newCfg)
			handler.UpdateConfig(cfg)
			calls.RingTimeout = cfg.Call.RingTimeout

			if cfg.Security.RateLimit.Enabled && rl != nil {
				r := rate.Limit(float64(cfg.Security.RateLimit.ConnectionsPerMinute) / 60.0)
				rl.UpdateRate(r, cfg.Security.RateLimit.ConnectionsPerMinute)
			}

			logging.Setup(cfg.Logging, ring)
			slog.Info("config reloaded successfully")

		case syscall.SIGTERM, syscall.SIGINT:
			slog.Info("received shutdown signal, draining sessions",
				"signal", sig.String(),
				"drain_timeout", cfg.Server.DrainTimeout.String(),
			)

			watchdogCancel()
			daemon.SdNotify(false, daemon.SdNotifyStopping)

			// Close frames go out to every session, then listeners stop.
			handler.StartDrain()

			ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.DrainTimeout)
			defer cancel()

			var wg sync.WaitGroup
			if healthServer != nil {
				wg.Add(1)
				go func() {
					defer wg.Done()
					healthServer.Shutdown(ctx)
				}()
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				eventServer.Shutdown(ctx)
			}()
			wg.Wait()

			shutdownCancel()
			slog.Info("shutdown complete")
			return nil
		}
	}

	return nil
}

func checkHealth(url string) error {
	resp, err := http.Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		fmt.Println("healthy")
		return nil
	}
	fmt.Fprintf(os.Stderr, "unhealthy (status: %d)\n", resp.StatusCode)
	os.Exit(1)
	return nil
}

func printSystemdUnit() {
	fmt.Print(`[Unit]
Description=telelive - Messenger live event server
After=network-online.target
Wants=network-online.target

[Service]
Type=notify
User=telelive
Group=telelive
ExecStartPre=/usr/local/bin/telelive validate --config /etc/telelive/config.yaml
ExecStart=/usr/local/bin/telelive start --config /etc/telelive/config.yaml
ExecReload=/bin/kill -HUP $MAINPID
Restart=on-failure
RestartSec=5s
WatchdogSec=30s

# Security hardening
ProtectSystem=strict
ProtectHome=true
NoNewPrivileges=true
PrivateTmp=true
ReadOnlyPaths=/etc/telelive
LogsDirectory=telelive
StateDirectory=telelive
LimitNOFILE=65535

# Logging
StandardOutput=journal
StandardError=journal
SyslogIdentifier=telelive

[Install]
WantedBy=multi-user.target
`)
}
