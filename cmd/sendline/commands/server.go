package commands

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/busybox42/sendline/internal/api"
	"github.com/busybox42/sendline/internal/cluster"
	"github.com/busybox42/sendline/internal/config"
	"github.com/busybox42/sendline/internal/logging"
	"github.com/busybox42/sendline/internal/metrics"
	"github.com/busybox42/sendline/internal/queue"
	"github.com/busybox42/sendline/internal/relay"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the delivery engine",
	Long: `Start the delivery workers against the configured queue, together with
the metrics endpoint, the admin API and, when enabled, the relay server.`,
	RunE: runServer,
}

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run a relay node",
	Long: `Accept jobs from peer nodes over HTTP and deliver them with this node's
identities. A relay node does not consume the queue and does not forward
jobs to other relays.`,
	RunE: runRelay,
}

func init() {
	serverCmd.Flags().Bool("api", false, "enable the admin API (overrides config)")
	serverCmd.Flags().String("profile", "", "delivery profile (overrides config)")
	serverCmd.Flags().Int("workers", 0, "number of delivery workers (overrides profile)")
	serverCmd.Flags().String("hostname", "", "server hostname (overrides config)")

	relayCmd.Flags().String("listen", "", "relay listen address (overrides config)")
	relayCmd.Flags().String("hostname", "", "server hostname (overrides config)")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(relayCmd)
}

// overridden returns a copy of the loaded configuration with flag overrides applied
func overridden(cmd *cobra.Command) (*config.Config, error) {
	c := *cfg
	if hostname, _ := cmd.Flags().GetString("hostname"); hostname != "" {
		c.Server.Hostname = hostname
	}
	if cmd.Flags().Lookup("profile") != nil {
		if profile, _ := cmd.Flags().GetString("profile"); profile != "" {
			if _, ok := config.LookupProfile(profile); !ok {
				return nil, fmt.Errorf("unknown profile %q, expected one of %v", profile, config.ProfileNames())
			}
			c.Delivery.Profile = profile
		}
	}
	if cmd.Flags().Lookup("workers") != nil {
		if workers, _ := cmd.Flags().GetInt("workers"); workers > 0 {
			c.Delivery.Workers = workers
		}
	}
	return &c, nil
}

func runServer(cmd *cobra.Command, args []string) error {
	c, err := overridden(cmd)
	if err != nil {
		return err
	}
	if enabled, _ := cmd.Flags().GetBool("api"); enabled {
		c.API.Enabled = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	logger := slog.Default().With("component", "server")

	a, err := newApp(ctx, c, appOptions{queue: true, metrics: true, role: cluster.RoleServer})
	if err != nil {
		return err
	}
	defer a.Close()

	go a.runRollover(ctx)
	go a.pool.RunEvictor(ctx, c.Pool.EvictInterval.Duration)

	profile := c.EffectiveProfile()
	workers := queue.NewWorkerPool(queue.WorkerPoolConfigFromConfig(c), a.queue, a.control, a.executor, slog.Default())
	if err := workers.Start(); err != nil {
		return fmt.Errorf("failed to start workers: %w", err)
	}
	defer workers.Stop()
	logger.Info("Delivery workers started",
		"profile", profile.Name,
		"workers", profile.Workers,
		"rate_per_second", profile.RatePerSecond,
		"queue", c.Queue.Backend)

	var metricsServer *http.Server
	if a.metrics != nil {
		sampler := a.sampler()
		sampler.Add(func(ctx context.Context, m *metrics.Metrics) error {
			open := 0.0
			if workers.BreakerOpen() {
				open = 1
			}
			m.WorkerBreakerOpen.Set(open)
			return nil
		})
		go sampler.Run(ctx, 15*time.Second)
		metricsServer = metrics.StartServer(c.Metrics.Listen, a.metrics.Handler())
	}

	var relayServer *relay.Server
	if c.Relay.Server.Enabled {
		relayServer = relay.NewServer(c.Relay.Secret, a.executor, a.registry.Capacity, c.Delivery.MaxAttempts)
		if err := relayServer.Start(c.Relay.Server.Listen); err != nil {
			return err
		}
	}

	var apiServer *api.Server
	if c.API.Enabled {
		deps := api.Deps{
			Identities:   a.registry,
			Suppressions: a.suppressions,
			Queue:        a.queue,
			Control:      a.control,
			Tracker:      a.tracker,
			Workers:      workers,
			Pool:         a.pool,
			MaxAttempts:  c.Delivery.MaxAttempts,
			Version:      versionInfo.version,
		}
		if a.history != nil {
			deps.History = a.history
		}
		if a.relays != nil {
			deps.Relays = a.relays
		}
		if a.cluster != nil {
			deps.Cluster = a.cluster
		}
		apiServer, err = api.NewServer(c.API, deps)
		if err != nil {
			return fmt.Errorf("failed to create admin API: %w", err)
		}
		if err := apiServer.Start(); err != nil {
			return err
		}
	}

	logger.Info("sendline started", "hostname", c.Server.Hostname, "config_version", holder.Current().Version)
	waitForShutdown(ctx, logger)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("Error stopping admin API", "error", err)
		}
	}
	if relayServer != nil {
		if err := relayServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping relay server", "error", err)
		}
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error stopping metrics server", "error", err)
		}
	}
	logger.Info("Shutdown complete", "stats", a.tracker.GetStats())
	return nil
}

func runRelay(cmd *cobra.Command, args []string) error {
	c, err := overridden(cmd)
	if err != nil {
		return err
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		c.Relay.Server.Listen = listen
	}
	if c.Relay.Secret == "" {
		return fmt.Errorf("relay.secret must be set to run a relay node")
	}
	c.Relay.Endpoints = nil

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	logger := slog.Default().With("component", "relay-node")

	a, err := newApp(ctx, c, appOptions{metrics: true, role: cluster.RoleRelay})
	if err != nil {
		return err
	}
	defer a.Close()

	go a.runRollover(ctx)
	go a.pool.RunEvictor(ctx, c.Pool.EvictInterval.Duration)

	var metricsServer *http.Server
	if a.metrics != nil {
		go a.sampler().Run(ctx, 15*time.Second)
		metricsServer = metrics.StartServer(c.Metrics.Listen, a.metrics.Handler())
	}

	server := relay.NewServer(c.Relay.Secret, a.executor, a.registry.Capacity, c.Delivery.MaxAttempts)
	if err := server.Start(c.Relay.Server.Listen); err != nil {
		return err
	}

	waitForShutdown(ctx, logger)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping relay server", "error", err)
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error stopping metrics server", "error", err)
		}
	}
	return nil
}

// waitForShutdown blocks until ctx is done. SIGHUP reloads the configuration;
// only the log level applies without a restart.
func waitForShutdown(ctx context.Context, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			logger.Info("Shutting down")
			return
		case <-hup:
			changed, err := holder.Reload()
			if err != nil {
				logger.Error("Configuration reload failed", "error", err)
				continue
			}
			if !changed {
				logger.Info("Configuration unchanged")
				continue
			}
			next := holder.Current().Config
			if level, err := logging.StringToLevel(next.Logging.Level); err == nil {
				logging.GetLevelManager().SetLevel(level)
			}
			logger.Warn("Configuration reloaded; settings other than logging.level apply on restart",
				"version", holder.Current().Version)
		}
	}
}
