package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nodenexus/nodenexus/pkg/agentconfig"
	"github.com/nodenexus/nodenexus/pkg/aggregate"
	"github.com/nodenexus/nodenexus/pkg/alert"
	"github.com/nodenexus/nodenexus/pkg/batch"
	"github.com/nodenexus/nodenexus/pkg/broadcast"
	"github.com/nodenexus/nodenexus/pkg/cache"
	"github.com/nodenexus/nodenexus/pkg/ingest"
	"github.com/nodenexus/nodenexus/pkg/log"
	"github.com/nodenexus/nodenexus/pkg/metrics"
	"github.com/nodenexus/nodenexus/pkg/monitor"
	"github.com/nodenexus/nodenexus/pkg/notify"
	"github.com/nodenexus/nodenexus/pkg/renewal"
	"github.com/nodenexus/nodenexus/pkg/security"
	"github.com/nodenexus/nodenexus/pkg/server"
	"github.com/nodenexus/nodenexus/pkg/session"
	"github.com/nodenexus/nodenexus/pkg/storage"
	"github.com/nodenexus/nodenexus/pkg/traffic"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "nodenexus-server",
	Short: "NodeNexus - fleet telemetry and remote control server",
	Long: `NodeNexus supervises a fleet of agents over a bidirectional framed
protocol: it ingests performance telemetry, runs service monitors and
alert rules, executes batch commands and publishes live state over
WebSocket push feeds.`,
	Version: Version,
	RunE:    runServer,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"NodeNexus server version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	flags := rootCmd.Flags()
	flags.String("http-addr", ":8008", "HTTP listen address (REST API + WebSocket)")
	flags.String("grpc-addr", ":50051", "gRPC listen address (agent streams)")
	flags.String("data-dir", "data", "directory for the SQLite database")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-file", "logs/server.log", "server log file (empty disables file logging)")
	flags.String("rollup-schedule", "@hourly", "cron spec for the metrics rollup")
	flags.Int("ingest-queue", 4096, "metric writer queue size")

	_ = viper.BindPFlags(flags)
	viper.SetEnvPrefix("NODENEXUS")
	viper.AutomaticEnv()
}

func runServer(cmd *cobra.Command, args []string) error {
	log.Init(log.Config{
		Level:      log.ParseLevel(viper.GetString("log-level")),
		JSONOutput: true,
		FilePath:   viper.GetString("log-file"),
	})
	logger := log.WithComponent("main")
	logger.Info().Str("version", Version).Str("commit", Commit).Msg("starting")

	store, err := storage.Open(viper.GetString("data-dir"), storage.Options{})
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	state := cache.New(store)
	if err := state.Load(); err != nil {
		return fmt.Errorf("load live state: %w", err)
	}

	clk := clock.New()
	hub := broadcast.NewHub()
	push := broadcast.NewPusher(state, hub, clk, broadcast.DefaultDebounceWindow)
	registry := session.NewRegistry()

	taskResolver := monitor.NewResolver(store)
	resolver := agentconfig.NewResolver(nil, taskResolver)
	configs := &server.ConfigPusher{
		Store: store, State: state, Registry: registry,
		Resolver: resolver, Push: push,
	}
	monitors := monitor.NewService(store, taskResolver, configs, push)

	writer := ingest.NewWriter(store, state, push, viper.GetInt("ingest-queue"))
	writer.Start()
	defer writer.Stop()

	batches := &batch.Coordinator{Store: store, Registry: registry, Push: push, Clock: clk}

	channels := notify.NewManager(store, notificationBox(logger))

	evaluator := alert.NewEvaluator(store, channels, clk)
	evaluator.Start()
	defer evaluator.Stop()

	rollups := aggregate.NewScheduler(store, viper.GetString("rollup-schedule"), aggregate.Retention{})
	if err := rollups.Start(); err != nil {
		return fmt.Errorf("start rollup scheduler: %w", err)
	}
	defer rollups.Stop()

	sweeper := &session.Sweeper{Store: store, State: state, Registry: registry, Push: push, Batches: batches, Clock: clk}
	sweeper.Start()
	defer sweeper.Stop()

	trafficSweep := traffic.NewSweeper(store, state, push, clk)
	trafficSweep.Start()
	defer trafficSweep.Stop()

	renewals := renewal.NewScheduler(store, state, push, clk)
	renewals.Start()
	defer renewals.Stop()

	handler := &session.Handler{
		Store: store, State: state, Registry: registry,
		Metrics: writer, Monitors: monitors, Batches: batches,
		Config: resolver, Push: push, Clock: clk,
	}

	srv := server.New(server.Deps{
		Store: store, State: state, Hub: hub, Push: push,
		Registry: registry, Handler: handler, Monitors: monitors,
		Batches: batches, Channels: channels, Renewals: renewals,
		Resolver: resolver, Configs: configs,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go gaugeLoop(ctx, registry)

	errCh := make(chan error, 2)
	go func() { errCh <- srv.StartHTTP(viper.GetString("http-addr")) }()
	go func() { errCh <- srv.StartGRPC(viper.GetString("grpc-addr")) }()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown incomplete")
	}
	return nil
}

// notificationBox builds the channel-secret cipher from the environment.
// Without the key an ephemeral one is generated: channels created in this
// process become undecryptable after a restart.
func notificationBox(logger *zerolog.Logger) *security.SecretBox {
	if hexKey := os.Getenv(security.KeyEnvVar); hexKey != "" {
		box, err := security.NewSecretBoxFromHex(hexKey)
		if err == nil {
			return box
		}
		logger.Error().Err(err).Str("env", security.KeyEnvVar).Msg("invalid notification key, using ephemeral key")
	} else {
		logger.Warn().Str("env", security.KeyEnvVar).Msg("notification key unset, channel secrets will not survive restarts")
	}
	box, err := security.NewSecretBox(randomKey())
	if err != nil {
		panic(err)
	}
	return box
}

// gaugeLoop keeps the connected-agents gauge current.
func gaugeLoop(ctx context.Context, registry *session.Registry) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.ConnectedAgents.Set(float64(registry.Len()))
		}
	}
}

func randomKey() []byte {
	key := make([]byte, 32)
	_, _ = rand.Read(key)
	return key
}
