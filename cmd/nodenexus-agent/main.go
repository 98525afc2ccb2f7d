package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nodenexus/nodenexus/pkg/agent"
	"github.com/nodenexus/nodenexus/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// bootstrapConfig is the agent's local config file, read before any
// server contact. The runtime AgentConfig is pushed by the server and
// persisted separately in the state file.
type bootstrapConfig struct {
	ServerAddr  string `yaml:"server_addr"`
	HostID      int64  `yaml:"host_id"`
	AgentSecret string `yaml:"agent_secret"`
	StatePath   string `yaml:"state_path"`
	LogLevel    string `yaml:"log_level"`
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "nodenexus-agent",
	Short: "NodeNexus agent - endpoint telemetry and command runtime",
	Long: `The NodeNexus agent maintains one session to the server, uploads
performance snapshots, runs assigned service-monitor probes and
executes batch commands.`,
	Version: Version,
	RunE:    runAgent,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"NodeNexus agent version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	flags := rootCmd.Flags()
	flags.String("config", "/etc/nodenexus/agent.yaml", "bootstrap config file")
	flags.String("server-addr", "", "server address (host:port for gRPC, ws:// or wss:// for WebSocket)")
	flags.Int64("host-id", 0, "this host's server-assigned id")
	flags.String("secret", "", "agent secret issued at host creation")
	flags.String("state-path", "/var/lib/nodenexus/agent.db", "local state file")
	flags.String("log-level", "", "log level override (debug, info, warn, error)")
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := loadBootstrap(cmd)
	if err != nil {
		return err
	}

	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.LogLevel),
		JSONOutput: true,
	})
	logger := log.WithComponent("main")
	logger.Info().Str("version", Version).Int64("host_id", cfg.HostID).Msg("agent starting")

	a, err := agent.New(agent.Options{
		ServerAddr: cfg.ServerAddr,
		HostID:     cfg.HostID,
		Secret:     cfg.AgentSecret,
		StatePath:  cfg.StatePath,
		Version:    Version,
	})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		return err
	}
	logger.Info().Msg("agent stopped")
	return nil
}

// loadBootstrap reads the config file and applies flag overrides.
func loadBootstrap(cmd *cobra.Command) (*bootstrapConfig, error) {
	cfg := &bootstrapConfig{}

	path, _ := cmd.Flags().GetString("config")
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err) && !cmd.Flags().Changed("config"):
		// Default path absent: flags must carry everything.
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	if v, _ := cmd.Flags().GetString("server-addr"); v != "" {
		cfg.ServerAddr = v
	}
	if v, _ := cmd.Flags().GetInt64("host-id"); v != 0 {
		cfg.HostID = v
	}
	if v, _ := cmd.Flags().GetString("secret"); v != "" {
		cfg.AgentSecret = v
	}
	if v, _ := cmd.Flags().GetString("state-path"); cfg.StatePath == "" || cmd.Flags().Changed("state-path") {
		cfg.StatePath = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.LogLevel = v
	}

	if cfg.ServerAddr == "" || cfg.HostID <= 0 || cfg.AgentSecret == "" {
		return nil, fmt.Errorf("server_addr, host_id and agent_secret are required (config file or flags)")
	}
	return cfg, nil
}
