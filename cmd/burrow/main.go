package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/cuemby/burrow/pkg/api"
	"github.com/cuemby/burrow/pkg/audit"
	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/directory"
	"github.com/cuemby/burrow/pkg/gateway"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/monitor"
	"github.com/cuemby/burrow/pkg/selector"
	"github.com/cuemby/burrow/pkg/vault"
)

// Set via ldflags at build time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

var (
	flagConfig     string
	flagListen     string
	flagDataDir    string
	flagSecretsDir string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "burrow",
		Short: "Multi-cluster LDAP directory management gateway",
		Long: `Burrow fronts one or more OpenLDAP clusters with a JSON API:
node-aware routing, pooled authenticated sessions, encrypted credential
caching, paged directory browsing and replication monitoring.`,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
	serveCmd.Flags().StringVarP(&flagConfig, "config", "c", "clusters.yaml", "cluster configuration file")
	serveCmd.Flags().StringVarP(&flagListen, "listen", "l", "", "listen address (overrides PORT)")
	serveCmd.Flags().StringVar(&flagDataDir, "data-dir", "data", "directory for the audit database")
	serveCmd.Flags().StringVar(&flagSecretsDir, "secrets-dir", "secrets", "directory for encrypted credentials")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("burrow %s (commit %s, built %s)\n", version, commit, date)
		},
	}

	rootCmd.AddCommand(serveCmd, versionCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe() error {
	// Optional .env for local development; absence is not an error.
	_ = godotenv.Load()

	settings := config.SettingsFromEnv()
	log.Init(log.Config{
		Level:      log.ParseLevel(settings.LogLevel),
		JSONOutput: settings.JSONLogs,
	})
	log.WithComponent("main").Info().
		Str("version", version).
		Str("commit", commit).
		Msg("Starting burrow")

	if settings.Workers > 0 {
		runtime.GOMAXPROCS(settings.Workers)
	}
	if flagListen != "" {
		settings.ListenAddr = flagListen
	}

	cfg, err := config.Load(flagConfig)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	log.WithComponent("main").Info().
		Int("clusters", len(cfg.Clusters())).
		Str("config", flagConfig).
		Msg("Cluster configuration loaded")

	v, err := vault.Open(flagSecretsDir, settings.PasswordTTL)
	if err != nil {
		return fmt.Errorf("vault error: %w", err)
	}

	if err := os.MkdirAll(flagDataDir, 0o750); err != nil {
		return fmt.Errorf("data directory error: %w", err)
	}
	trail, err := audit.Open(filepath.Join(flagDataDir, "audit.db"))
	if err != nil {
		return fmt.Errorf("audit database error: %w", err)
	}
	defer trail.Close()

	sel := selector.New()
	gw := gateway.New(cfg, sel, v, gateway.Options{
		NetTimeout: settings.NetTimeout,
		OpTimeout:  settings.OpTimeout,
		IdleTTL:    settings.PoolIdleTTL,
	})
	defer gw.Pool().Drain()

	dir := directory.New(cfg, gw, trail)
	mon := monitor.New(cfg, gw)

	server := api.New(api.Options{
		Config:         cfg,
		Vault:          v,
		Gateway:        gw,
		Directory:      dir,
		Monitor:        mon,
		Audit:          trail,
		AllowedOrigins: settings.AllowedOrigins,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(settings.ListenAddr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.WithComponent("main").Info().Str("signal", sig.String()).Msg("Shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.WithComponent("main").Error().Err(err).Msg("Graceful shutdown failed")
	}
	return nil
}
