package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/auto-dns/swarm-discovery/internal/app"
	"github.com/auto-dns/swarm-discovery/internal/config"
	"github.com/auto-dns/swarm-discovery/internal/logger"
)

type contextKey string

const configKey = contextKey("config")

var rootCmd = &cobra.Command{
	Use:   "swarm-discovery [OPTIONS] [ENDPOINT]:[PORT]",
	Short: "DNS service discovery for docker swarm hosts",
	Long: "A DNS server that answers <alias>.<network>.<tld> names from the containers running on a docker host,\n" +
		"joins every overlay network at a reserved address and forwards all other queries to an upstream resolver.",
	Args:          cobra.MaximumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		configFile, _ := cmd.Flags().GetString("config")
		if err := config.InitConfig(configFile); err != nil {
			return err
		}
		if len(args) == 1 {
			viper.Set("docker.host", config.DockerHostFromEndpoint(args[0]))
		}
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		ctx := context.WithValue(cmd.Context(), configKey, cfg)
		cmd.SetContext(ctx)
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		// Load configuration.
		cfg := cmd.Context().Value(configKey).(*config.Config)

		// Set up logger.
		logInstance := logger.SetupLogger(&cfg.Logging)

		// Create the application.
		var svc service
		svc, err := app.New(cfg, logInstance)
		if err != nil {
			return fmt.Errorf("failed to create app: %w", err)
		}
		defer func() {
			if err := svc.Close(); err != nil {
				logInstance.Warn().Err(err).Msg("Shutdown")
			}
		}()

		// Create a context with cancellation for graceful shutdown.
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Listen for OS signals.
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-sigCh
			logInstance.Info().Msgf("Received signal: %v", sig)
			cancel()
		}()

		// Run the application. When context is canceled, Run returns.
		if err := svc.Run(ctx); err != nil {
			logInstance.Error().Err(err).Msg("Application stopped")
			return fmt.Errorf("app run error: %w", err)
		}
		logInstance.Info().Msg("Application stopped")
		return nil
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "config file (default is config.yaml)")
	flags.String("log-level", "INFO", "set log level (e.g. INFO, DEBUG, WARN)")
	flags.Bool("debug", false, "enable debug logging")
	flags.Bool("dns-logs", false, "log forwarded DNS queries")
	flags.Bool("dns-cached-logs", false, "log DNS queries answered from cache")
	flags.String("dns-resolver", "8.8.8.8", "upstream DNS resolver")
	flags.Int("dns-timeout", 2500, "upstream DNS timeout in milliseconds")
	flags.String("dns-bind", "0.0.0.0", "address the DNS server listens on")
	flags.Int("dns-port", 53, "port the DNS server listens on")
	flags.String("network", "", "network scoping <alias>.<tld> queries from unknown clients")
	flags.String("tld", "discovery", "top level domain served from the discovery index")
	flags.Uint32("skip-ip", 0, "number of addresses to skip below the top of each overlay subnet")
	flags.Bool("no-auto-networks", false, "do not join overlay networks")
	flags.String("metrics-addr", "", "listen address for /metrics, disabled if empty")

	for key, flag := range map[string]string{
		"log.log_level":            "log-level",
		"log.debug":                "debug",
		"log.dns_queries":          "dns-logs",
		"log.dns_cached":           "dns-cached-logs",
		"dns.resolver":             "dns-resolver",
		"dns.timeout_ms":           "dns-timeout",
		"dns.bind":                 "dns-bind",
		"dns.port":                 "dns-port",
		"dns.network":              "network",
		"dns.tld":                  "tld",
		"network.skip_ip":          "skip-ip",
		"network.no_auto_networks": "no-auto-networks",
		"metrics.listen_addr":      "metrics-addr",
	} {
		_ = viper.BindPFlag(key, flags.Lookup(flag))
	}
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Execution error: %v\n", err)
		os.Exit(1)
	}
}
