package main

import (
	"context"
	"fmt"
	"os"

	"github.com/Shugur-Network/broker/internal/config"
	"github.com/Shugur-Network/broker/internal/logger"
	"github.com/gookit/color"
	"github.com/spf13/cobra"
)

var (
	cfgFile string         // Path to custom config file (optional)
	cfg     *config.Config // Global reference to loaded configuration
)

// rootCmd defines the main CLI command for the broker
var rootCmd = &cobra.Command{
	Use:   "broker",
	Short: "A live event broker for the Nostr protocol",
	Long:  `Nostr relay engine: admits signed events, stores them and fans them out to live subscriptions.`,
	Example: `
  broker start --ws-addr :7777 --driver memory
  broker start --log-level debug --metrics-port 9090
  broker start --config /path/to/config.yaml
  broker balance credit <pubkey> 5000`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		var err error
		cfg, err = config.Load(cfgFile, nil)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		// Flags win over file and environment.
		flags := cmd.Flags()
		if flags.Changed("relay-name") {
			cfg.Relay.Name, _ = flags.GetString("relay-name")
		}
		if flags.Changed("ws-addr") {
			cfg.Relay.WSAddr, _ = flags.GetString("ws-addr")
		}
		if flags.Changed("driver") {
			cfg.Database.Driver, _ = flags.GetString("driver")
		}
		if flags.Changed("db-url") {
			cfg.Database.URL, _ = flags.GetString("db-url")
		}
		if flags.Changed("metrics-port") {
			cfg.Metrics.Port, _ = flags.GetInt("metrics-port")
		}
		if flags.Changed("log-level") {
			lvl, _ := flags.GetString("log-level")
			if err := logger.UpdateLevel(lvl); err != nil {
				return err
			}
			cfg.Logging.Level = lvl
		}
		return cfg.Validate()
	},
	Run: func(cmd *cobra.Command, args []string) {
		if err := cmd.Help(); err != nil {
			fmt.Fprintf(os.Stderr, "Error displaying help: %v\n", err)
		}
	},
}

// Execute runs the root command with the provided context
func Execute(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		color.Error.Println("Error:", err)
		os.Exit(1)
	}
}

func printWelcomeBanner() {
	color.Cyan.Println(` _               _             `)
	color.Cyan.Println(`| |__  _ __ ___ | | _____ _ __ `)
	color.Cyan.Println(`| '_ \| '__/ _ \| |/ / _ \ '__|`)
	color.Cyan.Println(`| |_) | | | (_) |   <  __/ |   `)
	color.Cyan.Println(`|_.__/|_|  \___/|_|\_\___|_|   `)
	fmt.Println()
	color.Bold.Printf("Nostr live event broker %s\n\n", version)
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&cfgFile, "config", "c", "", "Path to custom config file (optional)")
	pf.String("relay-name", "", "Name of the relay (max 30 chars)")
	pf.String("ws-addr", "", "Websocket listen address, e.g. :8080")
	pf.String("driver", "", "Event store driver (postgres or memory)")
	pf.String("db-url", "", "Postgres connection URL")
	pf.String("log-level", "", "Logging level (debug, info, warn, error)")
	pf.Int("metrics-port", 8181, "Port for Prometheus metrics server")

	rootCmd.AddCommand(newVersionCmd(), newStartCmd(), newBalanceCmd())
}
