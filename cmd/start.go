package main

import (
	"github.com/Shugur-Network/broker/internal/application"
	"github.com/Shugur-Network/broker/internal/logger"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the broker",
		Long:  "Start the websocket broker with the loaded configuration and serve until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			printWelcomeBanner()
			defer func() { _ = logger.Shutdown() }()

			ctx := cmd.Context()
			logger.Info("Starting broker...",
				zap.String("config_file", cfgFile),
				zap.String("driver", cfg.Database.Driver))

			node, err := application.New(ctx, cfg)
			if err != nil {
				return err
			}
			if err := node.Start(); err != nil {
				node.Shutdown()
				return err
			}

			waitErr := node.Wait(ctx)
			if waitErr == nil {
				logger.Info("Shutdown signal received, initiating graceful shutdown...")
			}
			node.Shutdown()
			return waitErr
		},
	}
}
