package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fwaytoday/iot-dc3/config"
	"github.com/fwaytoday/iot-dc3/internal/logging"
	"github.com/fwaytoday/iot-dc3/service"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "dc3-gateway",
		Short:         "Industrial data acquisition gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "config.yaml", "Path to configuration file")
	root.AddCommand(
		newRunCommand(),
		newCheckCommand(),
		newLatestCommand(),
		newListCommand(),
		newRealtimeCommand(),
		newWriteCommand(),
	)
	return root
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the acquisition loops until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger, cleanup, err := logging.Setup(cfg.Logging)
			if err != nil {
				return fmt.Errorf("setup logger: %w", err)
			}
			defer cleanup()
			log.Logger = logger

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			srv, err := service.New(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("create service: %w", err)
			}
			if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("service stopped: %w", err)
			}
			logger.Info().Msg("gateway stopped")
			return nil
		},
	}
}

// openService builds a gateway for one-shot commands. Logs are discarded
// unless --verbose is set.
func openService(cmd *cobra.Command) (*service.Service, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger := zerolog.Nop()
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		logger, _, err = logging.Setup(cfg.Logging)
		if err != nil {
			return nil, fmt.Errorf("setup logger: %w", err)
		}
	}
	return service.New(cmd.Context(), cfg, logger)
}
