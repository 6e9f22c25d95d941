package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	rpcbridge "github.com/glimte/mmate-rpcbridge"
	"github.com/glimte/mmate-rpcbridge/internal/config"
	"github.com/glimte/mmate-rpcbridge/internal/rabbitmq"
	"github.com/glimte/mmate-rpcbridge/naming"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "mmate-rpcbridge",
		Short: "Bridge AMQP translation requests to a downstream AddTwoInts service",
		Long: `mmate-rpcbridge consumes Translation2D requests from a RabbitMQ endpoint,
calls the downstream AddTwoInts service for each one and replies with a
Translation1D. Endpoints come from REQUESTER_ENDPOINT and PROVIDER_ENDPOINT
or from the config file.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			bridge, err := rpcbridge.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer bridge.Close()

			return bridge.Run(ctx)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the YAML config file (default $"+config.EnvConfigFile+")")

	nameCmd := &cobra.Command{
		Use:   "name <raw-endpoint>",
		Short: "Print the downstream service name derived from a raw endpoint",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), naming.Sanitize(args[0]))
		},
	}

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration without connecting",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			service, err := rpcbridge.ServiceName(cfg)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "service:  %s (%s)\n", service.FullName(), cfg.Requester.ServiceType)
			fmt.Fprintf(out, "gateway:  %s\n", cfg.Requester.GatewayURL)
			fmt.Fprintf(out, "endpoint: %s\n", cfg.Provider.Endpoint)
			fmt.Fprintf(out, "broker:   %s\n", rabbitmq.SanitizeURL(cfg.Provider.AMQPURL))
			return nil
		},
	}

	rootCmd.AddCommand(nameCmd, checkCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
