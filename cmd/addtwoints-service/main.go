package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/glimte/mmate-rpcbridge/downstream"
	"github.com/glimte/mmate-rpcbridge/internal/logging"
	"github.com/glimte/mmate-rpcbridge/naming"
)

func main() {
	var (
		listen    string
		path      string
		namespace string
		mapping   string
		logLevel  string
	)

	rootCmd := &cobra.Command{
		Use:   "addtwoints-service <raw-endpoint>",
		Short: "Serve AddTwoInts on a downstream gateway",
		Long: `addtwoints-service hosts the example AddTwoInts service under the name
mmate-rpcbridge derives from the same raw endpoint, so a bridge configured with
that REQUESTER_ENDPOINT can reach it.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := os.Getenv("REQUESTER_ENDPOINT")
			if len(args) == 1 {
				raw = args[0]
			}
			if raw == "" {
				return errors.New("raw endpoint required as argument or REQUESTER_ENDPOINT")
			}

			logger, err := logging.New(os.Stderr, logLevel, "text")
			if err != nil {
				return err
			}
			serviceMapping, err := downstream.ParseServiceMapping(mapping)
			if err != nil {
				return err
			}
			service, err := downstream.NewName(namespace, naming.Sanitize(raw))
			if err != nil {
				return err
			}

			host := downstream.NewHost(downstream.WithHostLogger(logger))
			defer host.Close()
			if err := downstream.RegisterService(host, service, downstream.AddTwoIntsType, serviceMapping, downstream.AddTwoInts); err != nil {
				return err
			}

			mux := http.NewServeMux()
			mux.Handle(path, host)
			server := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				server.Shutdown(shutdownCtx)
			}()

			logger.Info("serving AddTwoInts",
				"service", service.FullName(),
				"address", listen,
				"path", path)

			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve: %w", err)
			}
			return nil
		},
	}

	rootCmd.Flags().StringVarP(&listen, "listen", "l", ":9400", "Address to listen on")
	rootCmd.Flags().StringVar(&path, "path", "/graph", "WebSocket path of the gateway")
	rootCmd.Flags().StringVar(&namespace, "namespace", "/", "Namespace of the service name")
	rootCmd.Flags().StringVar(&mapping, "mapping", "enhanced", "Service mapping: enhanced or basic")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
