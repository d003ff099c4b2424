package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"zapps-voting/api"
	"zapps-voting/config"
	"zapps-voting/models"
	"zapps-voting/service"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "zapps",
		Short:        "Encrypted dApp rating service",
		SilenceUsage: true,
	}
	config.AddFlags(root.PersistentFlags())

	root.AddCommand(
		newServeCmd(),
		newRelayerCmd(),
		newAnalyticsCmd(),
		newVoteCmd(),
		newHashCmd(),
	)
	return root
}

// loadConfig binds the command's flags, including inherited persistent
// flags, and reads the configuration.
func loadConfig(cmd *cobra.Command) (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(viper.New(), cmd.Flags())
	if err != nil {
		return nil, nil, err
	}
	return cfg, cfg.NewLogger(), nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run the relayer",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Start(ctx); err != nil {
				return err
			}

			server := api.NewServer(a.service, logger)
			if a.gateway != nil {
				server.Mount("/gateway", a.gateway)
			}

			serverChan := make(chan error, 1)
			go func() {
				serverChan <- server.Start(cfg.Listen)
			}()

			select {
			case err := <-serverChan:
				return err
			case <-ctx.Done():
				logger.Info("Shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					logger.WithError(err).Warn("HTTP shutdown incomplete")
				}
				logger.Info("Server shutdown completed")
				return nil
			}
		},
	}
}

func newRelayerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "relayer [target...]",
		Short: "Run the decryption relayer over the catalogue or the given targets",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			if !a.relayer.IsAvailable() {
				return models.ErrRelayerUnavailable
			}
			if a.devnet != nil {
				a.devnet.Start(ctx)
			}

			ids := args
			if len(ids) == 0 {
				if ids, err = a.registry.ListTargetIDs(ctx); err != nil {
					return err
				}
			}
			a.relayer.Watch(ids...)
			if err := a.relayer.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			return nil
		},
	}
}

func newAnalyticsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "analytics",
		Short: "Print the platform analytics rollup as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			snap, err := a.service.FetchAnalytics(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, snap)
		},
	}
}

func newVoteCmd() *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "vote <target> <rating>",
		Short: "Cast one encrypted vote and wait for the new average",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rating, err := strconv.ParseUint(args[1], 10, 32)
			if err != nil {
				return fmt.Errorf("rating must be a positive integer: %w", err)
			}
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Start(ctx); err != nil {
				return err
			}

			job, results, err := a.service.SubmitVoteWithResult(args[0], key, uint32(rating))
			if err != nil {
				return err
			}

			var res *service.ProcessingResult
			select {
			case res = <-results:
			case <-ctx.Done():
				return ctx.Err()
			}
			if res.Result != nil && errors.Is(res.Result.Err(), models.ErrDecryptionPending) {
				logger.WithField("job", job).Warn("Vote recorded, the new average is not decrypted yet")
			}
			if err := printJSON(cmd, res); err != nil {
				return err
			}
			if res.ErrorMessage != "" {
				return errors.New(res.ErrorMessage)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "Voter private key (hex)")
	cmd.MarkFlagRequired("key")
	return cmd
}

func newHashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash <target>",
		Short: "Print the on-chain hash of a target id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), targetHash(args[0]))
			return nil
		},
	}
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
