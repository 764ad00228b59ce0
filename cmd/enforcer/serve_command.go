package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"enforcer/internal/logging"
	"enforcer/internal/preflight"
)

var errAlreadyServing = errors.New("another enforcer server owns this data directory")

func newServeCommand(ctx *commandContext) *cobra.Command {
	var bind string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and scheduler triggers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := logging.NewFromConfig(cfg)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			lock := flock.New(cfg.LockPath())
			ok, err := lock.TryLock()
			if err != nil {
				return fmt.Errorf("acquire lock: %w", err)
			}
			if !ok {
				return fmt.Errorf("%w (lock %s)", errAlreadyServing, cfg.LockPath())
			}
			defer func() {
				if err := lock.Unlock(); err != nil {
					logger.Warn("failed to release server lock", logging.Error(err))
				}
			}()

			a, err := ctx.applicationWithLogger(logger)
			if err != nil {
				return err
			}

			for _, result := range preflight.Failed(preflight.RunAll(cmd.Context(), cfg)) {
				logging.WarnWithContext(logger, "preflight check failed", "preflight_failed",
					logging.String("check", result.Name),
					logging.String("detail", result.Detail),
				)
			}

			address := cfg.Server.Bind
			if bind != "" {
				address = bind
			}
			listener, err := net.Listen("tcp", address)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", address, err)
			}

			runCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			logger.Info("enforcer server starting",
				logging.String("address", listener.Addr().String()),
				logging.String("lock", cfg.LockPath()),
				logging.Bool("email_enabled", cfg.Email.Enabled()),
				logging.Bool("classifier_enabled", cfg.Classifier.Enabled),
			)
			err = a.api().Serve(runCtx, listener)
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			logger.Info("enforcer server stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&bind, "bind", "", "Override the configured listen address")
	return cmd
}
