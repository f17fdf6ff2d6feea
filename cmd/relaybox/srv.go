package main

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"relaybox/internal/config"
	"relaybox/internal/metrics"
)

func newSrvCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "srv",
		Short: "Run the relaybox API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg == nil {
				return fmt.Errorf("config not initialized")
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger := slog.Default().With("component", "server")
			rt, err := buildRuntime(ctx, cfg, metrics.NewProm("relaybox"), logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := rt.Close(); err != nil {
					logger.Warn("shutdown cleanup failed", "error", err)
				}
			}()

			logger.Info("relaybox starting",
				"version", version,
				"channel", cfg.Channel.Kind,
				"store", rt.store.Backend(),
				"part_size", cfg.Transfer.PartSize,
			)
			return rt.server.ListenAndServe(ctx)
		},
	}
}

// redactURL drops credentials from a connection URL before logging.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid-url"
	}
	return u.Redacted()
}
