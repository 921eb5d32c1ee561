package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"erpsync/internal/app"
	"erpsync/internal/platform/logger"
)

var rootCmd = &cobra.Command{
	Use:   "erpsync",
	Short: "CRM to ERP synchronization service",
	Long: `erpsync pushes CRM products and sales documents into the ERP.

Every ERP call is classified (NETWORK, SERVER, CLIENT, AUTH, NOT_FOUND,
VALIDATION, UNKNOWN) and retried with backoff while the kind allows it.
Syncs that still fail with a retryable kind are deferred to the resync
queue and replayed on a schedule.

Configuration is read from the environment and an optional .env file.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// withApp loads configuration, builds the application and runs fn with a
// context cancelled on SIGINT or SIGTERM.
func withApp(cmd *cobra.Command, mode app.Mode, fn func(ctx context.Context, a *app.App) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, log, err := app.LoadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Close(log) }()

	a, err := app.New(ctx, cfg, log, mode)
	if err != nil {
		log.Error("startup failed", "error", err)
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn("close", "error", err)
		}
	}()
	return fn(ctx, a)
}
