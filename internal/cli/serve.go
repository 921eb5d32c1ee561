package cli

import (
	"context"

	"github.com/spf13/cobra"

	"erpsync/internal/app"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook server and the deferred job replay",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, app.ModeServe, func(ctx context.Context, a *app.App) error {
			return a.Serve(ctx)
		})
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
