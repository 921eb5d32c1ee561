package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"erpsync/internal/app"
	"erpsync/internal/service/syncer"
	"erpsync/internal/shared"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a single synchronization from the command line",
	Long: `Run a single synchronization outside the webhook server.
Without REDIS_URL a failed sync is reported but not deferred.`,
}

var syncProductCmd = &cobra.Command{
	Use:   "product <file.json>",
	Short: "Create or update a product from a CRM product JSON file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := readJSON[syncer.CRMProduct](args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, app.ModeOneShot, func(ctx context.Context, a *app.App) error {
			id, err := a.Service().SyncProduct(ctx, p, cliCorrelation())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		})
	},
}

var syncSalesDocumentCmd = &cobra.Command{
	Use:   "sales-document <file.json>",
	Short: "Create or update a sales document from a CRM JSON file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := readJSON[syncer.CRMSalesDocument](args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, app.ModeOneShot, func(ctx context.Context, a *app.App) error {
			id, err := a.Service().SyncSalesDocument(ctx, d, cliCorrelation())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		})
	},
}

var deleteProductCmd = &cobra.Command{
	Use:   "delete-product <crm-id>",
	Short: "Delete a product in the ERP and forget its mapping",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, app.ModeOneShot, func(ctx context.Context, a *app.App) error {
			return a.Service().DeleteProduct(ctx, args[0], cliCorrelation())
		})
	},
}

var replayLimit int

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay due deferred jobs once",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, app.ModeOneShot, func(ctx context.Context, a *app.App) error {
			stats, err := a.Service().ReplayDeferred(ctx, replayLimit)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "popped=%d succeeded=%d requeued=%d dropped=%d\n",
				stats.Popped, stats.Succeeded, stats.Requeued, stats.Dropped)
			return nil
		})
	},
}

func init() {
	syncCmd.AddCommand(syncProductCmd, syncSalesDocumentCmd, deleteProductCmd)
	replayCmd.Flags().IntVar(&replayLimit, "limit", 50, "maximum number of jobs to replay")
	rootCmd.AddCommand(syncCmd, replayCmd)
}

func cliCorrelation() map[string]string {
	return map[string]string{"requestId": uuid.NewString(), "source": "cli"}
}

// readJSON decodes path into T. Unknown fields are rejected.
func readJSON[T any](path string) (T, error) {
	var v T
	data, err := os.ReadFile(path)
	if err != nil {
		return v, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return v, shared.MarkKind(fmt.Errorf("decode %s: %w", path, err), shared.KindValidation)
	}
	return v, nil
}
