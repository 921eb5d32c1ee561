package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"erpsync/internal/app"
	"erpsync/internal/platform/logger"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply mapping store migrations",
	Long: `Apply the embedded migrations to the store selected by STORAGE_DRIVER.
serve and sync apply them on startup as well, so this is only needed when
the schema must be ready before the service starts.`,
	Args: cobra.NoArgs,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, log, err := app.LoadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Close(log) }()

	res, err := app.Migrate(cfg, log)
	if err != nil {
		return err
	}
	printMigration(cmd, res)
	return nil
}

func printMigration(cmd *cobra.Command, res app.MigrationResult) {
	out := cmd.OutOrStdout()
	if !res.Applied {
		fmt.Fprintf(out, "%s: schema is up to date (version %d)\n", res.Driver, res.To)
		return
	}
	fmt.Fprintf(out, "%s: migrated from version %d to %d\n", res.Driver, res.From, res.To)
}
