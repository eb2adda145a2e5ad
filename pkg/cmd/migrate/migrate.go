package migrate

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mpapenbr/runsession/log"
	"github.com/mpapenbr/runsession/pkg/cmd/util"
	"github.com/mpapenbr/runsession/pkg/config"
	dbmigrate "github.com/mpapenbr/runsession/pkg/db/migrate"
	"github.com/mpapenbr/runsession/pkg/utils"
)

var down bool

func NewMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "performs database migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			util.SetupLogger()
			return startMigration(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "revert all migrations")
	cmd.AddCommand(newStatusCmd())
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "prints the current schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			util.SetupLogger()
			if err := waitForDB(cmd.Context()); err != nil {
				return err
			}
			v, dirty, err := dbmigrate.Version(prepareURLForDB(config.DB))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version: %d dirty: %t\n", v, dirty)
			return nil
		},
	}
}

func waitForDB(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return util.WaitForRequiredServices(ctx, utils.ExtractFromDBURL(config.DB))
}

func startMigration(ctx context.Context) error {
	if err := waitForDB(ctx); err != nil {
		return err
	}
	dbURL := prepareURLForDB(config.DB)
	if down {
		log.Info("Reverting migrations")
		return dbmigrate.MigrateDown(dbURL)
	}
	if err := dbmigrate.MigrateDb(dbURL); err != nil {
		return err
	}
	v, _, err := dbmigrate.Version(dbURL)
	if err != nil {
		return err
	}
	log.Info("Database migrated", log.Uint("version", v))
	return nil
}

func prepareURLForDB(url string) string {
	options := "sslmode=disable"
	if strings.Contains(url, options) {
		return url
	}
	if strings.Contains(url, "?") {
		return fmt.Sprintf("%s&%s", url, options)
	} else {
		return fmt.Sprintf("%s?%s", url, options)
	}
}
