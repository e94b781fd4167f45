package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/banshee-data/speedcam/internal/db"
)

func newMigrateCmd() *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "migrate [up|down|status|force VERSION]",
		Short: "Manage the database schema",
		Long: `Apply or inspect the embedded schema migrations.

  up               apply all pending migrations (default)
  down             roll back the most recent migration
  status           show the current and latest schema versions
  force VERSION    mark VERSION as applied without running it; only for
                   recovering a database left dirty by a failed migration`,
		Args:      cobra.RangeArgs(0, 2),
		ValidArgs: []string{"up", "down", "status", "force"},
		RunE: func(cmd *cobra.Command, args []string) error {
			action := "up"
			if len(args) > 0 {
				action = args[0]
			}

			migrations, err := db.MigrationsFS()
			if err != nil {
				return fmt.Errorf("load migrations: %w", err)
			}
			// Open without migrating; the schema is what this command manages.
			database, err := db.OpenDB(dbPath)
			if err != nil {
				return err
			}
			defer database.Close()

			out := cmd.OutOrStdout()
			switch action {
			case "up":
				if err := database.MigrateUp(migrations); err != nil {
					return fmt.Errorf("migrate up: %w", err)
				}
				return printMigrateStatus(out, database)
			case "down":
				if err := database.MigrateDown(migrations); err != nil {
					return fmt.Errorf("migrate down: %w", err)
				}
				return printMigrateStatus(out, database)
			case "status":
				return printMigrateStatus(out, database)
			case "force":
				if len(args) < 2 {
					return fmt.Errorf("usage: %s", cmd.Use)
				}
				version, err := strconv.Atoi(args[1])
				if err != nil || version < 0 {
					return fmt.Errorf("invalid version %q", args[1])
				}
				if err := database.MigrateForce(migrations, version); err != nil {
					return fmt.Errorf("migrate force: %w", err)
				}
				return printMigrateStatus(out, database)
			default:
				return fmt.Errorf("unknown migrate action %q", action)
			}
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", defaultDBPath, "sqlite database")
	return cmd
}

func printMigrateStatus(w io.Writer, database *db.DB) error {
	migrations, err := db.MigrationsFS()
	if err != nil {
		return err
	}
	version, dirty, err := database.MigrateVersion(migrations)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	latest, err := db.LatestMigrationVersion(migrations)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "schema version %d of %d", version, latest)
	if dirty {
		fmt.Fprint(w, " (dirty: inspect the database, then run migrate force)")
	}
	fmt.Fprintln(w)
	return nil
}
