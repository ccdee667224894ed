/*
Copyright 2024 Carenote Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
/*
Package main provides the CLI commands for managing database migrations in the Carenote application.
This includes commands for applying and rolling back migrations.
*/

package main

import (
	"database/sql"
	"fmt"
	"log"
	"text/tabwriter"
	"time"

	migrate "github.com/rubenv/sql-migrate"
	"github.com/spf13/cobra"

	"github.com/carenote/carenote"
	"github.com/carenote/carenote/config"
	"github.com/carenote/carenote/database"
)

// migrateCommands groups the schema commands. None of them need Redis or
// the pipeline, so setup is skipped.
func migrateCommands(_ *carenoteInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:         "migrate",
		Short:       "run carenote migrations",
		Annotations: map[string]string{skipSetup: "true"},
	}

	cmd.AddCommand(migrateRunCommand("up", "apply pending migrations", migrate.Up))
	cmd.AddCommand(migrateRunCommand("down", "roll back applied migrations", migrate.Down))
	cmd.AddCommand(migrateStatusCommand())

	return cmd
}

func migrationSource() migrate.EmbedFileSystemMigrationSource {
	return migrate.EmbedFileSystemMigrationSource{
		FileSystem: carenote.SQLFiles,
		Root:       "sql",
	}
}

func openMigrationDB() (*sql.DB, error) {
	cnf, err := config.Fetch()
	if err != nil {
		return nil, fmt.Errorf("error fetching config: %w", err)
	}
	db, err := database.ConnectDB(cnf.DataSource.Dns)
	if err != nil {
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}
	migrate.SetSchema("carenote")
	return db, nil
}

// migrateRunCommand applies migrations in one direction. --max bounds how
// many are applied, zero meaning all of them.
func migrateRunCommand(use, short string, dir migrate.MigrationDirection) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:         use,
		Short:       short,
		Annotations: map[string]string{skipSetup: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openMigrationDB()
			if err != nil {
				return err
			}
			defer db.Close()

			n, err := migrate.ExecMax(db, "postgres", migrationSource(), dir, limit)
			if err != nil {
				return fmt.Errorf("migrate %s: %w", use, err)
			}
			log.Printf("migrate %s: %d migrations applied", use, n)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "max", 0, "maximum number of migrations to apply (0 applies all)")
	return cmd
}

// migrateStatusCommand lists every known migration and when it was applied.
func migrateStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:         "status",
		Short:       "show applied and pending migrations",
		Annotations: map[string]string{skipSetup: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openMigrationDB()
			if err != nil {
				return err
			}
			defer db.Close()

			known, err := migrationSource().FindMigrations()
			if err != nil {
				return err
			}
			records, err := migrate.GetMigrationRecords(db, "postgres")
			if err != nil {
				return err
			}
			applied := make(map[string]time.Time, len(records))
			for _, r := range records {
				applied[r.Id] = r.AppliedAt
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "MIGRATION\tAPPLIED AT")
			for _, m := range known {
				at := "pending"
				if t, ok := applied[m.Id]; ok {
					at = t.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\n", m.Id, at)
			}
			return w.Flush()
		},
	}
}
