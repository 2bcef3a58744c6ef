/*
Copyright 2024 Blnk Finance Authors.

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
Package main provides the CLI commands for managing database migrations.
This includes commands for applying and rolling back migrations.
*/

package main

import (
	"fmt"
	"log"

	migrate "github.com/rubenv/sql-migrate"
	"github.com/spf13/cobra"

	"github.com/blnkfinance/prospekt"
	"github.com/blnkfinance/prospekt/database"
)

const migrationTable = "prospekt_migrations"

// migrateCommands creates the root command for migration-related operations.
func migrateCommands(app *prospektInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "apply or roll back the postgres schema",
	}

	cmd.AddCommand(migrateDirection(app, "up", migrate.Up))
	cmd.AddCommand(migrateDirection(app, "down", migrate.Down))

	return cmd
}

func migrateDirection(app *prospektInstance, use string, direction migrate.MigrationDirection) *cobra.Command {
	return &cobra.Command{
		Use: use,
		Run: func(cmd *cobra.Command, args []string) {
			migrations := migrate.EmbedFileSystemMigrationSource{
				FileSystem: prospekt.SQLFiles,
				Root:       "sql",
			}

			if app.cnf.DataSource.Dns == "" {
				log.Println("No data source configured, nothing to migrate")
				return
			}

			db, err := database.ConnectDB(app.cnf.DataSource.Dns)
			if err != nil {
				log.Printf("Error connecting to database: %v", err)
				return
			}
			defer db.Close()

			migrate.SetTable(migrationTable)
			n, err := migrate.Exec(db, "postgres", migrations, direction)
			if err != nil {
				log.Printf("Error migrating %s: %v", use, err)
				return
			}
			fmt.Printf("Migrated %s: %d migrations applied\n", use, n)
		},
	}
}
