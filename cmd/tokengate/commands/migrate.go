package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/amerfu/tokengate/internal/database"
)

// NewMigrateCommand creates the schema migration command
func NewMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		Long:  "Bring the teams and request_logs tables up to the current schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !IsDirectDBAccess() {
				return fmt.Errorf("migrate requires direct database access, set --db-url")
			}

			if err := database.Migrate(); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Println("Database schema is up to date")
			return nil
		},
	}
}
