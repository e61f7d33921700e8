package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/amerfu/tokengate/cmd/tokengate/commands"
	"github.com/amerfu/tokengate/internal/config"
	"github.com/amerfu/tokengate/internal/database"
)

var (
	cfgFile       string
	dbURL         string
	apiURL        string
	adminPassword string
	outputJSON    bool
	verbose       bool
)

func main() {
	// Load .env file if present, so flag defaults can pick it up
	_ = godotenv.Load()

	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tokengate",
		Short: "tokengate Management CLI",
		Long: `Manage tokengate teams, quotas, and request logs.
Supports direct database access (when run on the server) and admin API
access (when run remotely with the admin password).`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "server config directory, supplies the database URL")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db-url", os.Getenv("DATABASE_URL"), "database URL for direct access")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "admin API base URL for remote access")
	rootCmd.PersistentFlags().StringVar(&adminPassword, "admin-password", os.Getenv("TOKENGATE_ADMIN_PASSWORD"), "admin password for remote access")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "verbose output")

	// Add subcommands
	ctx := context.Background()
	rootCmd.AddCommand(commands.NewTeamCommand(ctx))
	rootCmd.AddCommand(commands.NewLogsCommand(ctx))
	rootCmd.AddCommand(commands.NewMigrateCommand())
	rootCmd.AddCommand(commands.NewVersionCommand())

	return rootCmd
}

func initConfig() error {
	// A server config file can stand in for --db-url and --admin-password.
	if cfgFile != "" {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if dbURL == "" {
			dbURL = cfg.Database.URL
		}
		if adminPassword == "" {
			adminPassword = cfg.Admin.Password
		}
	}

	// Set up database connection if URL is provided. Initialize also
	// brings the schema up to date.
	if dbURL != "" {
		if err := database.Initialize(&database.Config{
			DSN:            dbURL,
			MaxConnections: 5,
			MaxIdleConns:   2,
		}); err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		commands.SetDB(database.GetDB())
	}

	// Set API configuration if provided
	if apiURL != "" && adminPassword != "" {
		commands.SetAPIConfig(apiURL, adminPassword)
	}

	// Set output format
	commands.SetOutputJSON(outputJSON)
	commands.SetVerbose(verbose)

	return nil
}
