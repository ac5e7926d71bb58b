package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"

	"github.com/bmbapp/bmb/internal/config"
)

var migrationsDir string

var migrateCmd = &cobra.Command{
	Use:   "migrate <command> [args]",
	Short: "Run goose migrations against DATABASE_URL",
	Long: `Commands: up, down, status, version, redo, up-to <version>, down-to <version>.

Only DATABASE_URL is read; the rest of the coordinator config is not required.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := migrateConfig()
		db, err := openDB(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		if err := goose.SetDialect("postgres"); err != nil {
			return err
		}
		return goose.RunContext(cmd.Context(), args[0], db, migrationsDir, args[1:]...)
	},
}

func init() {
	migrateCmd.Flags().StringVar(&migrationsDir, "dir", "migrations", "migrations directory")
	rootCmd.AddCommand(migrateCmd)
}

func migrateConfig() *config.Config {
	_ = godotenv.Load()
	return &config.Config{DatabaseURL: os.Getenv("DATABASE_URL")}
}
