package main

import (
	"fmt"
	"os"

	"github.com/goapprove/goapprove/internal/log"
	internal_storage "github.com/goapprove/goapprove/internal/storage"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{Use: "goapprove-migrate"}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	Run: func(cmd *cobra.Command, args []string) {
		m := newMigrator(cmd)
		if err := m.Up(); err != nil && err != migrate.ErrNoChange {
			log.GetLogger().Errorf("Failed to apply migrations: %v", err)
			os.Exit(1)
		}
		log.GetLogger().Infof("Migrations applied")
	},
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migration",
	Run: func(cmd *cobra.Command, args []string) {
		m := newMigrator(cmd)
		if err := m.Steps(-1); err != nil {
			log.GetLogger().Errorf("Failed to roll back migration: %v", err)
			os.Exit(1)
		}
		log.GetLogger().Infof("Rolled back one migration")
	},
}

func newMigrator(cmd *cobra.Command) *migrate.Migrate {
	if err := godotenv.Load(); err != nil {
		log.GetLogger().Debugf("No .env file found: %v", err)
	}
	connStr, _ := cmd.Flags().GetString("db")
	if connStr == "" {
		var err error
		connStr, err = internal_storage.ConnStringFromEnv()
		if err != nil {
			log.GetLogger().Errorf("%v", err)
			os.Exit(1)
		}
	}
	source, _ := cmd.Flags().GetString("source")
	m, err := migrate.New(source, connStr)
	if err != nil {
		log.GetLogger().Errorf("Failed to initialize migrations: %v", err)
		os.Exit(1)
	}
	return m
}

func main() {
	rootCmd.PersistentFlags().String("db", "", "Database connection string (falls back to DATABASE_URL or DB_* env vars)")
	rootCmd.PersistentFlags().String("source", "file://migrations", "Migration source")
	rootCmd.AddCommand(upCmd, downCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
