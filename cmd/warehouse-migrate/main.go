package main

import (
	"fmt"
	"os"

	"github.com/Wykoo/mini-warehouse-ml/internal/config"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{Use: "warehouse-migrate"}

func newMigrate(cmd *cobra.Command) (*migrate.Migrate, error) {
	connStr, _ := cmd.Flags().GetString("db")
	if connStr == "" {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		connStr = cfg.DatabaseURL()
	}
	dir, _ := cmd.Flags().GetString("dir")
	return migrate.New("file://"+dir, connStr)
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	Run: func(cmd *cobra.Command, args []string) {
		m, err := newMigrate(cmd)
		if err != nil {
			fmt.Printf("Failed to initialize migrations: %v\n", err)
			os.Exit(1)
		}
		if err := m.Up(); err != nil && err != migrate.ErrNoChange {
			fmt.Printf("Failed to apply migrations: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Migrations applied successfully")
	},
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migration",
	Run: func(cmd *cobra.Command, args []string) {
		m, err := newMigrate(cmd)
		if err != nil {
			fmt.Printf("Failed to initialize migrations: %v\n", err)
			os.Exit(1)
		}
		if err := m.Steps(-1); err != nil {
			fmt.Printf("Failed to roll back migration: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Rolled back one migration")
	},
}

func main() {
	rootCmd.PersistentFlags().String("db", "", "Database connection string (defaults to the PG_* settings)")
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file (optional)")
	rootCmd.PersistentFlags().String("dir", "migrations", "Migrations directory")
	rootCmd.AddCommand(upCmd, downCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
