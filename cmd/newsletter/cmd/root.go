package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/tbourn/go-newsletter-backend/internal/config"
	"github.com/tbourn/go-newsletter-backend/internal/repo"
	"github.com/tbourn/go-newsletter-backend/internal/sysutil"
)

// version is overridden at build time with -ldflags "-X ...cmd.version=v1.2.3".
var version = "dev"

var (
	cfgFile    string
	envFile    string
	outputJSON bool

	cfg config.Config
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "newsletter",
	Short: "Newsletter backend - API server, delivery worker and operator tools",
	Long: `newsletter runs the HTTP API that accepts subscriptions and publishes
issues, the worker that delivers queued issues by email, and operator
commands that inspect and repair the delivery queue.

Configuration is read from the environment, layered over an optional
config file (--config). A .env file in the working directory is loaded
first when present.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML, TOML or JSON config file; environment variables take precedence")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file to load before reading the environment (default .env if present)")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")
	rootCmd.Version = appVersion()
}

// setup loads the environment, validates configuration and installs the
// process logger for the command being run.
func setup(cmd *cobra.Command, _ []string) error {
	if err := loadEnv(envFile); err != nil {
		return err
	}
	c, err := config.LoadFile(cfgFile)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	cfg = c
	sysutil.InitLogging(os.Stderr, cfg.LogLevel, cfg.LogPretty, cmd.Name())
	return nil
}

// loadEnv loads path, or ./.env when path is empty. A missing default file
// is not an error.
func loadEnv(path string) error {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
		return nil
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func appVersion() string {
	return sysutil.FirstNonEmpty(os.Getenv("APP_VERSION"), version)
}

// openDB connects to the configured database and migrates the schema.
func openDB(c config.Config) (*gorm.DB, error) {
	dsn := c.DBDSN
	if c.DBDriver == repo.DriverSQLite {
		dsn = c.DBPath
	}
	db, err := repo.Open(c.DBDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", c.DBDriver, err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
