package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/footfall/internal/config"
	"github.com/andresmejia3/footfall/internal/store"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	// DB is the event store shared by subcommands
	DB store.EventStore
	// Cfg is the loaded configuration before per-command flag overrides
	Cfg config.Config

	cfgPath string
	dbURL   string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "footfall",
	Short:   "Visitor counting from video: detect, deduplicate and log entries",
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env is optional; real environment variables win over it
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load .env: %w", err)
		}

		var err error
		Cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		if dbURL != "" {
			Cfg.DatabaseFile = dbURL
		}

		// Use the command's context (which will be cancellable) for the connection
		DB, err = store.Open(cmd.Context(), Cfg.DatabaseFile)
		if err != nil {
			return fmt.Errorf("failed to open event store: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			// Use Background here because the main context might be cancelled already (due to Ctrl+C)
			// and we still need to close the store cleanly.
			DB.Close(context.Background())
		}
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "Path to a YAML or JSON config file (default: ./config.yaml if present)")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "Event store: SQLite file path or postgres:// URL (overrides database_file)")
}
