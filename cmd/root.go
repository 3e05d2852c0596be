package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/veil/internal/config"
	"github.com/andresmejia3/veil/internal/logging"
	"github.com/andresmejia3/veil/internal/store"
	"github.com/andresmejia3/veil/internal/utils"
	"github.com/spf13/cobra"
)

// annotationDB marks commands that cannot run without the run log.
const annotationDB = "veil/requires-db"

var (
	// DB is the run log shared by subcommands. It is nil when no database is configured.
	DB *store.Store
	// Cfg is the loaded configuration, with flag overrides applied by each command.
	Cfg config.Config

	cfgFile  string
	dbURL    string
	logLevel string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "veil",
	Short:   "Live camera capture that never lets an unredacted face through",
	Version: Version, // This enables the --version flag

	// Runtime failures (camera, database) are not usage errors
	SilenceUsage:  true,
	SilenceErrors: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		Cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("log-level") {
			Cfg.Log.Level = logLevel
		}
		logging.InitLogger(Cfg.Log.Level)

		url := resolveDBURL(dbURL, Cfg.Database.URL, os.Getenv)
		_, required := cmd.Annotations[annotationDB]
		if url == "" {
			if !required {
				return nil
			}
			// Fallback to local default if nothing is configured
			url = "postgres://localhost:5432/veil"
		}

		// Use the command's context (which will be cancellable) for the connection
		DB, err = store.New(cmd.Context(), url)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			// Use Background here because the main context might be cancelled already (due to Ctrl+C)
			// and we still need to send the "Close" command to the DB.
			DB.Close(context.Background())
		}
	},
}

// resolveDBURL picks the flag, then the config file, then POSTGRES_* variables.
func resolveDBURL(flag, configured string, getenv func(string) string) string {
	if flag != "" {
		return flag
	}
	if configured != "" {
		return configured
	}
	host := getenv("POSTGRES_HOST")
	if host == "" {
		return ""
	}
	port := getenv("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
		getenv("POSTGRES_USER"), getenv("POSTGRES_PASSWORD"), host, port, getenv("POSTGRES_DB"))
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		utils.Die(rootCmd.Name()+" failed", err, nil)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to a TOML config file")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string for the run log (optional for live/snap)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level: debug, info, warn, error")
}
