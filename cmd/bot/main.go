package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rwaea3/relay-bot/internal/bot"
	"github.com/rwaea3/relay-bot/internal/config"
	"github.com/rwaea3/relay-bot/internal/db"
	"github.com/rwaea3/relay-bot/internal/utils"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
)

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "relay-bot",
		Short:         "Relay a Telegram channel to every subscribed chat",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBot(cmd.Context(), configPath)
		},
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultConfigPath(), "path to config.json")

	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Start the bot (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBot(cmd.Context(), configPath)
		},
	})
	cmd.AddCommand(newBackupCmd(&configPath))
	cmd.AddCommand(newRestoreCmd(&configPath))
	cmd.AddCommand(newStatsCmd(&configPath))
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "relay-bot %s (commit: %s)\n", Version, Commit)
		},
	}
}

func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("config: %w", err)
	}
	utils.SetupLogging(cfg.LogLevel, cfg.LogPretty)
	return cfg, nil
}

func openDB(path string) (*db.DB, error) {
	cfg, err := loadConfig(path)
	if err != nil {
		return nil, err
	}
	return db.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
}

func runBot(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := bot.New(cfg)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer app.Close()

	if err := app.Run(ctx); err != nil {
		return fmt.Errorf("run: %w", err)
	}
	log.Info().Msg("shutting down")
	return nil
}

func newBackupCmd(configPath *string) *cobra.Command {
	var out, snapshot string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Export recipients as a JSON backup document",
		RunE: func(cmd *cobra.Command, args []string) error {
			database, err := openDB(*configPath)
			if err != nil {
				return err
			}
			defer database.Close()

			if snapshot != "" {
				if err := database.SnapshotTo(cmd.Context(), snapshot); err != nil {
					return err
				}
				log.Info().Str("path", snapshot).Msg("database snapshot written")
			}
			if out == "-" {
				return database.WriteBackup(cmd.Context(), cmd.OutOrStdout())
			}
			return writeFile(out, func(w io.Writer) error { return database.WriteBackup(cmd.Context(), w) })
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "-", "output file, - for stdout")
	cmd.Flags().StringVar(&snapshot, "snapshot", "", "also write a sqlite snapshot to this path")
	return cmd
}

func writeFile(path string, fn func(w io.Writer) error) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if err := fn(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func newRestoreCmd(configPath *string) *cobra.Command {
	var in string

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Merge a JSON backup document into the recipient directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			if in == "" {
				return fmt.Errorf("--in is required")
			}
			f, err := os.Open(in)
			if err != nil {
				return err
			}
			defer f.Close()

			database, err := openDB(*configPath)
			if err != nil {
				return err
			}
			defer database.Close()

			rep, err := database.RestoreBackup(cmd.Context(), f)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "restored %d users, %d channels, %d groups\n", rep.Users, rep.Channels, rep.Groups)
			return nil
		},
	}
	cmd.Flags().StringVarP(&in, "in", "i", "", "backup document to restore")
	return cmd
}

func newStatsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print active recipient counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			database, err := openDB(*configPath)
			if err != nil {
				return err
			}
			defer database.Close()

			counts, err := database.CountActive(cmd.Context())
			if err != nil {
				return err
			}
			deliveries, err := database.CountDeliveries(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			total := 0
			for _, k := range db.Kinds() {
				fmt.Fprintf(w, "%-10s %d\n", k, counts[k])
				total += counts[k]
			}
			fmt.Fprintf(w, "%-10s %d\n", "total", total)
			fmt.Fprintf(w, "%-10s %d\n", "deliveries", deliveries)
			return nil
		},
	}
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
