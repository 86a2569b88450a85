package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashita-ai/assay"
	"github.com/ashita-ai/assay/internal/auth"
	"github.com/ashita-ai/assay/internal/config"
	"github.com/ashita-ai/assay/internal/service/reconcile"
	"github.com/ashita-ai/assay/internal/storage"
	"github.com/ashita-ai/assay/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		slog.Error("fatal error", "error", err)
		cancel()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:           "assay",
		Short:         "Recipe recommendation execution server",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Load .env file if present (non-fatal; production won't have one).
			_ = godotenv.Load()
			slog.SetDefault(newLogger(os.Getenv("ASSAY_LOG_LEVEL")))
		},
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := []assay.Option{assay.WithVersion(version), assay.WithLogger(slog.Default())}
			if port != 0 {
				opts = append(opts, assay.WithPort(port))
			}
			app, err := assay.New(opts...)
			if err != nil {
				return err
			}
			return app.Run(cmd.Context())
		},
	}
	serve.Flags().IntVar(&port, "port", 0, "listen port (overrides ASSAY_PORT)")

	cmd.AddCommand(serve, newMigrateCommand(), newReconcileCommand(), newHashKeyCommand(), newGenKeyCommand())
	// Running the bare binary serves, as the container entrypoint expects.
	cmd.RunE = serve.RunE
	cmd.Flags().AddFlagSet(serve.Flags())
	return cmd
}

func newMigrateCommand() *cobra.Command {
	var status bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), func(ctx context.Context, db *storage.DB) error {
				if status {
					list, err := db.Migrations(ctx, migrations.FS)
					if err != nil {
						return err
					}
					for _, m := range list {
						state := "pending"
						if m.Applied {
							state = "applied"
						}
						fmt.Fprintf(cmd.OutOrStdout(), "%-8s %s %s\n", state, m.Checksum[:12], m.Version)
					}
					return nil
				}
				if err := db.RunMigrations(ctx, migrations.FS); err != nil {
					return fmt.Errorf("migrations: %w", err)
				}
				slog.Info("migrations applied")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&status, "status", false, "list migrations and whether each is applied, without applying")
	return cmd
}

func newReconcileCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Fail runs and jobs left running by a dead process",
		Long: `Fail every run and learning job still marked running and recompute
their batch statuses. Only run this while no server is executing work.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), func(ctx context.Context, db *storage.DB) error {
				res, err := reconcile.Run(ctx, db, slog.Default())
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "runs=%d jobs=%d batches=%d\n", res.Runs, res.Jobs, res.Batches)
				return err
			})
		},
	}
}

func newHashKeyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-key [key]",
		Short: "Print the ASSAY_OPERATOR_KEY_HASH value for an operator key",
		Long: `Hash an operator key with argon2id. The key is read from the argument,
or from the first line of stdin when no argument is given. The hash
contains '$', so single-quote it in .env files and shells.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var key string
			if len(args) == 1 {
				key = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read key: %w", err)
				}
				key = strings.TrimSpace(line)
			}
			if key == "" {
				return errors.New("key must not be empty")
			}
			hash, err := auth.HashAPIKey(key)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), hash)
			return err
		},
	}
}

func newGenKeyCommand() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "genkey",
		Short: "Write an Ed25519 key pair for signing operator tokens",
		Long: `Write jwt_private.pem and jwt_public.pem into the target directory.
Point ASSAY_JWT_PRIVATE_KEY and ASSAY_JWT_PUBLIC_KEY at them; without
persistent keys every restart invalidates issued tokens. Existing files
are never overwritten.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			priv := filepath.Join(dir, "jwt_private.pem")
			pub := filepath.Join(dir, "jwt_public.pem")
			if err := auth.WriteKeyPair(priv, pub); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "ASSAY_JWT_PRIVATE_KEY=%s\nASSAY_JWT_PUBLIC_KEY=%s\n", priv, pub)
			return err
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "data", "output directory")
	return cmd
}

func withDB(ctx context.Context, fn func(context.Context, *storage.DB) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := storage.New(ctx, storage.Options{URL: cfg.DatabaseURL, AppName: "assay-cli"}, slog.Default())
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close(context.Background())
	return fn(ctx, db)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
