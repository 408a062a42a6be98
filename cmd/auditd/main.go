// Command auditd runs the tamper-evident audit logging service: the HTTP
// ingestion API, the durable queue workers, and the chain verification
// scheduler. The verify and stats subcommands operate on an existing ledger
// offline.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"aegis-audit/internal/app"
	"aegis-audit/internal/config"
	internaldb "aegis-audit/internal/db"
	"aegis-audit/internal/db/repository"
	"aegis-audit/internal/service/ledger"
)

func main() {
	os.Exit(execute())
}

func execute() int {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "auditd",
		Short:         "Tamper-evident audit logging service",
		Long:          "Totally-ordered, hash-chained audit ledger with WORM snapshot storage.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			// .env is optional; real environment variables take precedence.
			return config.LoadDotEnv(".env")
		},
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVerifyCmd())
	rootCmd.AddCommand(newStatsCmd())
	return rootCmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ingestion API, queue workers, and verification scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)
	for _, w := range cfg.Warnings {
		logger.Warn(w)
	}

	writeDB, readDB, err := internaldb.OpenSQLitePair(cfg.LedgerDBPath, 4)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer writeDB.Close()
	defer readDB.Close()

	if err := internaldb.RunMigrations(writeDB); err != nil {
		return fmt.Errorf("migrate ledger: %w", err)
	}

	a, err := app.New(ctx, app.Deps{
		Cfg:     cfg,
		WriteDB: writeDB,
		ReadDB:  readDB,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	if err := a.Start(); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           a.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP API listening", "addr", cfg.ListenAddr, "env", cfg.Env)
		errCh <- srv.ListenAndServe()
	}()

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		return err
	case <-sigCtx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	// Workers drain after the HTTP surface closes so no new jobs arrive
	// mid-drain.
	if err := a.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func newVerifyCmd() *cobra.Command {
	var limit int64
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify hash-chain integrity of an existing ledger",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadFromEnv()
			if err != nil {
				return err
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: cfg.SlogLevel(),
			}))

			readDB, err := openReadOnly(cfg.LedgerDBPath)
			if err != nil {
				return err
			}
			defer readDB.Close()

			verifier := ledger.NewVerifier(repository.NewChainRepo(readDB), logger)
			result, err := verifier.Verify(cmd.Context(), limit)
			if err != nil {
				return err
			}

			if err := json.NewEncoder(os.Stdout).Encode(result); err != nil {
				return err
			}
			if !result.Valid {
				return errors.New("chain verification failed")
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&limit, "limit", 0, "verify only the first N entries (0 = whole ledger)")
	return cmd
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print ledger statistics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadFromEnv()
			if err != nil {
				return err
			}

			readDB, err := openReadOnly(cfg.LedgerDBPath)
			if err != nil {
				return err
			}
			defer readDB.Close()

			stats, err := repository.NewChainRepo(readDB).Stats(cmd.Context())
			if err != nil {
				return err
			}
			return json.NewEncoder(os.Stdout).Encode(stats)
		},
	}
}

func openReadOnly(path string) (*sql.DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("ledger database %s: %w", path, err)
	}
	return internaldb.OpenSQLite(path, "read", 2)
}
