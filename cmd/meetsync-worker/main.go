package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vipul43/meetsync-worker/internal/config"
	"github.com/vipul43/meetsync-worker/internal/database"
	"github.com/vipul43/meetsync-worker/internal/logger"
	"github.com/vipul43/meetsync-worker/internal/models"
	"github.com/vipul43/meetsync-worker/internal/service"
	"github.com/vipul43/meetsync-worker/internal/vault"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		logger.L().Error("application error", logger.Err(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	_ = logger.Sync()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "meetsync-worker",
		Short:         "Syncs external meeting calendars into the app and mirrors them to Google Calendar",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context())
		},
	}

	root.AddCommand(&cobra.Command{
		Use:   "worker",
		Short: "Run the scheduler and the HTTP API (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context())
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := database.Connect(cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()
			return database.RunMigrations(db)
		},
	})

	var (
		user     string
		provider string
	)
	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass for an account and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := models.Provider(provider)
			if !p.Valid() {
				return fmt.Errorf("unknown provider %q", provider)
			}
			return runSyncOnce(cmd.Context(), user, p)
		},
	}
	syncCmd.Flags().StringVar(&user, "user", "", "user id")
	syncCmd.Flags().StringVar(&provider, "provider", string(models.ProviderMTM), "provider (mtm|ics)")
	_ = syncCmd.MarkFlagRequired("user")
	root.AddCommand(syncCmd)

	root.AddCommand(&cobra.Command{
		Use:   "vault-key",
		Short: "Generate a data key wrapped by VAULT_MASTER_KEY for VAULT_WRAPPED_DATA_KEY",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			wrapper, err := vault.NewLocalKeyWrapper(cfg.VaultMasterKey)
			if err != nil {
				return err
			}
			wrapped, err := vault.NewWrappedDataKey(cmd.Context(), wrapper)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), wrapped)
			return nil
		},
	})

	return root
}

// loadConfig reads the environment and initialises the logger from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger.Init(logger.Config{Env: cfg.AppEnv, Level: cfg.LogLevel, ServiceName: "meetsync-worker"})
	for _, w := range cfg.Warnings() {
		logger.Named("config").Warn(w)
	}
	return cfg, nil
}

func runWorker(parent context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logger.Named("main")

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()
	log.Info("database connected")

	log.Info("running database migrations")
	if err := database.RunMigrations(a.db); err != nil {
		return err
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 2)
	go func() {
		errChan <- a.watcher.Start(ctx)
	}()

	srv := a.http.NewHTTPServer(cfg.HTTPAddr)
	go func() {
		log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("http server: %w", err)
		}
	}()

	// Wait for shutdown signal or error
	var runErr error
	select {
	case sig := <-sigChan:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errChan:
		if err != nil && !errors.Is(err, context.Canceled) {
			runErr = err
		}
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeout)*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown", logger.Err(err))
	}
	select {
	case <-shutdownCtx.Done():
		log.Warn("shutdown timeout exceeded")
	case err := <-errChan:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("watcher error", logger.Err(err))
		}
	}

	log.Info("application stopped")
	return runErr
}

func runSyncOnce(ctx context.Context, uid string, provider models.Provider) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	from, to := cfg.SyncWindow(time.Now())
	res, err := a.orchestrator.SyncAccount(ctx, uid, provider, &service.Window{From: from, To: to})
	out := map[string]any{
		"processed":   res.Processed,
		"upserted":    res.Upserted,
		"canceled":    res.Canceled,
		"skipped":     res.Skipped,
		"mirrored":    res.Mirrored,
		"notModified": res.NotModified,
		"state":       res.State,
	}
	if err != nil {
		out["failedAt"] = res.FailedAt
		out["error"] = err.Error()
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(out); encErr != nil {
		return encErr
	}
	return err
}
