package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cbrain/controlplane/internal/activity"
	"github.com/cbrain/controlplane/internal/agent"
	"github.com/cbrain/controlplane/internal/auth"
	"github.com/cbrain/controlplane/internal/command"
	"github.com/cbrain/controlplane/internal/config"
	"github.com/cbrain/controlplane/internal/db"
	"github.com/cbrain/controlplane/internal/events"
	"github.com/cbrain/controlplane/internal/notify"
	"github.com/cbrain/controlplane/internal/observability"
	"github.com/cbrain/controlplane/internal/quota"
	"github.com/cbrain/controlplane/internal/scheduler"
)

var version = "dev"

func main() {
	var (
		configPath string
		logLevel   string
		logFormat  string
	)

	rootCmd := &cobra.Command{
		Use:          "bourreau",
		Short:        "CBRAIN Bourreau: runs background activities for a portal",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := observability.NewLogger(os.Stderr, logLevel, logFormat)
			return run(cmd.Context(), configPath, logger)
		},
	}
	rootCmd.Flags().StringVar(&configPath, "config", "config/bourreau.yaml", "path to bourreau config")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string, logger *slog.Logger) error {
	cfg, err := config.LoadBourreauConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	loc, err := config.Location(cfg.Timezone)
	if err != nil {
		return fmt.Errorf("invalid timezone: %w", err)
	}

	shutdownTracing, err := observability.InitTracingFromEnv("cbrain-bourreau")
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open db: %w", err)
	}
	defer database.Close()
	if err := database.Init(); err != nil {
		return fmt.Errorf("failed to init db: %w", err)
	}

	// the portal seeds our record; we only read it
	self, err := database.GetResourceByName(ctx, cfg.Name)
	if err != nil {
		return fmt.Errorf("bourreau %s is not registered: %w", cfg.Name, err)
	}
	if !self.IsBourreau() {
		return fmt.Errorf("resource %s is a %s, not a Bourreau", self.Name, self.Type)
	}
	cacheDir := cfg.CacheDir
	if cacheDir == "" {
		cacheDir = self.CacheDir
	}

	var adminID int64
	if admin, err := database.AdminUser(ctx); err == nil {
		adminID = admin.ID
	}

	eventMgr := events.New(database, logger)
	defer eventMgr.Close()

	sinks := notify.Multi{&notify.StoreNotifier{Store: database}}
	if cfg.Notify.RedisAddr != "" {
		rn := notify.NewRedisNotifier(cfg.Notify.RedisAddr, cfg.Notify.RedisChannel)
		defer rn.Close()
		sinks = append(sinks, rn)
	}
	notifier := notify.NewThrottled(sinks, cfg.Notify.RatePerMinute, logger)

	env := activity.StoreEnv(database, self, cacheDir, logger)
	env.Notifier, env.AdminID, env.Location = notifier, adminID, loc
	env.Quotas = quota.NewAggregator(database, quota.DefaultTTL)

	dispatcher := scheduler.New(database, activity.NewRunner(env), self.ID, scheduler.LockToken(), eventMgr, logger)
	workers := scheduler.NewWorkerPool(dispatcher, cfg.Dispatcher.PollInterval.D(), cfg.Dispatcher.CrashedAfter.D(), logger)
	defer workers.Stop()

	processor := command.NewProcessor(self, database, notifier, logger)
	ag := agent.NewAgent(self, processor, workers, activity.NewBuilder(env, database), database,
		auth.NewAuthenticator(database, logger), agent.Options{NumWorkers: cfg.Dispatcher.Workers, Version: version}, logger)

	if cfg.StartWorkers {
		workers.Start(ctx, cfg.Dispatcher.Workers)
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           ag.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("bourreau listening", "addr", cfg.Addr, "name", self.Name, "tls", cfg.CertPath != "", "version", version)
	if cfg.CertPath != "" && cfg.KeyPath != "" {
		err = srv.ListenAndServeTLS(cfg.CertPath, cfg.KeyPath)
	} else {
		err = srv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
