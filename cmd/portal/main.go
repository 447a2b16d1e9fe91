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
	"github.com/cbrain/controlplane/internal/auth"
	"github.com/cbrain/controlplane/internal/command"
	"github.com/cbrain/controlplane/internal/config"
	"github.com/cbrain/controlplane/internal/controller"
	"github.com/cbrain/controlplane/internal/db"
	"github.com/cbrain/controlplane/internal/events"
	"github.com/cbrain/controlplane/internal/models"
	"github.com/cbrain/controlplane/internal/netutils"
	"github.com/cbrain/controlplane/internal/notify"
	"github.com/cbrain/controlplane/internal/observability"
	"github.com/cbrain/controlplane/internal/quota"
	"github.com/cbrain/controlplane/internal/resource"
	"github.com/cbrain/controlplane/internal/scheduler"
	"github.com/cbrain/controlplane/internal/sshctl"
)

var version = "dev"

func main() {
	var (
		configPath  string
		logLevel    string
		logFormat   string
		runActivity int64
	)

	rootCmd := &cobra.Command{
		Use:          "portal",
		Short:        "CBRAIN BrainPortal control plane",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := observability.NewLogger(os.Stderr, logLevel, logFormat)
			return run(cmd.Context(), configPath, runActivity, logger)
		},
	}
	rootCmd.Flags().StringVar(&configPath, "config", "config/portal.yaml", "path to portal config")
	rootCmd.Flags().Int64Var(&runActivity, "run-activity", 0, "run this activity in the foreground and exit")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string, runActivity int64, logger *slog.Logger) error {
	cfg, err := config.LoadPortalConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	loc, err := config.Location(cfg.Timezone)
	if err != nil {
		return fmt.Errorf("invalid timezone: %w", err)
	}

	shutdownTracing, err := observability.InitTracingFromEnv("cbrain-portal")
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

	self, err := seed(ctx, database, cfg)
	if err != nil {
		return err
	}
	var adminID int64
	if admin, err := database.AdminUser(ctx); err == nil {
		adminID = admin.ID
	} else {
		logger.Warn("no admin account; internal errors will not be reported", "err", err)
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

	quotas := quota.NewAggregator(database, quota.DefaultTTL)
	env := activity.StoreEnv(database, self, cfg.CacheDir, logger)
	env.Notifier, env.AdminID, env.Quotas, env.Location = notifier, adminID, quotas, loc

	dispatcher := scheduler.New(database, activity.NewRunner(env), self.ID, scheduler.LockToken(), eventMgr, logger)
	if runActivity != 0 {
		logger.Info("running single activity", "activity_id", runActivity)
		return dispatcher.RunOne(ctx, runActivity)
	}

	processor := command.NewProcessor(self, database, notifier, logger)
	client := &command.Client{
		HTTP:    netutils.DefaultClient,
		Self:    self,
		Local:   processor,
		Timeout: cfg.CommandTimeout.D(),
	}
	sshPool := sshctl.NewPool(logger)
	defer sshPool.StopAll()
	masters := resource.PoolSource(sshPool, sshctl.Config{
		KeyFile:        cfg.SSH.KeyFile,
		KnownHostsFile: cfg.SSH.KnownHostsFile,
		UseAgent:       cfg.SSH.UseAgent,
		DialTimeout:    cfg.SSH.DialTimeout.D(),
	})
	manager := resource.NewManager(self, database, client, masters, eventMgr, logger, resource.Options{
		GraceWindow: cfg.Liveness.GraceWindow.D(),
		StartGrace:  cfg.Liveness.StartGrace.D(),
	})

	workers := scheduler.NewWorkerPool(dispatcher, cfg.Dispatcher.PollInterval.D(), cfg.Dispatcher.CrashedAfter.D(), logger)
	server := controller.NewServer(controller.Config{
		DB:         database,
		Auth:       auth.NewAuthenticator(database, logger),
		Events:     eventMgr,
		Builder:    activity.NewBuilder(env, database),
		Dispatcher: dispatcher,
		Workers:    workers,
		Resources:  manager,
		Quotas:     quotas,
		Processor:  processor,
		Version:    version,
		Logger:     logger,
	})
	client.Info = server.Info

	workers.Start(ctx, cfg.Dispatcher.Workers)
	defer workers.Stop()
	go resource.NewMonitor(manager, database, logger).Run(ctx, cfg.Liveness.Interval.D())

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("portal listening", "addr", cfg.Addr, "name", self.Name, "tls", cfg.CertPath != "", "version", version)
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

// seed creates or refreshes the configured users and resources, the portal
// itself included, and returns the portal's record.
func seed(ctx context.Context, database *db.DB, cfg *config.PortalConfig) (*models.RemoteResource, error) {
	for _, u := range cfg.Users {
		if _, err := database.UpsertUser(ctx, u.Login, u.Token, u.Admin); err != nil {
			return nil, fmt.Errorf("failed to seed user %s: %w", u.Login, err)
		}
	}

	self := &models.RemoteResource{
		Name:      cfg.Name,
		Type:      models.ResourcePortal,
		AuthToken: cfg.AuthToken,
		CacheDir:  cfg.CacheDir,
	}
	if err := database.UpsertResource(ctx, self); err != nil {
		return nil, fmt.Errorf("failed to seed portal resource: %w", err)
	}
	if err := database.SetOnline(ctx, self.ID, true); err != nil {
		return nil, err
	}
	self.Online, self.TimeOfDeath = true, nil

	for _, rc := range cfg.Resources {
		if err := database.UpsertResource(ctx, rc.Model()); err != nil {
			return nil, fmt.Errorf("failed to seed resource %s: %w", rc.Name, err)
		}
	}
	return self, nil
}
