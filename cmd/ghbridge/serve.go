package main

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/syncforge/ghbridge/internal/config"
	"github.com/syncforge/ghbridge/internal/dashboard"
	"github.com/syncforge/ghbridge/internal/ledger"
	"github.com/syncforge/ghbridge/internal/registry"
	"github.com/syncforge/ghbridge/internal/store"
	"github.com/syncforge/ghbridge/internal/webhookapi"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge daemon",
	Long: `Start the sync daemon: one worker per configured workspace, the
webhook ingress, and optionally the status dashboard.

The workspaces file is watched; edits apply without a restart.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func buildLogger(cfg *config.Config) *log.Logger {
	var out io.Writer = os.Stderr
	if cfg.LogFile != "" {
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		})
	}
	return log.New(out, "", log.LstdFlags)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := buildLogger(cfg)

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.InitSchema(); err != nil {
		return err
	}
	led := ledger.New(db.RawDB())
	if err := led.InitSchema(); err != nil {
		return err
	}

	reg := registry.NewRegistry(registry.Config{
		Store:         store.New(db),
		Ledger:        led,
		BotLogin:      cfg.BotLogin,
		ReadOnly:      cfg.ReadOnly,
		RatePerSecond: cfg.RatePerSecond,
		APIBaseURL:    cfg.APIBaseURL,
		Logger:        logger,
		Mappings:      config.MappingSource(cfg.MappingsDir),
	})
	defer reg.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	watcher := registry.NewTopologyWatcher(reg, cfg.WorkspacesFile)
	if err := watcher.Start(ctx); err != nil {
		return err
	}
	defer watcher.Stop()

	hooks := webhookapi.NewServer(webhookapi.Config{
		Addr:   cfg.ListenAddr,
		Secret: cfg.WebhookSecret,
		Logger: logger,
	}, reg)
	errc := make(chan error, 1)
	go func() { errc <- hooks.Start() }()

	if cfg.DashboardPort > 0 {
		dash := dashboard.NewServer(dashboard.Config{
			Port:         cfg.DashboardPort,
			PollInterval: 2 * time.Second,
			Logger:       logger,
		}, reg)
		if err := dash.Start(); err != nil {
			return err
		}
		defer dash.Stop()
	}

	logger.Printf("[serve] ghbridge %s running (db %s)", version, cfg.DBPath)
	select {
	case <-ctx.Done():
	case err := <-errc:
		if err != nil {
			return err
		}
	}

	logger.Printf("[serve] shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return hooks.Stop(shutdownCtx)
}
