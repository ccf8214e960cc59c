package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/syncforge/ghbridge/internal/config"
	"github.com/syncforge/ghbridge/internal/ledger"
	"github.com/syncforge/ghbridge/internal/registry"
	"github.com/syncforge/ghbridge/internal/store"
)

var (
	syncWorkspace string
	syncRecheck   bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one synchronization round and exit",
	Long: `Perform a one-shot sync: list remote entities, reconcile the ledger,
push pending local changes, then exit.

With --recheck, records parked with an error are re-armed first so the
round retries them.`,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().StringVar(&syncWorkspace, "workspace", "", "limit to one workspace")
	syncCmd.Flags().BoolVar(&syncRecheck, "recheck", false, "re-arm records parked with errors")
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	wss, err := config.LoadWorkspaces(cfg.WorkspacesFile)
	if err != nil {
		return err
	}
	if syncWorkspace != "" {
		var filtered []config.Workspace
		for _, ws := range wss {
			if ws.Name == syncWorkspace {
				filtered = append(filtered, ws)
			}
		}
		if len(filtered) == 0 {
			return fmt.Errorf("workspace %q not in %s", syncWorkspace, cfg.WorkspacesFile)
		}
		wss = filtered
	}

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

	logger := log.New(os.Stderr, "", log.LstdFlags)
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

	ctx := context.Background()
	for _, ws := range wss {
		if syncRecheck {
			n, err := recheckWorkspace(ctx, led, ws.Name)
			if err != nil {
				return err
			}
			fmt.Printf("%s: re-armed %d failed records\n", ws.Name, n)
		}
		if err := reg.SyncOnce(ctx, ws); err != nil {
			return fmt.Errorf("sync %s: %w", ws.Name, err)
		}
		counts, err := led.CountStates(ctx, ws.Name)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %d records, %d settled, %d failed\n",
			ws.Name, counts.Total, counts.Settled, counts.Failed)
	}
	return nil
}

// recheckWorkspace clears errors page by page until none remain.
func recheckWorkspace(ctx context.Context, led *ledger.Ledger, workspace string) (int, error) {
	total := 0
	for {
		page, err := led.FailedPage(ctx, workspace)
		if err != nil {
			return total, err
		}
		if len(page) == 0 {
			return total, nil
		}
		for i := range page {
			if err := led.ClearError(ctx, workspace, page[i].URL); err != nil {
				return total, err
			}
			total++
		}
		if len(page) < ledger.DuePageSize {
			return total, nil
		}
	}
}
