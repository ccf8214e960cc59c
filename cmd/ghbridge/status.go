package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/syncforge/ghbridge/internal/config"
	"github.com/syncforge/ghbridge/internal/ledger"
	"github.com/syncforge/ghbridge/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-workspace sync record counts",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	wss, err := config.LoadWorkspaces(cfg.WorkspacesFile)
	if err != nil {
		return err
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()
	led := ledger.New(db.RawDB())
	if err := led.InitSchema(); err != nil {
		return err
	}

	ctx := context.Background()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "WORKSPACE\tTOTAL\tSETTLED\tPENDING\tDERIVED\tTOMBSTONED\tFAILED")
	for _, ws := range wss {
		c, err := led.CountStates(ctx, ws.Name)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\n",
			ws.Name, c.Total, c.Settled, c.PendingSync+c.PendingExternal,
			c.PendingDerived, c.Tombstoned, c.Failed)
	}
	return w.Flush()
}
