// ghbridge is the bidirectional bridge between remote repositories and
// the local document store.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "ghbridge",
	Short: "Bidirectional sync between remote repositories and the document store",
	Long: `ghbridge mirrors issues, pull requests, comments, reviews, milestones
and repository metadata into the local document store and pushes local
edits back out.

State lives in a single SQLite file holding both the documents and the
sync ledger. Workspaces are described in workspaces.yaml; each maps one
remote installation to a set of repository/project pairs.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: ./ghbridge.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
