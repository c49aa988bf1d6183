package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/uploadtopi/uploadtopi/internal/runs"
)

var pruneAll bool

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove finished run records",
	Long: `Remove the records of finished deployment runs.

With --all, records of runs still marked as running are removed too, which
cleans up after an uploadtopi process that was killed.`,
	RunE: runPrune,
}

func init() {
	rootCmd.AddCommand(pruneCmd)
	pruneCmd.Flags().BoolVarP(&pruneAll, "all", "a", false, "remove all records (including running)")
}

func runPrune(cmd *cobra.Command, args []string) error {
	store, err := runs.NewStore()
	if err != nil {
		return fmt.Errorf("failed to access run store: %w", err)
	}

	removed, err := store.Prune(pruneAll)
	for _, id := range removed {
		fmt.Printf("Removed run: %s\n", id)
	}
	if err != nil {
		return fmt.Errorf("failed to prune runs: %w", err)
	}

	if len(removed) == 0 {
		fmt.Println("No runs to remove.")
	} else {
		fmt.Printf("Removed %d run(s).\n", len(removed))
	}
	return nil
}
