package cmd

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/uploadtopi/uploadtopi/internal/runs"
)

var psCmd = &cobra.Command{
	Use:   "ps",
	Short: "List deployment runs",
	Long:  `List recorded uploadtopi deployment runs with their status and exit code.`,
	RunE:  runPs,
}

func init() {
	rootCmd.AddCommand(psCmd)
}

func runPs(cmd *cobra.Command, args []string) error {
	store, err := runs.NewStore()
	if err != nil {
		return fmt.Errorf("failed to access run store: %w", err)
	}

	records, err := store.List()
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}

	if len(records) == 0 {
		fmt.Println("No recorded runs.")
		return nil
	}

	// Create tabwriter for aligned output
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tHOST\tARTIFACT\tSTATUS\tSTARTED\tEXIT")
	_, _ = fmt.Fprintln(w, "--\t----\t--------\t------\t-------\t----")

	for _, record := range records {
		started := record.StartedAt.Format("2006-01-02 15:04:05")
		exit := "-"
		if record.ExitCode != nil {
			exit = strconv.Itoa(*record.ExitCode)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(record.ID),
			record.Host,
			record.Artifact,
			record.Status,
			started,
			exit,
		)
	}

	_ = w.Flush()
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
