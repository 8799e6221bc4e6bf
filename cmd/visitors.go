package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/footfall/internal/store"
	"github.com/andresmejia3/footfall/internal/utils"
	"github.com/spf13/cobra"
)

var visitorsRunID string

var visitorsCmd = &cobra.Command{
	Use:   "visitors",
	Short: "List distinct visitors from the event log",
	Run: func(cmd *cobra.Command, args []string) {
		if err := listVisitors(cmd.Context(), DB, visitorsRunID, os.Stdout); err != nil {
			utils.Die("Failed to list visitors", err, nil)
		}
	},
}

func init() {
	visitorsCmd.Flags().StringVar(&visitorsRunID, "run", "", "Only list visitors of this run ID")
	rootCmd.AddCommand(visitorsCmd)
}

func listVisitors(ctx context.Context, db store.EventStore, runID string, out io.Writer) error {
	visitors, err := db.UniqueVisitors(ctx, runID)
	if err != nil {
		return err
	}

	if len(visitors) == 0 {
		fmt.Fprintln(out, "No visitors found in the event log.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "RUN\tVISITOR\tENTRIES\tFIRST SEEN\tLAST SEEN")
	fmt.Fprintln(w, "---\t-------\t-------\t----------\t---------")

	for _, v := range visitors {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", shortRunID(v.RunID), v.VisitorID, v.Events,
			v.FirstSeen.Local().Format("2006-01-02 15:04:05"), v.LastSeen.Local().Format("2006-01-02 15:04:05"))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\nTotal distinct visitors: %d\n", len(visitors))
	return nil
}

func shortRunID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
