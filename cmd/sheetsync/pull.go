package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/geultto/sheetsync/internal/engine"
	"github.com/geultto/sheetsync/internal/ui"
	"github.com/spf13/cobra"
)

var pullCmd = &cobra.Command{
	Use:     "pull",
	GroupID: "sync",
	Short:   "Replace the local tables with the remote data",
	Long: `Fetch users, contents and bookmarks from the remote and rebuild the local
tables from them. A table whose remote data does not parse keeps its local
file and is reported as failed.

Do not run this while 'sheetsync serve' is running on the same data directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
		defer cancel()

		eng, err := a.newEngine(ctx, nil)
		if err != nil {
			return err
		}
		defer eng.Stop(context.Background())

		fmt.Printf("%s Pulling remote tables...\n", ui.RenderAccent("↻"))
		report, err := eng.Controller().Pull(ctx)
		if report != nil {
			printPull(report)
		}
		if err != nil {
			return err
		}
		fmt.Printf("%s Pull complete in %v\n", ui.RenderPass("✓"), report.Duration.Round(time.Millisecond))
		return nil
	},
}

func printPull(report *engine.PullReport) {
	var rows [][]string
	for _, t := range engine.PullTables {
		status := ui.RenderPass("ok")
		if msg, failed := report.Failed[t]; failed {
			status = ui.RenderFail(msg)
		}
		rows = append(rows, []string{string(t), strconv.Itoa(report.Rows[t]), strconv.Itoa(report.Preserved[t]), status})
	}
	ui.Table(os.Stdout, []string{"TABLE", "ROWS", "PRESERVED", "STATUS"}, rows)
}

func init() {
	rootCmd.AddCommand(pullCmd)
}
