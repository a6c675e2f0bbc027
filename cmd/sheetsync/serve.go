package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/geultto/sheetsync/internal/dashboard"
	"github.com/geultto/sheetsync/internal/engine"
	"github.com/geultto/sheetsync/internal/ui"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "sync",
	Short:   "Run the sync engine until interrupted",
	Long: `Pull every remote table into the local store, then run the flush scheduler.

Pending writes are uploaded every sync.flush_interval and the event log every
sync.log_upload_interval. On SIGINT or SIGTERM the scheduler stops and one
final flush is attempted.

With --dashboard an operator dashboard is served:
  ws://<addr>/ws              live engine events
  http://<addr>/status        queue depths and table sizes
  POST http://<addr>/admin/resync   run maintenance (Bearer dashboard.admin_token)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		var (
			server   *dashboard.Server
			notifier engine.Notifier
		)
		if a.cfg.Dashboard.Enabled {
			server = dashboard.NewServer(&dashboard.Config{
				Addr:       a.cfg.Dashboard.Addr,
				AdminToken: a.cfg.Dashboard.AdminToken,
				Logger:     a.logger,
			})
			notifier = server.Notifier()
		}

		eng, err := a.newEngine(ctx, notifier)
		if err != nil {
			return err
		}

		if server != nil {
			server.SetEngine(eng)
			if err := server.Start(); err != nil {
				return err
			}
			defer server.Stop()
			fmt.Printf("%s Dashboard on http://%s\n", ui.RenderAccent("●"), server.Addr())
		}

		fmt.Printf("%s Pulling remote tables...\n", ui.RenderAccent("↻"))
		if err := eng.Start(ctx); err != nil {
			return err
		}
		st := eng.Status()
		fmt.Printf("%s Engine ready (users %d, contents %d, bookmarks %d)\n",
			ui.RenderPass("✓"), st.Tables["users"], st.Tables["contents"], st.Tables["bookmarks"])
		fmt.Println(ui.RenderMuted("Press Ctrl+C to stop..."))

		<-ctx.Done()

		fmt.Println("\nShutting down...")
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer stopCancel()
		if err := eng.Stop(stopCtx); err != nil {
			return err
		}
		if pending := eng.Queues().Total(); pending > 0 {
			fmt.Printf("%s %d entries were not uploaded and will be replaced by the next pull\n",
				ui.RenderWarn("⚠"), pending)
		} else {
			fmt.Printf("%s All writes uploaded\n", ui.RenderPass("✓"))
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().Bool("dashboard", false, "serve the operator dashboard")
	serveCmd.Flags().String("dashboard-addr", "", "dashboard listen address (default :8080)")

	rootCmd.AddCommand(serveCmd)
}
