package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/geultto/sheetsync/internal/ui"
	"github.com/spf13/cobra"
)

var maintainCmd = &cobra.Command{
	Use:     "maintain",
	GroupID: "ops",
	Short:   "Upload the event log, back up contents and resync",
	Long: `Run the maintenance sequence:
  1. Upload the local event log to the remote log sheet
  2. Copy the local contents table to the backup sheet
  3. Drop the uploaded records from the local event log
  4. Pull every remote table into the local store

The sequence stops at the first failing step.

With --dashboard-url the request is sent to a running 'sheetsync serve'
instead of running locally:
  sheetsync maintain --dashboard-url http://localhost:8080 --token $TOKEN`,
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		url, _ := cmd.Flags().GetString("dashboard-url")

		if !yes {
			ok, err := confirm("Run maintenance? The backup sheet will be overwritten.")
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("Cancelled")
				return nil
			}
		}

		if url != "" {
			token, _ := cmd.Flags().GetString("token")
			return remoteResync(cmd.Context(), url, token)
		}

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

		fmt.Printf("%s Running maintenance...\n", ui.RenderAccent("↻"))
		report, err := eng.TriggerResync(ctx)
		if report != nil {
			fmt.Printf("   Log records uploaded: %d\n", report.LogsUploaded)
			fmt.Printf("   Contents backed up:   %d\n", report.BackupRows)
			fmt.Printf("   Log records rotated:  %d\n", report.LogsRotated)
			if report.Pull != nil {
				printPull(report.Pull)
			}
		}
		if err != nil {
			return err
		}
		fmt.Printf("%s Maintenance complete\n", ui.RenderPass("✓"))
		return nil
	},
}

func confirm(title string) (bool, error) {
	if !ui.IsTerminal(os.Stdin) {
		return false, errors.New("refusing to run without confirmation; pass --yes")
	}
	var ok bool
	err := huh.NewConfirm().
		Title(title).
		Affirmative("Run").
		Negative("Cancel").
		Value(&ok).
		Run()
	if err != nil {
		return false, err
	}
	return ok, nil
}

func remoteResync(ctx context.Context, base, token string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(base, "/")+"/admin/resync", nil)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach dashboard: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("dashboard refused resync (%s): %s", resp.Status, strings.TrimSpace(string(body)))
	}
	fmt.Printf("%s Maintenance started; follow progress on the dashboard\n", ui.RenderPass("✓"))
	return nil
}

func init() {
	maintainCmd.Flags().BoolP("yes", "y", false, "skip the confirmation prompt")
	maintainCmd.Flags().String("dashboard-url", "", "trigger maintenance on a running server instead")
	maintainCmd.Flags().String("token", os.Getenv("SHEETSYNC_ADMIN_TOKEN"), "admin token for --dashboard-url")

	rootCmd.AddCommand(maintainCmd)
}
