package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/geultto/sheetsync/internal/config"
	"github.com/geultto/sheetsync/internal/dashboard"
	"github.com/geultto/sheetsync/internal/engine"
	"github.com/geultto/sheetsync/internal/schema"
	"github.com/geultto/sheetsync/internal/store"
	"github.com/geultto/sheetsync/internal/ui"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "ops",
	Short:   "Show local table sizes or a running server's status",
	Long: `Without --dashboard-url, report the local tables under data_dir.

With --dashboard-url, fetch the live status of a running 'sheetsync serve':
engine state, queue depths and event counters.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		url, _ := cmd.Flags().GetString("dashboard-url")

		var out any
		if url != "" {
			live, err := fetchStatus(cmd.Context(), url)
			if err != nil {
				return err
			}
			out = live
		} else {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path, cmd.Flags())
			if err != nil {
				return err
			}
			local, err := localStatus(cfg.DataDir)
			if err != nil {
				return err
			}
			out = local
		}

		switch format {
		case "yaml":
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(out)
		case "json":
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		case "text":
			printStatus(out)
			return nil
		default:
			return fmt.Errorf("unknown format %q (want text, yaml or json)", format)
		}
	},
}

// tableStatus describes one local table file.
type tableStatus struct {
	Table    string    `json:"table" yaml:"table"`
	Records  int       `json:"records" yaml:"records"`
	Path     string    `json:"path" yaml:"path"`
	Modified time.Time `json:"modified,omitzero" yaml:"modified,omitempty"`
	Error    string    `json:"error,omitempty" yaml:"error,omitempty"`
}

type localReport struct {
	DataDir string        `json:"data_dir" yaml:"data_dir"`
	Tables  []tableStatus `json:"tables" yaml:"tables"`
}

type liveReport struct {
	Engine engine.Status   `json:"engine" yaml:"engine"`
	Events dashboard.Stats `json:"events" yaml:"events"`
}

func localStatus(dir string) (*localReport, error) {
	st, err := store.Open(dir, nil)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	report := &localReport{DataDir: dir}
	for _, t := range schema.Tables() {
		ts := tableStatus{Table: string(t), Path: st.Path(t)}
		if n, err := st.Count(t); err != nil {
			ts.Error = err.Error()
		} else {
			ts.Records = n
		}
		if info, err := os.Stat(ts.Path); err == nil {
			ts.Modified = info.ModTime()
		}
		report.Tables = append(report.Tables, ts)
	}
	return report, nil
}

func fetchStatus(ctx context.Context, base string) (*liveReport, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+"/status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach dashboard: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("dashboard status: %s", resp.Status)
	}

	var live liveReport
	if err := json.NewDecoder(resp.Body).Decode(&live); err != nil {
		return nil, fmt.Errorf("failed to decode status: %w", err)
	}
	return &live, nil
}

func printStatus(out any) {
	switch r := out.(type) {
	case *localReport:
		fmt.Printf("%s Local tables in %s\n\n", ui.RenderAccent("●"), r.DataDir)
		var rows [][]string
		for _, t := range r.Tables {
			records := strconv.Itoa(t.Records)
			if t.Error != "" {
				records = ui.RenderFail(t.Error)
			}
			modified := ui.RenderMuted("never")
			if !t.Modified.IsZero() {
				modified = t.Modified.Format(time.DateTime)
			}
			rows = append(rows, []string{t.Table, records, modified})
		}
		ui.Table(os.Stdout, []string{"TABLE", "RECORDS", "MODIFIED"}, rows)

	case *liveReport:
		state := ui.RenderPass(r.Engine.State)
		if !r.Engine.Ready {
			state = ui.RenderWarn(r.Engine.State + " (not ready)")
		}
		fmt.Printf("%s Engine %s, %d pending\n\n", ui.RenderAccent("●"), state, r.Engine.Pending)

		var rows [][]string
		for _, q := range r.Engine.Queues {
			rows = append(rows, []string{q.Name, string(q.Table), strconv.Itoa(q.Len), q.OldestAge})
		}
		ui.Table(os.Stdout, []string{"QUEUE", "TABLE", "PENDING", "OLDEST"}, rows)

		fmt.Printf("\n   Flushes: %d (%d entries), failures: %d, dropped updates: %d\n",
			r.Events.FlushesCompleted, r.Events.EntriesFlushed, r.Events.FlushFailures, r.Events.UpdatesDropped)
		if r.Events.LastError != "" {
			fmt.Printf("   %s %s\n", ui.RenderFail("Last error:"), r.Events.LastError)
		}
	}
}

func init() {
	statusCmd.Flags().StringP("format", "f", "text", "output format: text, yaml or json")
	statusCmd.Flags().String("dashboard-url", "", "query a running server")

	rootCmd.AddCommand(statusCmd)
}
