// Command sheetsync runs the write-behind sync engine between the bot's
// local CSV tables and the remote spreadsheet.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Set via -ldflags at build time.
var (
	version = "dev"
	commit  = ""
)

var rootCmd = &cobra.Command{
	Use:   "sheetsync",
	Short: "Write-behind sync between local tables and a remote spreadsheet",
	Long: `sheetsync keeps the bot's local CSV tables and the remote spreadsheet in step.

Reads are always served from the local tables. Writes land locally first and
are uploaded by a background scheduler every few seconds, so a slow or
failing spreadsheet never blocks the bot.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "ops", Title: "Operator Commands:"},
	)

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "config file (default: ./sheetsync.yaml)")
	flags.String("data-dir", "", "directory holding the local tables")
	flags.String("backend", "", "remote backend: sheets or sqlite")
	flags.String("sqlite-path", "", "database file for the sqlite backend")
	flags.String("log-level", "", "log level: debug, info, warn, error")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
