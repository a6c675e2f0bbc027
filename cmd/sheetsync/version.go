package main

import (
	"fmt"
	"runtime/debug"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the sheetsync version",
	Run: func(cmd *cobra.Command, args []string) {
		rev := commit
		if rev == "" {
			if info, ok := debug.ReadBuildInfo(); ok {
				for _, s := range info.Settings {
					if s.Key == "vcs.revision" && len(s.Value) >= 12 {
						rev = s.Value[:12]
					}
				}
			}
		}
		if rev != "" {
			fmt.Printf("sheetsync %s (%s)\n", version, rev)
			return
		}
		fmt.Printf("sheetsync %s\n", version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
