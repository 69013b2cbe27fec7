package main

import (
	"fmt"
	"runtime/debug"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a taskd",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		info, ok := debug.ReadBuildInfo()
		if !ok {
			_, _ = fmt.Fprintln(out, "taskd: version info not available")
			return
		}

		if configPath != "" {
			_, _ = fmt.Fprintf(out, "config: %s\n", configPath)
		}
		_, _ = fmt.Fprintf(out, "taskd:  %s\n", info.Main.Version)
		_, _ = fmt.Fprintf(out, "go:     %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				_, _ = fmt.Fprintf(out, "commit: %s\n", s.Value)
			case "vcs.time":
				_, _ = fmt.Fprintf(out, "date:   %s\n", s.Value)
			case "vcs.modified":
				_, _ = fmt.Fprintf(out, "dirty:  %s\n", s.Value)
			}
		}
	},
}
