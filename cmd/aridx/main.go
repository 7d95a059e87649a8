package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

// globalOptions holds flags shared by every subcommand.
type globalOptions struct {
	archive    string
	workers    int
	noProgress bool
	verbose    bool
}

func main() {
	os.Exit(run())
}

func run() int {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:     "aridx",
		Short:   "Index an archive and analyze duplicates against it",
		Version: version + " (" + commit + ")",
	}

	root.PersistentFlags().StringVar(&opts.archive, "archive", "",
		"Path to the archive directory (default: $ARIDX_ARCHIVE or upward search from the working directory)")
	root.PersistentFlags().IntVarP(&opts.workers, "workers", "w", 0, "Number of parallel workers (default: CPU count)")
	root.PersistentFlags().BoolVar(&opts.noProgress, "no-progress", false, "Disable progress output")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Enable verbose logging to stderr")

	root.AddCommand(
		newRebuildCmd(opts),
		newRefreshCmd(opts),
		newAnalyzeCmd(opts),
		newImportCmd(opts),
		newInspectCmd(opts),
	)

	if err := root.Execute(); err != nil {
		return 1
	}
	return 0
}
