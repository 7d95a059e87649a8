package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/ivoronin/aridx/internal/progress"
)

// newRebuildCmd creates the rebuild subcommand.
func newRebuildCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild",
		Short: "Completely rebuild the archive index from scratch",
		Long: `Rebuilds the entire archive index by scanning all files and computing their
hashes. Any existing index content is discarded; the archive id is kept.`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runRebuild(opts)
		},
	}
}

func runRebuild(opts *globalOptions) error {
	a, proc, err := openArchive(opts, true)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()
	defer proc.Close()

	bar := progress.New(!opts.noProgress, -1)
	return a.Rebuild(context.Background(), bar)
}
