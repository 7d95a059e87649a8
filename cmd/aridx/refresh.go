package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/ivoronin/aridx/internal/progress"
)

// newRefreshCmd creates the refresh subcommand.
func newRefreshCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Refresh the archive index with any changes",
		Long: `Updates the archive index by scanning for new, modified, or deleted files.
More efficient than rebuild for incremental updates.`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runRefresh(opts)
		},
	}
}

func runRefresh(opts *globalOptions) error {
	a, proc, err := openArchive(opts, false)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()
	defer proc.Close()

	bar := progress.New(!opts.noProgress, -1)
	return a.Refresh(context.Background(), bar)
}
