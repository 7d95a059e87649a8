package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/ivoronin/aridx/internal/progress"
	"github.com/ivoronin/aridx/internal/report"
)

// analyzeOptions holds CLI flags for the analyze command.
type analyzeOptions struct {
	includeAtime bool
	excludeCtime bool
	excludeOwner bool
	excludeGroup bool
}

// newAnalyzeCmd creates the analyze subcommand.
func newAnalyzeCmd(global *globalOptions) *cobra.Command {
	opts := &analyzeOptions{}

	cmd := &cobra.Command{
		Use:   "analyze PATH...",
		Short: "Generate duplicate analysis reports for files or directories",
		Long: `Analyzes the specified paths against the archive and generates persistent
reports in .report directories. Each report records per-item duplicates and
aggregated totals.

Each input path gets its own report directory:
  /home/user/documents        -> /home/user/documents.report/
  /path/to/file1.txt          -> /path/to/file1.txt.report/`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runAnalyze(global, opts, args)
		},
	}

	cmd.Flags().BoolVar(&opts.includeAtime, "include-atime", false,
		"Include access time (atime) when determining if files are identical (default: excluded)")
	cmd.Flags().BoolVar(&opts.excludeCtime, "exclude-ctime", false,
		"Exclude change time (ctime) when determining if files are identical (default: included)")
	cmd.Flags().BoolVar(&opts.excludeOwner, "exclude-owner", false,
		"Exclude file owner (UID) when determining if files are identical (default: included)")
	cmd.Flags().BoolVar(&opts.excludeGroup, "exclude-group", false,
		"Exclude file group (GID) when determining if files are identical (default: included)")

	return cmd
}

// buildRule maps the analyze flags onto a comparison rule. Content, mtime
// and mode always participate.
func buildRule(opts *analyzeOptions) report.DuplicateMatchRule {
	return report.DuplicateMatchRule{
		IncludeMtime: true,
		IncludeAtime: opts.includeAtime,
		IncludeCtime: !opts.excludeCtime,
		IncludeMode:  true,
		IncludeOwner: !opts.excludeOwner,
		IncludeGroup: !opts.excludeGroup,
	}
}

func runAnalyze(global *globalOptions, opts *analyzeOptions, paths []string) error {
	a, proc, err := openArchive(global, false)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()
	defer proc.Close()

	bar := progress.New(!global.noProgress, -1)
	return a.Analyze(context.Background(), paths, buildRule(opts), bar)
}
