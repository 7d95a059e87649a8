package main

import (
	"context"

	"github.com/spf13/cobra"
)

// newImportCmd creates the import subcommand.
func newImportCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import SOURCE",
		Short: "Import index entries from another archive",
		Long: `Import index entries from another archive. If the source archive is a nested
directory of the current archive, entries are imported with the relative path
prepended as a prefix. If the source archive is an ancestor directory, only
entries within the current archive's scope are imported, with their prefix
removed.

Examples:
  # Import from nested directory
  aridx import /archive/subdir

  # Import from ancestor directory
  cd /archive/subdir && aridx import /archive`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runImport(opts, args[0])
		},
	}
}

func runImport(opts *globalOptions, source string) error {
	a, proc, err := openArchive(opts, false)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()
	defer proc.Close()

	return a.Import(context.Background(), source)
}
