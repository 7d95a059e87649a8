package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newInspectCmd creates the inspect subcommand.
func newInspectCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Inspect and display archive index records",
		Long:  `Displays the manifest, file hash and file metadata entries stored in the archive index.`,
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runInspect(opts)
		},
	}
}

func runInspect(opts *globalOptions) error {
	a, proc, err := openArchive(opts, false)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()
	defer proc.Close()

	for line := range a.Inspect() {
		fmt.Println(line)
	}
	return nil
}
