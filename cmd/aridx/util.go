package main

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ivoronin/aridx/internal/archive"
	"github.com/ivoronin/aridx/internal/processor"
	"github.com/ivoronin/aridx/internal/settings"
	"github.com/ivoronin/aridx/internal/store"
)

// archiveEnvVar overrides archive discovery when --archive is not given.
const archiveEnvVar = "ARIDX_ARCHIVE"

// findArchiveRoot walks upward from dir looking for a directory that
// carries an index. Returns "" when none is found.
func findArchiveRoot(dir string) string {
	current, err := filepath.Abs(dir)
	if err != nil {
		return ""
	}
	for {
		if info, err := os.Stat(filepath.Join(current, store.IndexDirName)); err == nil && info.IsDir() {
			return current
		}
		parent := filepath.Dir(current)
		if parent == current {
			return ""
		}
		current = parent
	}
}

// resolveArchivePath picks the archive directory: the flag, the
// environment, then upward search. With create set, a failed search falls
// back to the working directory (where the index will be created).
func resolveArchivePath(opts *globalOptions, create bool) (string, error) {
	if opts.archive != "" {
		return opts.archive, nil
	}
	if env := os.Getenv(archiveEnvVar); env != "" {
		return env, nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	if root := findArchiveRoot(cwd); root != "" {
		return root, nil
	}
	if create {
		return cwd, nil
	}
	return "", errors.New("no archive index found; run \"aridx rebuild\" inside the archive or pass --archive")
}

// openArchive resolves the archive path, opens it with a fresh processor
// pool and configures logging. The caller owns both returned resources.
func openArchive(opts *globalOptions, create bool) (*archive.Archive, *processor.Processor, error) {
	path, err := resolveArchivePath(opts, create)
	if err != nil {
		return nil, nil, err
	}
	proc := processor.New(opts.workers)
	a, err := archive.Open(proc, path, create)
	if err != nil {
		proc.Close()
		return nil, nil, err
	}
	setupLogging(a.Settings(), opts.verbose)
	return a, proc, nil
}

// setupLogging wires the global zerolog logger: verbose mode logs to
// stderr, otherwise the optional logging.path setting selects a file, and
// without either logging is off.
func setupLogging(st *settings.Settings, verbose bool) {
	if verbose {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		return
	}
	if path := st.GetString(settings.SettingLoggingPath, ""); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			log.Logger = zerolog.New(f).With().Timestamp().Logger()
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
			return
		}
	}
	zerolog.SetGlobalLevel(zerolog.Disabled)
}
