// Package settings loads per-archive configuration from
// <archive>/.aridx/settings.toml.
//
// The loader is agnostic to the schema: it parses the TOML document into a
// generic tree and exposes dotted-key lookups with defaults. Consumers
// interpret and validate the values they care about.
//
// Recognized keys:
//
//	followed_symlinks   list of archive-relative paths to descend through
//	logging.path        optional log file path
package settings

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// SettingFollowedSymlinks names the symlink follow list.
const SettingFollowedSymlinks = "followed_symlinks"

// SettingLoggingPath names the optional log file path.
const SettingLoggingPath = "logging.path"

// Settings is a read-only view of an archive's settings.toml.
type Settings struct {
	values map[string]any
}

// Load reads settings for the archive rooted at archivePath. A missing
// settings file yields empty settings; a malformed file is an error.
func Load(archivePath string) (*Settings, error) {
	data, err := os.ReadFile(filepath.Join(archivePath, ".aridx", "settings.toml"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Settings{values: map[string]any{}}, nil
		}
		return nil, err
	}

	values := map[string]any{}
	if err := toml.Unmarshal(data, &values); err != nil {
		return nil, err
	}
	return &Settings{values: values}, nil
}

// Get returns the value at the dotted key path, or def when the path does
// not exist or traverses a non-table value.
func (s *Settings) Get(key string, def any) any {
	var value any = s.values
	for _, part := range strings.Split(key, ".") {
		table, ok := value.(map[string]any)
		if !ok {
			return def
		}
		value, ok = table[part]
		if !ok {
			return def
		}
	}
	return value
}

// GetString returns a string setting, or def for missing or non-string
// values.
func (s *Settings) GetString(key, def string) string {
	if v, ok := s.Get(key, def).(string); ok {
		return v
	}
	return def
}

// GetStringList returns a list-of-strings setting. Missing keys and values
// of any other shape yield nil; non-string elements are skipped.
func (s *Settings) GetStringList(key string) []string {
	list, ok := s.Get(key, nil).([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if str, ok := item.(string); ok {
			out = append(out, str)
		}
	}
	return out
}
