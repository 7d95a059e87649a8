package walker

import (
	"path/filepath"
	"strings"
)

// ResolveSymlinkTarget resolves a symlink for following, refusing targets
// that would re-enter the tree being indexed: the resolved path must not
// equal any forbidden root and must not contain one. Returns the resolved
// path and whether following is allowed.
func ResolveSymlinkTarget(path string, forbidden ...string) (string, bool) {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", false
	}
	prefix := resolved
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	for _, root := range forbidden {
		if root == "" {
			continue
		}
		abs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		if resolved == abs || strings.HasPrefix(abs, prefix) {
			return "", false
		}
	}
	return resolved, true
}
