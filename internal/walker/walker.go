// Package walker provides lazy depth-first filesystem traversal with
// per-entry contexts.
//
// Walk yields (absolute path, *FileContext) pairs in pre-order, parent
// before children, with deterministic name ordering inside each directory.
// A Policy controls root-level exclusions, whether the root itself is
// yielded, and which symlinks are descended through.
//
// Consumers may attach coordination state to a directory's context (the
// Listener field); the walker notifies it once the directory's whole subtree
// has been yielded, which is what lets bottom-up aggregation know that no
// further children will arrive.
package walker

import (
	"iter"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/ivoronin/aridx/internal/processor"
)

// Completer is the contract between the walker and per-directory
// coordination state: Complete fires when the directory's subtree has been
// fully yielded.
type Completer interface {
	Complete()
}

// FileContext carries the walk state for one yielded entry.
type FileContext struct {
	Parent   *FileContext // nil at the walk root
	Name     string
	RelPath  string // slash-separated path from the walk root; "." at the root
	Meta     processor.Metadata
	Listener Completer // per-directory coordination state, attached by consumers

	resolved string // target directory substituted for a followed symlink
}

// Substitute returns a copy of the context that stands in for a followed
// symlink: the walker descends into target while yielding paths as if the
// subtree lived at the symlink's location.
func (c *FileContext) Substitute(target string, meta processor.Metadata) *FileContext {
	sub := *c
	sub.Meta = meta
	sub.resolved = target
	return &sub
}

func (c *FileContext) complete() {
	if c.Listener != nil {
		c.Listener.Complete()
	}
}

// Policy configures a walk.
type Policy struct {
	// Excluded holds root-level names to skip; an excluded name hides its
	// whole subtree. Matched on the first path component only.
	Excluded map[string]bool

	// FollowSymlink decides whether a symlink is descended. Returning a
	// substitute context (see FileContext.Substitute) walks the target in
	// place; returning nil keeps the symlink as a leaf entry.
	FollowSymlink func(path string, ctx *FileContext) *FileContext

	// YieldRoot yields the root itself before its children.
	YieldRoot bool
}

type walkState struct {
	policy  Policy
	visited map[[2]uint64]bool // (dev, ino) of descended directories
}

// Walk lazily traverses root according to policy. Entries that vanish or
// cannot be read mid-walk are skipped.
func Walk(root string, policy Policy) iter.Seq2[string, *FileContext] {
	return func(yield func(string, *FileContext) bool) {
		meta, err := processor.Lstat(root)
		if err != nil {
			log.Debug().Str("path", root).Err(err).Msg("walk root not accessible")
			return
		}

		rootCtx := &FileContext{Name: filepath.Base(root), RelPath: ".", Meta: meta}
		if policy.YieldRoot {
			if !yield(root, rootCtx) {
				return
			}
		}

		w := &walkState{policy: policy, visited: map[[2]uint64]bool{}}
		if meta.IsDir() {
			w.visited[[2]uint64{meta.Dev, meta.Ino}] = true
			if !w.walkDir(root, root, rootCtx, yield) {
				return
			}
		}
		rootCtx.complete()
	}
}

// walkDir yields the children of one directory and recurses. dirPath is the
// path entries are yielded under; readPath is where they are read from (the
// two differ below a followed symlink). Returns false when the consumer
// stopped the iteration.
func (w *walkState) walkDir(dirPath, readPath string, dirCtx *FileContext, yield func(string, *FileContext) bool) bool {
	entries, err := os.ReadDir(readPath)
	if err != nil {
		log.Debug().Str("path", readPath).Err(err).Msg("skipping unreadable directory")
		return true
	}

	for _, entry := range entries {
		name := entry.Name()
		if dirCtx.Parent == nil && w.policy.Excluded[name] {
			continue
		}

		entryPath := filepath.Join(dirPath, name)
		meta, err := processor.Lstat(filepath.Join(readPath, name))
		if err != nil {
			continue // vanished during the walk
		}

		ctx := &FileContext{
			Parent:  dirCtx,
			Name:    name,
			RelPath: joinRel(dirCtx.RelPath, name),
			Meta:    meta,
		}
		if meta.IsSymlink() && w.policy.FollowSymlink != nil {
			if sub := w.policy.FollowSymlink(entryPath, ctx); sub != nil {
				ctx = sub
			}
		}

		if !yield(entryPath, ctx) {
			return false
		}

		if ctx.Meta.IsDir() {
			key := [2]uint64{ctx.Meta.Dev, ctx.Meta.Ino}
			if w.visited[key] {
				// Already descended through this directory: a symlink cycle
				// or a repeated mount. Do not descend again.
				ctx.complete()
				continue
			}
			w.visited[key] = true

			childRead := entryPath
			if ctx.resolved != "" {
				childRead = ctx.resolved
			}
			if !w.walkDir(entryPath, childRead, ctx, yield) {
				return false
			}
			ctx.complete()
		}
	}
	return true
}

func joinRel(parent, name string) string {
	if parent == "." {
		return name
	}
	return parent + "/" + name
}
