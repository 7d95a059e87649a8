package analyzer

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ivoronin/aridx/internal/walker"
)

// Coordinator owns the directory completion listeners of one analysis run.
// Listener callbacks execute inside the run's task group and are serialized
// by a run-wide mutex, which keeps report writes from directory reductions
// single-writer.
type Coordinator struct {
	ctx        context.Context
	group      *errgroup.Group
	callbackMu sync.Mutex
}

// NewCoordinator binds a coordinator to a task group.
func NewCoordinator(ctx context.Context, group *errgroup.Group) *Coordinator {
	return &Coordinator{ctx: ctx, group: group}
}

// Callback consumes the results of a directory's children in registration
// order and produces the directory's own result.
type Callback func(results []Result) (Result, error)

// Listener collects the result futures of one directory's children and
// fires its callback once the walker marks the directory complete and every
// child has resolved.
type Listener struct {
	coord    *Coordinator
	callback Callback
	future   *Future

	mu        sync.Mutex
	children  []*Future
	completed bool
}

// RegisterDirectory attaches a new listener to a directory's walk context.
func (c *Coordinator) RegisterDirectory(fc *walker.FileContext, callback Callback) *Listener {
	l := &Listener{coord: c, callback: callback, future: NewFuture()}
	fc.Listener = l
	return l
}

// RegisterChildWithParent adds a child's result future to its parent
// directory's listener, if the entry has a listening parent.
func (c *Coordinator) RegisterChildWithParent(fc *walker.FileContext, f *Future) {
	if fc.Parent == nil {
		return
	}
	if parent, ok := fc.Parent.Listener.(*Listener); ok {
		parent.AddChild(f)
	}
}

// Future returns the promise of this directory's own result.
func (l *Listener) Future() *Future { return l.future }

// AddChild registers one more child result to wait for. Children cannot be
// added once the walker completed the directory.
func (l *Listener) AddChild(f *Future) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.completed {
		panic("analyzer: child registered after directory is completed")
	}
	l.children = append(l.children, f)
}

// Complete is invoked by the walker once the directory's subtree has been
// fully yielded. It spawns one task that awaits all child results and then
// runs the callback under the run-wide callback mutex. A failed child
// aborts the callback and fails this directory's future with the wrapped
// cause.
func (l *Listener) Complete() {
	l.mu.Lock()
	l.completed = true
	children := make([]*Future, len(l.children))
	copy(children, l.children)
	l.mu.Unlock()

	l.coord.group.Go(func() error {
		results := make([]Result, 0, len(children))
		for _, child := range children {
			result, err := child.Wait(l.coord.ctx)
			if err != nil {
				err = fmt.Errorf("child analysis failed: %w", err)
				l.future.Resolve(Result{}, err)
				return err
			}
			results = append(results, result)
		}

		l.coord.callbackMu.Lock()
		result, err := l.callback(results)
		l.coord.callbackMu.Unlock()

		l.future.Resolve(result, err)
		return err
	})
}
