// Package throttler bounds the number of concurrently running tasks.
//
// A Throttler owns a fixed number of permits. Schedule acquires a permit and
// then starts the task in the supervising errgroup; the permit returns to the
// pool when the task finishes, or earlier if the task calls YieldSlot from
// its own context. Releasing is idempotent: a task that yielded its slot does
// not release a second permit when it finishes.
package throttler

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Task is a unit of work scheduled through a Throttler. The context carries
// the task's slot so the task may release it early with YieldSlot.
type Task func(ctx context.Context) error

// Throttler limits how many scheduled tasks run at the same time.
type Throttler struct {
	group *errgroup.Group
	sem   *semaphore.Weighted
}

// slot tracks ownership of one permit. Release is safe to call more than
// once; only the first call returns the permit.
type slot struct {
	once sync.Once
	sem  *semaphore.Weighted
}

func (s *slot) release() {
	s.once.Do(func() { s.sem.Release(1) })
}

type slotKey struct{}

// New creates a Throttler that runs tasks in group with at most concurrency
// of them executing at once.
func New(group *errgroup.Group, concurrency int) *Throttler {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Throttler{
		group: group,
		sem:   semaphore.NewWeighted(int64(concurrency)),
	}
}

// Schedule blocks until a permit is available, then starts task in the
// supervising group. The permit is released when the task returns, or when
// the task calls YieldSlot, whichever comes first. If the context is
// cancelled while waiting for a permit, no task is started.
func (t *Throttler) Schedule(ctx context.Context, task Task) error {
	if err := t.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	s := &slot{sem: t.sem}
	t.group.Go(func() error {
		defer s.release()
		return task(context.WithValue(ctx, slotKey{}, s))
	})
	return nil
}

// YieldSlot releases the calling task's permit early, letting another task
// start while the caller keeps running. It is a no-op when called again, or
// from a context that did not come from Schedule.
func YieldSlot(ctx context.Context) {
	if s, ok := ctx.Value(slotKey{}).(*slot); ok {
		s.release()
	}
}
