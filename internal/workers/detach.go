package workers

import (
	"context"
	"sync"
	"time"

	"rolodex/pkg/logger"
)

// Background runs named fire-and-forget tasks. Task failures are logged via
// a dedicated error channel; they never block or fail the caller. Wait drains
// in-flight tasks on shutdown.
type Background struct {
	timeout time.Duration
	wg      sync.WaitGroup
	errs    chan taskError
	done    chan struct{}
	log     *logger.Logger
}

type taskError struct {
	name string
	err  error
}

// NewBackground creates a background task runner. timeout bounds each task.
func NewBackground(timeout time.Duration) *Background {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	b := &Background{
		timeout: timeout,
		errs:    make(chan taskError, 64),
		done:    make(chan struct{}),
		log:     logger.Get().With("component", "background"),
	}

	go b.drainErrors()
	return b
}

// Go runs fn detached from the caller. The task gets its own context with the
// runner's timeout, so caller cancellation does not abort it mid-write.
func (b *Background) Go(name string, fn func(ctx context.Context) error) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
		defer cancel()

		if err := fn(ctx); err != nil {
			select {
			case b.errs <- taskError{name: name, err: err}:
			default:
				// error channel full, log directly rather than block
				b.log.Errorw("background task failed", "task", name, "error", err)
			}
		}
	}()
}

// Wait blocks until all in-flight tasks finish
func (b *Background) Wait() {
	b.wg.Wait()
	close(b.done)
}

func (b *Background) drainErrors() {
	for {
		select {
		case te := <-b.errs:
			b.log.Errorw("background task failed", "task", te.name, "error", te.err)
		case <-b.done:
			return
		}
	}
}
