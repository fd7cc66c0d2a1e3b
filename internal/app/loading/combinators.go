package loading

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
)

// ReportFunc reports task progress in [0,100].
type ReportFunc func(progress float64)

// Work is the function wrapped by WithLoading.
type Work func(ctx context.Context, report ReportFunc) error

// LoadingOption tunes one WithLoading or WithMultipleLoading call.
type LoadingOption func(*loadingOptions)

type loadingOptions struct {
	minLoading time.Duration
	linger     time.Duration
	taskID     string
}

// WithMinLoadingTime overrides the session floor.
func WithMinLoadingTime(d time.Duration) LoadingOption {
	return func(o *loadingOptions) {
		if d >= 0 {
			o.minLoading = d
		}
	}
}

// WithLinger overrides the completion linger.
func WithLinger(d time.Duration) LoadingOption {
	return func(o *loadingOptions) {
		if d >= 0 {
			o.linger = d
		}
	}
}

// WithTaskID names the task registered by WithLoading.
func WithTaskID(id string) LoadingOption {
	return func(o *loadingOptions) {
		if strings.TrimSpace(id) != "" {
			o.taskID = id
		}
	}
}

func (o *Orchestrator) options(opts []LoadingOption) loadingOptions {
	resolved := loadingOptions{
		minLoading: o.cfg.MinLoadingTime,
		linger:     o.cfg.Linger,
		taskID:     DefaultTaskID,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&resolved)
		}
	}
	return resolved
}

// WithLoading runs fn inside a new session with one task. When fn returns, the
// task is completed, the session is held until the floor has elapsed since it
// started, lingers at 100% and closes. The same bookkeeping runs when fn fails
// and fn's error is then returned unchanged. WithLoading returns only after the
// session has closed.
func (o *Orchestrator) WithLoading(ctx context.Context, fn Work, opts ...LoadingOption) error {
	_, err := WithLoadingValue(ctx, o, func(ctx context.Context, report ReportFunc) (struct{}, error) {
		if fn == nil {
			return struct{}{}, nil
		}
		return struct{}{}, fn(ctx, report)
	}, opts...)
	return err
}

// WithLoadingValue is WithLoading for work that produces a value.
func WithLoadingValue[T any](ctx context.Context, o *Orchestrator, fn func(context.Context, ReportFunc) (T, error), opts ...LoadingOption) (T, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := o.options(opts)
	s := o.begin("single")
	o.register(s, cfg.taskID, 1)

	var (
		value T
		err   error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("loading task %s panicked: %v", cfg.taskID, r)
			}
		}()
		value, err = fn(ctx, func(p float64) { o.update(s, cfg.taskID, p) })
	}()

	o.complete(s, cfg.taskID)
	o.finish(ctx, s, cfg.minLoading, cfg.linger, err)
	return value, err
}

// Operation is one unit of work run by WithMultipleLoading.
type Operation struct {
	ID     string
	Weight float64
	Run    Work
}

// Result is the outcome of one operation.
type Result struct {
	ID   string
	Err  error
	Done bool
}

// Batch tracks the operations started by WithMultipleLoading. Operations keep
// running after the call returns on the first failure; their outcomes remain
// available here.
type Batch struct {
	mu      sync.Mutex
	results []Result
	wg      conc.WaitGroup
	done    chan struct{}
}

// Results returns a snapshot of operation outcomes in submission order.
func (b *Batch) Results() []Result {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Result, len(b.results))
	copy(out, b.results)
	return out
}

// Done is closed once every operation has finished.
func (b *Batch) Done() <-chan struct{} { return b.done }

// Wait blocks until every operation has finished and returns their outcomes.
func (b *Batch) Wait() []Result {
	<-b.done
	return b.Results()
}

func (b *Batch) set(i int, err error) {
	b.mu.Lock()
	b.results[i].Err = err
	b.results[i].Done = true
	b.mu.Unlock()
}

// WithMultipleLoading runs every operation concurrently in one session with one
// task per operation. It returns after all operations succeed, or with the
// first failure while the remaining operations continue in the background
// without cancellation. The floor, linger and session close run in both cases.
func (o *Orchestrator) WithMultipleLoading(ctx context.Context, ops []Operation, opts ...LoadingOption) (*Batch, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := o.options(opts)
	s := o.begin("multiple")

	batch := &Batch{results: make([]Result, len(ops)), done: make(chan struct{})}
	ids := make([]string, len(ops))
	for i, op := range ops {
		id := strings.TrimSpace(op.ID)
		if id == "" {
			id = fmt.Sprintf("op-%d", i+1)
		}
		ids[i] = id
		batch.results[i].ID = id
		o.register(s, id, op.Weight)
	}

	// Operations outlive the call when it returns early, so they must not be
	// cancelled with the caller's context.
	runCtx := context.WithoutCancel(ctx)
	outcomes := make(chan error, len(ops))
	for i, op := range ops {
		i, id, run := i, ids[i], op.Run
		batch.wg.Go(func() {
			err := runOperation(runCtx, id, run, func(p float64) { o.update(s, id, p) })
			o.complete(s, id)
			batch.set(i, err)
			outcomes <- err
		})
	}
	go func() {
		batch.wg.Wait()
		close(batch.done)
	}()

	var firstErr error
	for range ops {
		if err := <-outcomes; err != nil {
			firstErr = err
			break
		}
	}

	o.finish(ctx, s, cfg.minLoading, cfg.linger, firstErr)
	return batch, firstErr
}

func runOperation(ctx context.Context, id string, run Work, report ReportFunc) (err error) {
	if run == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("loading operation %s panicked: %v", id, r)
		}
	}()
	return run(ctx, report)
}
