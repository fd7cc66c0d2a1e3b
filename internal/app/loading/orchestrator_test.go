package loading

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mzlad1/mirabeauty-sub001/internal/clock"
	domain "github.com/mzlad1/mirabeauty-sub001/internal/domain/loading"
	"github.com/mzlad1/mirabeauty-sub001/internal/observability"
)

type statusLog struct {
	mu       sync.Mutex
	statuses []domain.Status
}

func (l *statusLog) record(s domain.Status) {
	l.mu.Lock()
	l.statuses = append(l.statuses, s)
	l.mu.Unlock()
}

func (l *statusLog) all() []domain.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.Status(nil), l.statuses...)
}

type warnCounter struct {
	mu    sync.Mutex
	warns []string
}

func (w *warnCounter) Debug(string, ...observability.Field) {}
func (w *warnCounter) Info(string, ...observability.Field)  {}
func (w *warnCounter) Error(string, ...observability.Field) {}
func (w *warnCounter) Warn(msg string, _ ...observability.Field) {
	w.mu.Lock()
	w.warns = append(w.warns, msg)
	w.mu.Unlock()
}

func instant() []LoadingOption {
	return []LoadingOption{WithMinLoadingTime(0), WithLinger(0)}
}

func TestWeightedProgressThroughOrchestrator(t *testing.T) {
	o := NewOrchestrator(DefaultConfig())

	o.RegisterTask("a", 1)
	o.RegisterTask("b", 1)
	require.Equal(t, domain.StateRunning, o.State())

	o.UpdateTask("a", 100)
	require.InDelta(t, 50, o.Progress(), 1e-9)

	o.CompleteTask("b")
	require.InDelta(t, 100, o.Progress(), 1e-9)

	o.UpdateTask("missing", 10)
	require.InDelta(t, 100, o.Progress(), 1e-9)

	o.Reset()
	require.Equal(t, domain.StateIdle, o.State())
	require.Zero(t, o.Progress())
}

func TestWithLoadingHoldsSessionForFloor(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	fake := clock.NewFake(start)
	o := NewOrchestrator(Config{MinLoadingTime: 500 * time.Millisecond, Linger: 200 * time.Millisecond}, WithClock(fake))

	done := make(chan error, 1)
	go func() {
		done <- o.WithLoading(context.Background(), func(context.Context, ReportFunc) error {
			fake.Advance(10 * time.Millisecond)
			return nil
		})
	}()

	fake.BlockUntil(1)
	require.Equal(t, domain.StateCompleting, o.State())

	fake.Advance(489 * time.Millisecond)
	select {
	case <-done:
		t.Fatalf("returned before the floor elapsed")
	default:
	}

	fake.Advance(time.Millisecond)
	fake.BlockUntil(1)
	select {
	case <-done:
		t.Fatalf("returned before the linger elapsed")
	default:
	}
	require.InDelta(t, 100, o.Progress(), 1e-9)

	fake.Advance(200 * time.Millisecond)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("WithLoading did not return")
	}
	require.GreaterOrEqual(t, fake.Now().Sub(start), 500*time.Millisecond)
	require.Equal(t, domain.StateIdle, o.State())
}

func TestWithLoadingSkipsFloorForSlowWork(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	o := NewOrchestrator(Config{MinLoadingTime: 500 * time.Millisecond, Linger: 100 * time.Millisecond}, WithClock(fake))

	done := make(chan error, 1)
	go func() {
		done <- o.WithLoading(context.Background(), func(context.Context, ReportFunc) error {
			fake.Advance(800 * time.Millisecond)
			return nil
		})
	}()

	fake.BlockUntil(1)
	fake.Advance(100 * time.Millisecond)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("WithLoading did not return")
	}
	require.Equal(t, 900*time.Millisecond, fake.Now().Sub(time.Unix(0, 0)))
}

func TestWithLoadingReturnsCallerErrorUnchanged(t *testing.T) {
	o := NewOrchestrator(DefaultConfig())
	sentinel := errors.New("catalogue unavailable")

	err := o.WithLoading(context.Background(), func(context.Context, ReportFunc) error {
		return sentinel
	}, instant()...)

	require.Same(t, sentinel, err)
	require.Equal(t, domain.StateIdle, o.State())
}

func TestWithLoadingAppliesBookkeepingOnFailure(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	o := NewOrchestrator(Config{MinLoadingTime: 500 * time.Millisecond}, WithClock(fake))
	sentinel := errors.New("boom")

	done := make(chan error, 1)
	go func() {
		done <- o.WithLoading(context.Background(), func(context.Context, ReportFunc) error { return sentinel })
	}()

	fake.BlockUntil(1)
	select {
	case <-done:
		t.Fatalf("failure skipped the floor")
	default:
	}
	fake.Advance(500 * time.Millisecond)
	require.ErrorIs(t, <-done, sentinel)
	require.Equal(t, domain.StateIdle, o.State())
}

func TestWithLoadingReportsProgress(t *testing.T) {
	o := NewOrchestrator(DefaultConfig())
	log := &statusLog{}
	unsubscribe := o.Subscribe(log.record)
	defer unsubscribe()

	err := o.WithLoading(context.Background(), func(_ context.Context, report ReportFunc) error {
		report(40)
		report(250)
		return nil
	}, append(instant(), WithTaskID("catalogue"))...)
	require.NoError(t, err)

	var progress []float64
	for _, s := range log.all() {
		progress = append(progress, s.Progress)
	}
	require.Contains(t, progress, 40.0)
	require.Contains(t, progress, 100.0)

	statuses := log.all()
	require.Equal(t, domain.StateIdle, statuses[len(statuses)-1].State)
	for _, s := range statuses {
		for _, task := range s.Tasks {
			require.Equal(t, "catalogue", task.ID)
		}
	}
}

func TestWithLoadingValue(t *testing.T) {
	o := NewOrchestrator(DefaultConfig())
	v, err := WithLoadingValue(context.Background(), o, func(context.Context, ReportFunc) (int, error) {
		return 42, nil
	}, instant()...)
	require.NoError(t, err)
	require.Equal(t, 42, v)
}

func TestWithLoadingRecoversPanic(t *testing.T) {
	o := NewOrchestrator(DefaultConfig())
	err := o.WithLoading(context.Background(), func(context.Context, ReportFunc) error {
		panic("bad work")
	}, instant()...)
	require.ErrorContains(t, err, "bad work")
	require.Equal(t, domain.StateIdle, o.State())
}

func TestOverlappingSessionReplacesRegistry(t *testing.T) {
	logger := &warnCounter{}
	o := NewOrchestrator(DefaultConfig(), WithLogger(logger))

	o.RegisterTask("stale", 1)
	err := o.WithLoading(context.Background(), func(context.Context, ReportFunc) error {
		status := o.Status()
		require.Len(t, status.Tasks, 1)
		require.Equal(t, DefaultTaskID, status.Tasks[0].ID)
		return nil
	}, instant()...)
	require.NoError(t, err)
	require.Len(t, logger.warns, 1)
	require.Equal(t, domain.StateIdle, o.State())
}

func TestWithMultipleLoadingFirstFailureLeavesOthersRunning(t *testing.T) {
	o := NewOrchestrator(DefaultConfig())
	failure := errors.New("reviews unavailable")
	release := make(chan struct{})

	slow := func(ctx context.Context, report ReportFunc) error {
		report(50)
		<-release
		return nil
	}
	batch, err := o.WithMultipleLoading(context.Background(), []Operation{
		{ID: "products", Run: slow},
		{ID: "reviews", Run: func(context.Context, ReportFunc) error { return failure }},
		{ID: "banners", Run: slow},
	}, instant()...)

	require.Same(t, failure, err)
	require.NotNil(t, batch)
	require.Equal(t, domain.StateIdle, o.State())

	results := batch.Results()
	require.True(t, results[1].Done)
	require.False(t, results[0].Done)
	require.False(t, results[2].Done)

	close(release)
	results = batch.Wait()
	for _, r := range results {
		require.True(t, r.Done, r.ID)
	}
	require.NoError(t, results[0].Err)
	require.Same(t, failure, results[1].Err)
	require.NoError(t, results[2].Err)

	// Late completions do not resurrect the closed session.
	require.Equal(t, domain.StateIdle, o.State())
	require.Zero(t, o.Progress())
}

func TestWithMultipleLoadingAggregatesMeanProgress(t *testing.T) {
	o := NewOrchestrator(DefaultConfig())
	log := &statusLog{}
	o.Subscribe(log.record)

	step := make(chan struct{})
	batch, err := o.WithMultipleLoading(context.Background(), []Operation{
		{ID: "a", Run: func(context.Context, ReportFunc) error { <-step; return nil }},
		{Run: func(_ context.Context, report ReportFunc) error {
			report(100)
			close(step)
			return nil
		}},
	}, instant()...)
	require.NoError(t, err)
	<-batch.Done()

	results := batch.Results()
	require.Equal(t, "a", results[0].ID)
	require.Equal(t, "op-2", results[1].ID)

	require.Eventually(t, func() bool {
		for _, s := range log.all() {
			if len(s.Tasks) == 2 && s.Progress == 50 {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond, "expected mean progress of 50 while one task was complete")
}

func TestWithMultipleLoadingEmpty(t *testing.T) {
	o := NewOrchestrator(DefaultConfig())
	batch, err := o.WithMultipleLoading(context.Background(), nil, instant()...)
	require.NoError(t, err)
	require.Empty(t, batch.Wait())
}

func TestWithMultipleLoadingHoldsFloor(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	o := NewOrchestrator(Config{MinLoadingTime: 500 * time.Millisecond}, WithClock(fake))

	type outcome struct {
		batch *Batch
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		b, err := o.WithMultipleLoading(context.Background(), []Operation{
			{ID: "a", Run: func(context.Context, ReportFunc) error { return nil }},
			{ID: "b", Run: func(context.Context, ReportFunc) error { return nil }},
		})
		done <- outcome{b, err}
	}()

	fake.BlockUntil(1)
	select {
	case <-done:
		t.Fatalf("returned before the floor elapsed")
	default:
	}
	fake.Advance(500 * time.Millisecond)
	out := <-done
	require.NoError(t, out.err)
	require.Len(t, out.batch.Wait(), 2)
}

func TestListenersSeeStatusesInMutationOrder(t *testing.T) {
	for i := 0; i < 100; i++ {
		o := NewOrchestrator(DefaultConfig())
		var log statusLog
		o.Subscribe(log.record)
		o.RegisterTask("a", 1)
		o.RegisterTask("b", 1)

		var wg sync.WaitGroup
		start := make(chan struct{})
		for _, id := range []string{"a", "b"} {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				<-start
				for p := 1; p <= 20; p++ {
					o.UpdateTask(id, float64(p*5))
				}
			}(id)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			o.Reset()
		}()
		close(start)
		wg.Wait()

		statuses := log.all()
		require.NotEmpty(t, statuses)
		require.Equal(t, o.Status(), statuses[len(statuses)-1], "iteration %d", i)
		require.Equal(t, domain.StateIdle, statuses[len(statuses)-1].State)

		var last float64
		for _, s := range statuses {
			if s.State == domain.StateIdle {
				break
			}
			require.GreaterOrEqual(t, s.Progress, last, "progress went backwards")
			last = s.Progress
		}
	}
}
