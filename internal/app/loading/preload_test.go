package loading

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubLoader struct {
	mu    sync.Mutex
	calls []string
}

func (s *stubLoader) Load(_ context.Context, url string) error {
	s.mu.Lock()
	s.calls = append(s.calls, url)
	s.mu.Unlock()
	if strings.Contains(url, "broken") {
		return errors.New("404")
	}
	if strings.Contains(url, "panic") {
		panic("decoder exploded")
	}
	return nil
}

func TestPreloadImagesRecordsPerURLOutcome(t *testing.T) {
	loader := &stubLoader{}
	urls := []string{"https://cdn/a.jpg", "https://cdn/broken.jpg", "https://cdn/c.jpg", "https://cdn/panic.png"}

	var mu sync.Mutex
	var progress []float64
	results := PreloadImages(context.Background(), loader, urls, func(p float64) {
		mu.Lock()
		progress = append(progress, p)
		mu.Unlock()
	}, WithPreloadWorkers(2))

	require.Len(t, results, 4)
	for i, r := range results {
		require.Equal(t, urls[i], r.URL)
	}
	require.True(t, results[0].OK)
	require.False(t, results[1].OK)
	require.Error(t, results[1].Err)
	require.True(t, results[2].OK)
	require.False(t, results[3].OK)

	require.Equal(t, []float64{25, 50, 75, 100}, progress)
	require.Len(t, loader.calls, 4)
}

func TestPreloadImagesEmpty(t *testing.T) {
	var last float64
	results := PreloadImages(context.Background(), &stubLoader{}, nil, func(p float64) { last = p })
	require.Empty(t, results)
	require.Equal(t, 100.0, last)
}

func TestPreloadImagesWithoutLoader(t *testing.T) {
	results := PreloadImages(context.Background(), nil, []string{"https://cdn/a.jpg"}, nil)
	require.False(t, results[0].OK)
}

func TestPreloadOperationNeverFailsBatch(t *testing.T) {
	o := NewOrchestrator(DefaultConfig())
	var got []ImageResult
	batch, err := o.WithMultipleLoading(context.Background(), []Operation{
		PreloadOperation("images", &stubLoader{}, []string{"https://cdn/broken.jpg"}, func(r []ImageResult) { got = r }),
	}, instant()...)
	require.NoError(t, err)
	batch.Wait()
	require.Len(t, got, 1)
	require.False(t, got[0].OK)
}
