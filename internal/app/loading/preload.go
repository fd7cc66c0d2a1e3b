package loading

import (
	"context"
	"fmt"
	"sync"

	"github.com/sourcegraph/conc/pool"
)

// ImageLoader checks a single image URL.
type ImageLoader interface {
	Load(ctx context.Context, url string) error
}

// ImageResult records the outcome of one check.
type ImageResult struct {
	URL string
	OK  bool
	Err error
}

// PreloadOption tunes PreloadImages.
type PreloadOption func(*preloadOptions)

type preloadOptions struct {
	workers int
}

// WithPreloadWorkers bounds the number of concurrent checks. By default every
// URL is checked concurrently.
func WithPreloadWorkers(n int) PreloadOption {
	return func(o *preloadOptions) {
		if n > 0 {
			o.workers = n
		}
	}
}

// PreloadImages checks every URL independently. A failed check is recorded in
// its result and never fails the aggregate. Progress is completed/total and is
// reported after each check. Checks have no timeout of their own: a hung
// request holds progress below 100 until it resolves or ctx ends.
func PreloadImages(ctx context.Context, loader ImageLoader, urls []string, report ReportFunc, opts ...PreloadOption) []ImageResult {
	if ctx == nil {
		ctx = context.Background()
	}
	if report == nil {
		report = func(float64) {}
	}
	results := make([]ImageResult, len(urls))
	if len(urls) == 0 {
		report(100)
		return results
	}

	cfg := preloadOptions{workers: len(urls)}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	var (
		mu        sync.Mutex
		completed int
	)
	p := pool.New().WithMaxGoroutines(cfg.workers)
	for i, url := range urls {
		i, url := i, url
		p.Go(func() {
			err := check(ctx, loader, url)
			mu.Lock()
			results[i] = ImageResult{URL: url, OK: err == nil, Err: err}
			completed++
			progress := float64(completed) / float64(len(urls)) * 100
			report(progress)
			mu.Unlock()
		})
	}
	p.Wait()
	return results
}

func check(ctx context.Context, loader ImageLoader, url string) (err error) {
	if loader == nil {
		return fmt.Errorf("no image loader configured")
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("image check panicked: %v", r)
		}
	}()
	return loader.Load(ctx, url)
}

// PreloadOperation wraps PreloadImages as an operation for WithMultipleLoading.
// It never fails; per-URL outcomes are delivered to onDone when set.
func PreloadOperation(id string, loader ImageLoader, urls []string, onDone func([]ImageResult), opts ...PreloadOption) Operation {
	return Operation{
		ID:     id,
		Weight: 1,
		Run: func(ctx context.Context, report ReportFunc) error {
			results := PreloadImages(ctx, loader, urls, report, opts...)
			if onDone != nil {
				onDone(results)
			}
			return nil
		},
	}
}
