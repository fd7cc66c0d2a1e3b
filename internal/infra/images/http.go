package images

import (
	"context"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"strconv"

	"golang.org/x/time/rate"

	"github.com/mzlad1/mirabeauty-sub001/errs"
)

// HTTPLoader fetches an image over HTTP and decodes its header. Requests are
// paced by a token bucket. There is no request timeout; callers bound checks
// through ctx when they need to.
type HTTPLoader struct {
	client  *http.Client
	limiter *rate.Limiter
}

// HTTPOption configures an HTTPLoader.
type HTTPOption func(*HTTPLoader)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(l *HTTPLoader) {
		if c != nil {
			l.client = c
		}
	}
}

// WithRateLimit paces requests at rps with the given burst. Non-positive rps
// disables pacing.
func WithRateLimit(rps float64, burst int) HTTPOption {
	return func(l *HTTPLoader) {
		if rps <= 0 {
			l.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		l.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// NewHTTPLoader constructs an HTTP loader.
func NewHTTPLoader(opts ...HTTPOption) *HTTPLoader {
	l := &HTTPLoader{client: &http.Client{}}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Load implements Loader. It succeeds when the response is 2xx and the body
// starts with a decodable gif, jpeg or png header.
func (l *HTTPLoader) Load(ctx context.Context, ref string) error {
	if l.limiter != nil {
		if err := l.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return errs.New("images/http", errs.CodeInvalid,
			errs.WithField("url", ref),
			errs.WithCause(err))
	}
	req.Header.Set("Accept", "image/*")
	resp, err := l.client.Do(req)
	if err != nil {
		return errs.New("images/http", errs.CodeUnavailable,
			errs.WithField("url", ref),
			errs.WithCause(err))
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		code := errs.CodeUnavailable
		if resp.StatusCode == http.StatusNotFound {
			code = errs.CodeNotFound
		}
		return errs.New("images/http", code,
			errs.WithField("url", ref),
			errs.WithField("status", strconv.Itoa(resp.StatusCode)))
	}
	if _, _, err := image.DecodeConfig(resp.Body); err != nil {
		return errs.New("images/http", errs.CodeInvalid,
			errs.WithMessage("not a decodable image"),
			errs.WithField("url", ref),
			errs.WithCause(err))
	}
	return nil
}
