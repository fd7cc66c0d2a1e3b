package images

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mzlad1/mirabeauty-sub001/errs"
)

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newImageServer(t *testing.T) *httptest.Server {
	t.Helper()
	body := pngBytes(t)
	mux := http.NewServeMux()
	mux.HandleFunc("/ok.png", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(body)
	})
	mux.HandleFunc("/text", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>not an image</html>"))
	})
	mux.HandleFunc("/down", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPLoader(t *testing.T) {
	srv := newImageServer(t)
	loader := NewHTTPLoader(WithHTTPClient(srv.Client()), WithRateLimit(1000, 10))

	cases := []struct {
		name string
		path string
		code errs.Code
	}{
		{name: "decodable png", path: "/ok.png"},
		{name: "missing", path: "/missing.jpg", code: errs.CodeNotFound},
		{name: "upstream failure", path: "/down", code: errs.CodeUnavailable},
		{name: "not an image", path: "/text", code: errs.CodeInvalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := loader.Load(context.Background(), srv.URL+tc.path)
			if tc.code == "" {
				require.NoError(t, err)
				return
			}
			require.True(t, errs.HasCode(err, tc.code), "got %v", err)
		})
	}
}

func TestHTTPLoaderHonoursContextWhileRateLimited(t *testing.T) {
	srv := newImageServer(t)
	loader := NewHTTPLoader(WithHTTPClient(srv.Client()), WithRateLimit(0.001, 1))
	require.NoError(t, loader.Load(context.Background(), srv.URL+"/ok.png"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, loader.Load(ctx, srv.URL+"/ok.png"))
}

type stubLoader struct{ calls []string }

func (s *stubLoader) Load(_ context.Context, ref string) error {
	s.calls = append(s.calls, ref)
	return nil
}

func TestRouterDispatchesByScheme(t *testing.T) {
	web, bucket := &stubLoader{}, &stubLoader{}
	r := NewRouter()
	r.Handle("https", web)
	r.Handle("GS", bucket)
	r.Handle("", web)

	require.NoError(t, r.Load(context.Background(), "https://cdn.example.com/a.jpg"))
	require.NoError(t, r.Load(context.Background(), "gs://products/a.jpg"))
	require.Equal(t, []string{"https://cdn.example.com/a.jpg"}, web.calls)
	require.Equal(t, []string{"gs://products/a.jpg"}, bucket.calls)

	err := r.Load(context.Background(), "ftp://old/a.jpg")
	require.True(t, errs.HasCode(err, errs.CodeInvalid))
}

func TestParseGCSRef(t *testing.T) {
	bucket, object, err := ParseGCSRef("gs://mirabeauty-products/skincare/serum.webp")
	require.NoError(t, err)
	require.Equal(t, "mirabeauty-products", bucket)
	require.Equal(t, "skincare/serum.webp", object)

	for _, bad := range []string{"", "https://x/y", "gs://bucket", "gs:///object"} {
		_, _, err := ParseGCSRef(bad)
		require.True(t, errs.HasCode(err, errs.CodeInvalid), bad)
	}
}

func TestGCSLoaderRequiresClient(t *testing.T) {
	err := NewGCSLoader(nil).Load(context.Background(), "gs://bucket/a.png")
	require.True(t, errs.HasCode(err, errs.CodeUnavailable))
}
