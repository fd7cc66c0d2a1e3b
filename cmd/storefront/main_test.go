package main

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/mzlad1/mirabeauty-sub001/internal/domain/identity"
	"github.com/mzlad1/mirabeauty-sub001/internal/infra/config"
	"github.com/mzlad1/mirabeauty-sub001/internal/infra/profilestore"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, loggerPrefix, 0)
}

func TestResolveConfigPath(t *testing.T) {
	require.Equal(t, "custom.yaml", resolveConfigPath("custom.yaml"))
	require.Equal(t, filepath.Clean(defaultConfigPath), resolveConfigPath(""))
}

func TestRunCartAddPrintsTotals(t *testing.T) {
	path := writeConfig(t, "environment: dev\nstorage:\n  backend: memory\n")
	var out bytes.Buffer
	err := run([]string{"-config", path, "cart", "add", "sku-1", "$1,200.50", "2", "Rose", "Oil"}, &out)
	require.NoError(t, err)

	var report cartReport
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	require.Equal(t, "2401.00", report.Total)
	require.Equal(t, 2, report.Count)
	require.Len(t, report.Lines, 1)
	require.Equal(t, "Rose Oil", report.Lines[0].DisplayName)
	require.Equal(t, "$1,200.50", report.Lines[0].UnitPrice.Raw())
}

func TestRunCartRejectsBadArguments(t *testing.T) {
	path := writeConfig(t, "storage:\n  backend: memory\n")
	cases := [][]string{
		{"cart", "add", "sku-1"},
		{"cart", "add", "sku-1", "10", "many"},
		{"cart", "set", "sku-1"},
		{"cart", "remove"},
		{"cart", "frobnicate"},
	}
	for _, args := range cases {
		err := run(append([]string{"-config", path}, args...), io.Discard)
		require.ErrorIs(t, err, errUsage, strings.Join(args, " "))
	}
}

func TestRunUnknownCommand(t *testing.T) {
	path := writeConfig(t, "storage:\n  backend: memory\n")
	err := run([]string{"-config", path, "launch"}, io.Discard)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown command")
}

func TestRunHelp(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run([]string{"-config", filepath.Join(t.TempDir(), "missing.yaml"), "help"}, &out))
	require.Contains(t, out.String(), "usage: storefront")
}

func testRuntime(t *testing.T, withIdentity bool) *runtime {
	t.Helper()
	cfg := config.DefaultAppConfig()
	cfg.Loading.MinLoadingTime = time.Millisecond
	cfg.Loading.Linger = time.Millisecond
	cfg.Identity.RetryDelay = 10 * time.Millisecond
	rt, err := buildRuntime(context.Background(), quietLogger(), cfg, runtimeOptions{identity: withIdentity})
	require.NoError(t, err)
	t.Cleanup(func() { rt.close(context.Background()) })
	return rt
}

func pngServer(t *testing.T) *httptest.Server {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 1, 1))))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ok.png" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(buf.Bytes())
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRuntimePreloadReportsBrokenImages(t *testing.T) {
	rt := testRuntime(t, false)
	srv := pngServer(t)

	var out bytes.Buffer
	err := runPreload(context.Background(), rt, []string{srv.URL + "/ok.png", srv.URL + "/missing.png"}, &out)
	require.NoError(t, err)
	require.Contains(t, out.String(), "ok     "+srv.URL+"/ok.png")
	require.Contains(t, out.String(), "broken "+srv.URL+"/missing.png")
	require.Contains(t, out.String(), "1/2 images available")
	require.False(t, rt.loading.Status().Active())
}

func TestRuntimePreloadRequiresURLs(t *testing.T) {
	rt := testRuntime(t, false)
	require.ErrorIs(t, runPreload(context.Background(), rt, nil, io.Discard), errUsage)
}

func TestRouterServesCartAndSession(t *testing.T) {
	rt := testRuntime(t, true)
	rt.profiles.(*profilestore.MemoryStore).Put(identity.Profile{IdentityID: "uid-7", Role: "customer"})

	srv := httptest.NewServer(newRouter(rt))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/cart/items", "application/json",
		strings.NewReader(`{"itemId":"sku-1","unitPrice":"12.50","quantity":2}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Equal(t, 2, rt.cart.Count(context.Background()))

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/session", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer uid-7")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	session, ok := rt.hydrator.WaitForReady(context.Background())
	require.True(t, ok)
	require.Equal(t, "customer", session.Profile.Role)

	resp, err = http.Get(srv.URL + "/session")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body struct {
		Phase    string `json:"phase"`
		SignedIn bool   `json:"signedIn"`
		Role     string `json:"role"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, string(identity.PhaseHydrated), body.Phase)
	require.True(t, body.SignedIn)
	require.Equal(t, "customer", body.Role)
}
