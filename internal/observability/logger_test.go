package observability

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingLogger struct {
	debugs int
	infos  int
	warns  int
	errors int
}

func (r *recordingLogger) Debug(string, ...Field) { r.debugs++ }
func (r *recordingLogger) Info(string, ...Field)  { r.infos++ }
func (r *recordingLogger) Warn(string, ...Field)  { r.warns++ }
func (r *recordingLogger) Error(string, ...Field) { r.errors++ }

func TestSetLoggerOverridesGlobal(t *testing.T) {
	recorder := new(recordingLogger)
	SetLogger(recorder)
	t.Cleanup(func() { SetLogger(nil) })

	Log().Debug("test")
	Log().Warn("test")
	require.Equal(t, 1, recorder.debugs)
	require.Equal(t, 1, recorder.warns)

	SetLogger(nil)
	Log().Info("noop")
	require.Equal(t, 0, recorder.infos)
}

func TestSlogLoggerJSONIncludesFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewSlogLogger(&buf, "json", "debug")

	logger.Info("cart mutated", F("op", "add"), F("err", errors.New("boom")))

	out := buf.String()
	require.Contains(t, out, `"msg":"cart mutated"`)
	require.Contains(t, out, `"op":"add"`)
	require.Contains(t, out, `"err":"boom"`)
}

func TestSlogLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewSlogLogger(&buf, "text", "warn")

	logger.Info("hidden")
	logger.Warn("shown", F("attempt", 5))

	out := buf.String()
	require.False(t, strings.Contains(out, "hidden"))
	require.Contains(t, out, "shown")
	require.Contains(t, out, "attempt=5")
}

func TestSlogLoggerWithCarriesFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewSlogLogger(&buf, "text", "info").With(F("component", "hydrator"))

	logger.Error("profile missing")

	require.Contains(t, buf.String(), "component=hydrator")
}
