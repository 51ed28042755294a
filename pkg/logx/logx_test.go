package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, b []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(b), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal(line, &m), string(line))
		out = append(out, m)
	}
	return out
}

func TestWriterFieldsAndLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "test"))

	log.Debug("hidden")
	log.Info("shown", Int("n", 3), Duration("took", 1500*time.Millisecond), Err(errors.New("boom")), Bool("ok", false))

	lines := decodeLines(t, buf.Bytes())
	require.Len(t, lines, 1)
	l := lines[0]
	assert.Equal(t, "shown", l["message"])
	assert.Equal(t, "info", l["level"])
	assert.Equal(t, "test", l["comp"])
	assert.Equal(t, float64(3), l["n"])
	assert.Equal(t, "boom", l["err"])
	assert.Equal(t, false, l["ok"])
	assert.True(t, strings.HasPrefix(l["caller"].(string), "logx_test.go:"))

	assert.False(t, log.Enabled(LevelDebug))
	assert.True(t, log.Enabled(LevelWarn))
}

func TestWithDoesNotAlias(t *testing.T) {
	var buf bytes.Buffer
	base := NewWriter(&buf, "debug").With(String("a", "1"))
	x := base.With(String("b", "x"))
	y := base.With(String("b", "y"))
	x.Info("x")
	y.Info("y")

	lines := decodeLines(t, buf.Bytes())
	require.Len(t, lines, 2)
	assert.Equal(t, "x", lines[0]["b"])
	assert.Equal(t, "y", lines[1]["b"])
}

func TestZeroLoggerIsNoop(t *testing.T) {
	var l Logger
	assert.True(t, l.IsZero())
	l.Error("nothing happens")
	assert.False(t, Nop().IsZero())
	Nop().With(String("k", "v")).Info("still nothing")
}

func TestServiceApply(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	svc, log := New(Config{Level: "warn", File: FileConfig{Enabled: true, Path: path}})

	log.Info("dropped")
	log.Warn("kept", String("phase", "1"))

	require.NoError(t, svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}}))
	log.Debug("now visible", String("phase", "2"))
	require.NoError(t, svc.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := decodeLines(t, b)
	require.Len(t, lines, 2)
	assert.Equal(t, "kept", lines[0]["message"])
	assert.Equal(t, "now visible", lines[1]["message"])
}

func TestApplyBadFileFallsBackToConsole(t *testing.T) {
	var buf bytes.Buffer
	svc := &Service{out: &buf}
	err := svc.Apply(Config{Level: "info", JSON: true, File: FileConfig{Enabled: true, Path: filepath.Join(t.TempDir(), "missing", "x.log")}})
	require.Error(t, err)

	svc.Logger().Info("to stdout", String("k", "v"))
	lines := decodeLines(t, buf.Bytes())
	require.Len(t, lines, 1)
	assert.Equal(t, "to stdout", lines[0]["message"])
	assert.Equal(t, "v", lines[0]["k"])
}

func TestValidLevel(t *testing.T) {
	for _, s := range []string{"", "debug", "INFO", "warning", "Error", "trace"} {
		assert.True(t, ValidLevel(s), s)
	}
	assert.False(t, ValidLevel("loud"))
}
