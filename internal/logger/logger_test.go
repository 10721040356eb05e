package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCaptureWritersDefaultPaths(t *testing.T) {
	dir := t.TempDir()
	c := Capture{Dir: dir}
	outW, errW := c.Writers("comm")
	require.NotNil(t, outW)
	require.NotNil(t, errW)
	_, err := outW.Write([]byte("hello stdout\n"))
	require.NoError(t, err)
	_, err = errW.Write([]byte("hello stderr\n"))
	require.NoError(t, err)
	require.NoError(t, outW.Close())
	require.NoError(t, errW.Close())

	b, err := os.ReadFile(filepath.Join(dir, "comm.stdout.log"))
	require.NoError(t, err)
	require.Contains(t, string(b), "hello stdout")
	b, err = os.ReadFile(filepath.Join(dir, "comm.stderr.log"))
	require.NoError(t, err)
	require.Contains(t, string(b), "hello stderr")
}

func TestCaptureWritersUnconfigured(t *testing.T) {
	outW, errW := Capture{}.Writers("x")
	if outW != nil || errW != nil {
		t.Fatal("expected nil writers without dir or explicit paths")
	}
}

func TestCaptureOverride(t *testing.T) {
	base := Capture{Dir: "/var/log/warden", MaxSizeMB: 10, MaxBackups: 3}
	got := base.Override(Capture{Dir: "/tmp/zb", MaxSizeMB: 1})
	require.Equal(t, "/tmp/zb", got.Dir)
	require.Equal(t, 1, got.MaxSizeMB)
	require.Equal(t, 3, got.MaxBackups)
}

func TestOptionsLevels(t *testing.T) {
	var buf bytes.Buffer
	lg := Options{Level: "warn"}.New(&buf)
	lg.Info("hidden")
	lg.Warn("visible")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info record passed a warn-level logger: %q", out)
	}
	require.Contains(t, out, "visible")
}

func TestOptionsJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	lg := Options{Format: "json"}.New(&buf)
	lg.Info("m", slog.String("k", "v"))
	require.Contains(t, buf.String(), `"k":"v"`)
}

func TestColorHandlerTagsLevel(t *testing.T) {
	var buf bytes.Buffer
	lg := slog.New(NewColorTextHandler(&buf, nil))
	lg.Error("boom")
	out := buf.String()
	require.Contains(t, out, "\033[31m")
	require.Contains(t, out, "boom")
}
