package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Rotation defaults for captured service output.
const (
	DefaultMaxSizeMB  = 10
	DefaultMaxBackups = 3
	DefaultMaxAgeDays = 7
)

// Options configures the supervisor's own structured logger.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // text, color, json
}

// New builds a slog.Logger writing to w. Unknown level or format values
// fall back to info/text rather than failing.
func (o Options) New(w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	hopts := &slog.HandlerOptions{Level: o.slogLevel()}
	var h slog.Handler
	switch strings.ToLower(o.Format) {
	case "json":
		h = slog.NewJSONHandler(w, hopts)
	case "color":
		h = NewColorTextHandler(w, hopts)
	default:
		h = slog.NewTextHandler(w, hopts)
	}
	return slog.New(h)
}

func (o Options) slogLevel() slog.Level {
	switch strings.ToLower(o.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Capture describes rotated stdout/stderr capture for a launched service.
// When the explicit paths are empty and Dir is set, files are
// Dir/<name>.stdout.log and Dir/<name>.stderr.log. Rotation parameters
// follow lumberjack semantics.
type Capture struct {
	Dir        string
	StdoutPath string
	StderrPath string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Override returns c with every non-zero field of o applied on top. Used to
// layer a service entry's capture settings over the manifest defaults.
func (c Capture) Override(o Capture) Capture {
	if o.Dir != "" {
		c.Dir = o.Dir
	}
	if o.StdoutPath != "" {
		c.StdoutPath = o.StdoutPath
	}
	if o.StderrPath != "" {
		c.StderrPath = o.StderrPath
	}
	if o.MaxSizeMB > 0 {
		c.MaxSizeMB = o.MaxSizeMB
	}
	if o.MaxBackups > 0 {
		c.MaxBackups = o.MaxBackups
	}
	if o.MaxAgeDays > 0 {
		c.MaxAgeDays = o.MaxAgeDays
	}
	if o.Compress {
		c.Compress = true
	}
	return c
}

// Writers returns stdout and stderr writers for the named service. Either
// may be nil when no destination is configured; the launcher discards that
// stream.
func (c Capture) Writers(name string) (io.WriteCloser, io.WriteCloser) {
	stdout := c.StdoutPath
	stderr := c.StderrPath
	if stdout == "" && c.Dir != "" {
		stdout = filepath.Join(c.Dir, name+".stdout.log")
	}
	if stderr == "" && c.Dir != "" {
		stderr = filepath.Join(c.Dir, name+".stderr.log")
	}
	var outW, errW io.WriteCloser
	if stdout != "" {
		outW = c.rotating(stdout)
	}
	if stderr != "" {
		errW = c.rotating(stderr)
	}
	return outW, errW
}

func (c Capture) rotating(path string) io.WriteCloser {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

func valOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
