// Package logging configures slog for the CLI and server and carries
// per-job attributes through a context.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

type ctxKey struct{}

// ContextHandler adds the attributes stored by AppendCtx to every record.
type ContextHandler struct {
	slog.Handler
}

// Handle implements slog.Handler.
func (h ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if attrs, ok := ctx.Value(ctxKey{}).([]slog.Attr); ok {
		r.AddAttrs(attrs...)
	}
	return h.Handler.Handle(ctx, r)
}

func (h ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return ContextHandler{h.Handler.WithAttrs(attrs)}
}

func (h ContextHandler) WithGroup(name string) slog.Handler {
	return ContextHandler{h.Handler.WithGroup(name)}
}

// AppendCtx returns a copy of ctx whose log records also carry attrs.
func AppendCtx(ctx context.Context, attrs ...slog.Attr) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	var merged []slog.Attr
	if prev, ok := ctx.Value(ctxKey{}).([]slog.Attr); ok {
		merged = append(merged, prev...)
	}
	merged = append(merged, attrs...)
	return context.WithValue(ctx, ctxKey{}, merged)
}

// Logger builds a context-aware logger writing text or JSON to w.
func Logger(w io.Writer, json bool, level slog.Leveler) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if json {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(ContextHandler{h})
}

// ParseLevel accepts debug, info, warn(ing) and error.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// Options selects where and how logs are written.
type Options struct {
	Level  string
	Format string // text or json
	// File enables a rotating log file instead of stderr.
	File       string
	MaxSizeMB  int
	MaxAgeDays int
}

// Setup builds the logger described by opts. The returned closer releases
// the log file, if any.
func Setup(opts Options) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}

	var json bool
	switch strings.ToLower(opts.Format) {
	case "", "text":
	case "json":
		json = true
	default:
		return nil, nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	var w io.WriteCloser = nopCloser{os.Stderr}
	if opts.File != "" {
		w = &lumberjack.Logger{
			Filename: opts.File,
			MaxSize:  opts.MaxSizeMB,
			MaxAge:   opts.MaxAgeDays,
		}
	}
	return Logger(w, json, level), w, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// Timer logs the elapsed time of a stage when it ends.
type Timer struct {
	log   *slog.Logger
	start time.Time
	msg   string
}

// Start begins timing a stage described by msg. A nil log uses slog.Default.
func Start(log *slog.Logger, msg string) Timer {
	if log == nil {
		log = slog.Default()
	}
	return Timer{log: log, start: time.Now(), msg: msg}
}

// Elapsed is the time since Start.
func (t Timer) Elapsed() time.Duration { return time.Since(t.start) }

// Done logs the stage message with the elapsed time appended.
func (t Timer) Done(ctx context.Context, args ...any) time.Duration {
	elapsed := t.Elapsed()
	args = append(args, slog.Duration("elapsed", elapsed))
	t.log.InfoContext(ctx, t.msg, args...)
	return elapsed
}
