// Package logging configures the process-wide JSON slog logger.
package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options tunes SetupWithOptions. The zero value logs at info to stdout only.
type Options struct {
	Level slog.Level
	// File, when set, receives a copy of every line and is rotated by size.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// SetupWithOptions installs a JSON handler as the slog default and routes the
// stdlib log package through it. Every line carries service, and env when set.
// The returned closer flushes the rotating file; it is a no-op without one.
func SetupWithOptions(service, env string, opts Options) (*slog.Logger, io.Closer) {
	out, closer := outputs(opts)
	var handler slog.Handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: opts.Level, ReplaceAttr: renameKeys})
	handler = handler.WithAttrs(identity(service, env))

	logger := slog.New(handler)
	slog.SetDefault(logger)

	bridge := slog.NewLogLogger(handler, slog.LevelInfo)
	log.SetOutput(bridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")
	return logger, closer
}

func outputs(opts Options) (io.Writer, io.Closer) {
	file := strings.TrimSpace(opts.File)
	if file == "" {
		return os.Stdout, nopCloser{}
	}
	rotator := &lumberjack.Logger{
		Filename:   file,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}
	return io.MultiWriter(os.Stdout, rotator), rotator
}

func identity(service, env string) []slog.Attr {
	attrs := []slog.Attr{slog.String("service", strings.TrimSpace(service))}
	if env = strings.TrimSpace(env); env != "" {
		attrs = append(attrs, slog.String("env", env))
	}
	return attrs
}

// renameKeys maps slog's builtin keys onto the timestamp/severity/message
// names the log pipeline indexes.
func renameKeys(_ []string, a slog.Attr) slog.Attr {
	switch a.Key {
	case slog.TimeKey:
		a.Key = "timestamp"
	case slog.MessageKey:
		a.Key = "message"
	case slog.LevelKey:
		return slog.String("severity", strings.ToUpper(a.Value.String()))
	}
	return a
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
