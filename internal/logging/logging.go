// Package logging builds the process logger: slog on the surface, zap
// underneath via the slog-zap bridge.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	slogzap "github.com/samber/slog-zap/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures New.
type Options struct {
	Level     slog.Level
	Format    string // text (console) or json
	AddSource bool
	Output    io.Writer
}

// New returns an slog.Logger backed by a zap core, plus a flush function
// to call before exit.
func New(opts Options) (*slog.Logger, func() error) {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.TimeKey = "time"

	var encoder zapcore.Encoder
	if strings.EqualFold(opts.Format, "json") {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	} else {
		encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(out), zapLevel(opts.Level))

	zapOpts := []zap.Option{zap.AddStacktrace(zapcore.ErrorLevel)}
	if opts.AddSource {
		zapOpts = append(zapOpts, zap.AddCaller())
	}
	zl := zap.New(core, zapOpts...)

	handler := slogzap.Option{
		Level:     opts.Level,
		Logger:    zl,
		AddSource: opts.AddSource,
	}.NewZapHandler()

	return slog.New(handler), zl.Sync
}

// zapLevel maps an slog level onto the closest zap level. Anything below
// Debug (the custom trace level) opens the core fully; the slog handler
// does the finer filtering.
func zapLevel(l slog.Level) zapcore.Level {
	switch {
	case l < slog.LevelInfo:
		return zapcore.DebugLevel
	case l < slog.LevelWarn:
		return zapcore.InfoLevel
	case l < slog.LevelError:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}
