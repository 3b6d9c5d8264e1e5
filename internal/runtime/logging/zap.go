package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ZapOptions configures the zap backend.
type ZapOptions struct {
	// Level is one of trace, debug, info, warn, error. Trace is logged at debug.
	Level string
	// Format is "json" or "console".
	Format string
	// File, when set, routes output to a size-rotated file instead of stdout.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// NewZapLogger builds a zap.Logger from opts.
func NewZapLogger(opts ZapOptions) (*zap.Logger, error) {
	levelName := strings.ToLower(opts.Level)
	if levelName == "" || levelName == "trace" {
		levelName = "debug"
	}
	level, err := zapcore.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if strings.EqualFold(opts.Format, "console") {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	var sink io.Writer = os.Stdout
	if opts.File != "" {
		sink = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    withDefault(opts.MaxSizeMB, 100),
			MaxBackups: withDefault(opts.MaxBackups, 5),
			MaxAge:     withDefault(opts.MaxAgeDays, 14),
			Compress:   true,
		}
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(sink)), level)
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)), nil
}

func withDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// NewZapServiceLogger wraps a zap.Logger so it satisfies ServiceLogger.
func NewZapServiceLogger(log *zap.Logger) ServiceLogger {
	if log == nil {
		panic("bookinggate: zap logger cannot be nil")
	}
	return &zapServiceLogger{inner: log}
}

type zapServiceLogger struct {
	inner *zap.Logger
}

func (z *zapServiceLogger) With(fields LogFields) ServiceLogger {
	if len(fields) == 0 {
		return z
	}
	return &zapServiceLogger{inner: z.inner.With(toZapFields(fields)...)}
}

func (z *zapServiceLogger) Debug(msg string, fields LogFields) {
	z.inner.Debug(msg, toZapFields(fields)...)
}

func (z *zapServiceLogger) Info(msg string, fields LogFields) {
	z.inner.Info(msg, toZapFields(fields)...)
}

func (z *zapServiceLogger) Warn(msg string, fields LogFields) {
	z.inner.Warn(msg, toZapFields(fields)...)
}

func (z *zapServiceLogger) Error(msg string, err error, fields LogFields) {
	zf := toZapFields(fields)
	if err != nil {
		zf = append(zf, zap.Error(err))
	}
	z.inner.Error(msg, zf...)
}

func (z *zapServiceLogger) Trace(msg string, fields LogFields) {
	zf := append(toZapFields(fields), zap.Bool("trace", true))
	z.inner.Debug(msg, zf...)
}

func toZapFields(fields LogFields) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	zf := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		zf = append(zf, zap.Any(k, v))
	}
	return zf
}
