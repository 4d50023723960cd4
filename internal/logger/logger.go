// Package logger owns the process-wide zap logger. Components take a named
// child with New once the configuration has been loaded.
package logger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Rotation controls the lumberjack file writer.
type Rotation struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

type settings struct {
	level     string
	format    string
	file      string
	version   string
	component string
	rotation  Rotation
}

// Option adjusts Init.
type Option func(*settings)

func WithLevel(lvl string) Option      { return func(s *settings) { s.level = lvl } }
func WithFormat(format string) Option  { return func(s *settings) { s.format = format } }
func WithFile(path string) Option      { return func(s *settings) { s.file = path } }
func WithVersion(v string) Option      { return func(s *settings) { s.version = v } }
func WithComponent(name string) Option { return func(s *settings) { s.component = name } }
func WithRotation(r Rotation) Option   { return func(s *settings) { s.rotation = r } }

// sink is one initialised logger and the file behind it, if any.
type sink struct {
	root *zap.Logger
	file io.Closer
}

var current atomic.Pointer[sink]

// Init builds the global logger. A second Init replaces the first and closes
// its log file; children created earlier keep writing to the old core.
func Init(opts ...Option) error {
	s := &settings{
		level:    "info",
		format:   "console",
		rotation: Rotation{MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 30, Compress: true},
	}
	for _, o := range opts {
		o(s)
	}

	lvl, err := zap.ParseAtomicLevel(s.level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	enc, err := encoder(s.format)
	if err != nil {
		return err
	}

	var (
		out  zapcore.WriteSyncer = zapcore.Lock(os.Stdout)
		file io.Closer
	)
	if s.file != "" {
		if err := os.MkdirAll(filepath.Dir(s.file), 0o750); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
		lj := &lumberjack.Logger{
			Filename:   s.file,
			MaxSize:    s.rotation.MaxSizeMB,
			MaxBackups: s.rotation.MaxBackups,
			MaxAge:     s.rotation.MaxAgeDays,
			Compress:   s.rotation.Compress,
		}
		out, file = zapcore.AddSync(lj), lj
	}

	fields := []zap.Field{zap.String("version", s.version)}
	if s.component != "" {
		fields = append(fields, zap.String("app", s.component))
	}
	root := zap.New(zapcore.NewCore(enc, out, lvl),
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.Fields(fields...),
	)

	if old := current.Swap(&sink{root: root, file: file}); old != nil {
		old.close()
	}
	return nil
}

// Shutdown flushes and closes the global logger.
func Shutdown() error {
	old := current.Swap(nil)
	if old == nil {
		return fmt.Errorf("logger not initialized")
	}
	return old.close()
}

func (s *sink) close() error {
	err := s.root.Sync()
	// stdout on a terminal or pipe refuses fsync.
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		err = nil
	}
	if s.file != nil {
		if cerr := s.file.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func encoder(format string) (zapcore.Encoder, error) {
	switch format {
	case "json":
		return zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), nil
	case "console", "":
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		return zapcore.NewConsoleEncoder(cfg), nil
	}
	return nil, fmt.Errorf("unknown log format %q", format)
}

func base() *zap.Logger {
	if s := current.Load(); s != nil {
		return s.root
	}
	return zap.NewNop()
}

type ctxKey struct{}

// WithLogger attaches l to ctx.
func WithLogger(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the logger attached to ctx, or the global one.
func FromContext(ctx context.Context) *zap.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*zap.Logger); ok {
		return l
	}
	return base()
}

// New returns a child named after component. Before Init it discards.
func New(component string) *zap.Logger {
	return base().Named(component)
}

// ForRelay tags l with a relay url.
func ForRelay(l *zap.Logger, url string) *zap.Logger {
	return l.With(zap.String("relay", url))
}

func Debug(msg string, fields ...zap.Field) { base().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { base().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { base().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { base().Error(msg, fields...) }
