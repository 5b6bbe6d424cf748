// Package log provides structured logging for relift using zap.
package log

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with relift-specific helpers.
type Logger struct {
	*zap.Logger
}

var (
	// L is the global logger instance.
	L    *Logger
	once sync.Once
)

// Init initializes the global logger with the given configuration.
// Safe to call multiple times; only the first call takes effect.
func Init(debug bool) {
	once.Do(func() {
		L = New(debug)
	})
}

// New creates a new Logger instance.
func New(debug bool) *Logger {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}

	// Shorter timestamps in development
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// Fallback to no-op if config fails
		logger = zap.NewNop()
	}

	return &Logger{Logger: logger}
}

// NewNop creates a no-op logger for testing.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// Target logs the discovery of a jump target.
func (l *Logger) Target(pc uint64, origin string, reliable bool) {
	l.Debug("target",
		zap.String("pc", Hex(pc)),
		zap.String("origin", origin),
		zap.Bool("reliable", reliable),
	)
}

// Split logs a basic block split at an instruction boundary.
func (l *Logger) Split(pc uint64, prefix, suffix string) {
	l.Debug("split",
		zap.String("pc", Hex(pc)),
		zap.String("prefix", prefix),
		zap.String("suffix", suffix),
	)
}

// Pass logs the completion of a rewrite pass.
func (l *Logger) Pass(name string, rewrites, pending int) {
	l.Debug("pass",
		zap.String("name", name),
		zap.Int("rewrites", rewrites),
		zap.Int("pending", pending),
	)
}

// Abort logs an unresolvable control transfer replaced by an abort.
func (l *Logger) Abort(pc uint64) {
	l.Warn("unresolvable target, emitting abort",
		zap.String("pc", Hex(pc)),
	)
}

// WithPass returns a logger with the pass field preset.
func (l *Logger) WithPass(name string) *Logger {
	return &Logger{Logger: l.Logger.With(zap.String("pass", name))}
}

// Hex formats a uint64 as hex string for logging.
func Hex(addr uint64) string {
	return "0x" + hexString(addr)
}

func hexString(v uint64) string {
	const digits = "0123456789abcdef"
	if v == 0 {
		return "0"
	}
	buf := make([]byte, 16)
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = digits[v&0xf]
		v >>= 4
	}
	return string(buf[i:])
}

// Field helpers for common patterns.

// Addr creates an address field.
func Addr(addr uint64) zap.Field {
	return zap.String("addr", Hex(addr))
}

// Size creates a size field.
func Size(size uint64) zap.Field {
	return zap.Uint64("size", size)
}

// Block creates a block name field.
func Block(name string) zap.Field {
	return zap.String("block", name)
}

// Count creates a count field.
func Count(name string, n int) zap.Field {
	return zap.Int(name, n)
}
