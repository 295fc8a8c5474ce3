// Package log is the thin leveled-logging facade every component of the
// node takes as a dependency. It is backed by zap, but nothing outside this
// package touches zap directly.
package log

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Levels accepted by New, ordered from chattiest to most severe.
const (
	DebugLevel = int(zapcore.DebugLevel)
	InfoLevel  = int(zapcore.InfoLevel)
	WarnLevel  = int(zapcore.WarnLevel)
	ErrorLevel = int(zapcore.ErrorLevel)
	PanicLevel = int(zapcore.PanicLevel)
	FatalLevel = int(zapcore.FatalLevel)
)

// Logger logs structured statements at the usual levels. With, Named and
// AddCallerSkip return derived loggers and leave the receiver untouched.
type Logger interface {
	Debug(keyvals ...interface{})
	Info(keyvals ...interface{})
	Warn(keyvals ...interface{})
	Error(keyvals ...interface{})
	Panic(keyvals ...interface{})
	Fatal(keyvals ...interface{})
	Debugw(msg string, keyvals ...interface{})
	Infow(msg string, keyvals ...interface{})
	Warnw(msg string, keyvals ...interface{})
	Errorw(msg string, keyvals ...interface{})
	Panicw(msg string, keyvals ...interface{})
	Fatalw(msg string, keyvals ...interface{})
	With(args ...interface{}) Logger
	Named(s string) Logger
	AddCallerSkip(skip int) Logger
}

// config is everything it takes to build the zap core underneath a Logger.
type config struct {
	output zapcore.WriteSyncer
	level  int
	json   bool
}

func (c config) build() *zap.Logger {
	sink := c.output
	if sink == nil {
		sink = os.Stdout
	}
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	var enc zapcore.Encoder
	if c.json {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}
	core := zapcore.NewCore(enc, sink, zapcore.Level(c.level))
	return zap.New(core, zap.WithCaller(true))
}

// ParseLevel maps a level name (as found in DORA_LOG_LEVEL) to a level.
// Unknown or empty names fall back to info.
func ParseLevel(name string) int {
	switch strings.ToLower(name) {
	case "debug":
		return DebugLevel
	case "warn":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// New returns a logger printing statements at or above the given level to
// output (stdout when nil), in console or JSON format.
func New(output zapcore.WriteSyncer, level int, jsonFormat bool) Logger {
	return &logger{config{output: output, level: level, json: jsonFormat}.build().Sugar()}
}

var (
	defaultOnce sync.Once
	defaultLog  Logger
)

// DefaultLogger returns the process-wide fallback logger. Its level is read
// once from the DORA_LOG_LEVEL environment variable.
func DefaultLogger() Logger {
	defaultOnce.Do(func() {
		defaultLog = New(nil, ParseLevel(os.Getenv("DORA_LOG_LEVEL")), false)
	})
	return defaultLog
}

type logger struct {
	*zap.SugaredLogger
}

func (l *logger) With(args ...interface{}) Logger {
	return &logger{l.SugaredLogger.With(args...)}
}

func (l *logger) Named(s string) Logger {
	return &logger{l.SugaredLogger.Named(s)}
}

func (l *logger) AddCallerSkip(skip int) Logger {
	return &logger{l.SugaredLogger.Desugar().WithOptions(zap.AddCallerSkip(skip)).Sugar()}
}
