// Package logging defines the Logger interface used throughout the repo.
// It also includes functions for setting the global log level and a per-package log level.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mut           sync.RWMutex
	logLevel      = zap.InfoLevel
	packageLevels = make(map[string]zapcore.Level)
	loggers       []*levelLogger
)

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zap.DebugLevel
	case "info":
		return zap.InfoLevel
	case "warn":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	case "panic":
		return zap.PanicLevel
	case "fatal":
		return zap.FatalLevel
	default:
		panic("invalid log level '" + level + "'")
	}
}

// SetLogLevel sets the global log level.
func SetLogLevel(levelStr string) {
	mut.Lock()
	defer mut.Unlock()
	logLevel = parseLevel(levelStr)
	for _, l := range loggers {
		l.updateLevel()
	}
}

// SetPackageLogLevel sets a log level for the loggers with the given name,
// overriding the global level.
func SetPackageLogLevel(packageName, levelStr string) {
	mut.Lock()
	defer mut.Unlock()
	packageLevels[packageName] = parseLevel(levelStr)
	for _, l := range loggers {
		l.updateLevel()
	}
}

// Logger is the logging interface used by the coordination core. It is based on zap.SugaredLogger.
type Logger interface {
	DPanic(args ...interface{})
	DPanicf(template string, args ...interface{})
	Debug(args ...interface{})
	Debugf(template string, args ...interface{})
	Error(args ...interface{})
	Errorf(template string, args ...interface{})
	Fatal(args ...interface{})
	Fatalf(template string, args ...interface{})
	Info(args ...interface{})
	Infof(template string, args ...interface{})
	Panic(args ...interface{})
	Panicf(template string, args ...interface{})
	Warn(args ...interface{})
	Warnf(template string, args ...interface{})
}

type levelLogger struct {
	*zap.SugaredLogger
	name  string
	level zap.AtomicLevel
}

// updateLevel must be called with mut held.
func (l *levelLogger) updateLevel() {
	if lv, ok := packageLevels[l.name]; ok {
		l.level.SetLevel(lv)
		return
	}
	l.level.SetLevel(logLevel)
}

func register(l *levelLogger) Logger {
	mut.Lock()
	defer mut.Unlock()
	l.updateLevel()
	loggers = append(loggers, l)
	return l
}

// New returns a new logger for stderr with the given name.
func New(name string) Logger {
	var config zap.Config
	if strings.ToLower(os.Getenv("TREEHOTSTUFF_LOG_TYPE")) == "json" {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
		if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
			config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}
	}
	l, err := config.Build(zap.AddCallerSkip(1))
	if err != nil {
		panic(err)
	}
	return register(&levelLogger{
		SugaredLogger: l.Sugar().Named(name),
		name:          name,
		level:         config.Level,
	})
}

// NewWithDest returns a new logger for the given destination with the given name.
func NewWithDest(dest io.Writer, name string) Logger {
	atom := zap.NewAtomicLevelAt(logLevel)
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()), zapcore.AddSync(dest), atom)
	l := zap.New(core, zap.AddCallerSkip(1))
	return register(&levelLogger{
		SugaredLogger: l.Sugar().Named(name),
		name:          name,
		level:         atom,
	})
}
