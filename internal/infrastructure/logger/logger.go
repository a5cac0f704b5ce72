package logger

import (
	"os"
	"strings"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level is a leveled handle onto the process logger.
type Level struct {
	level zapcore.Level
}

var (
	Info  = &Level{level: zapcore.InfoLevel}
	Error = &Level{level: zapcore.ErrorLevel}
	Debug = &Level{level: zapcore.DebugLevel}
	Warn  = &Level{level: zapcore.WarnLevel}
)

var current atomic.Pointer[zap.SugaredLogger]

func init() {
	current.Store(newConsole(zapcore.InfoLevel).Sugar())
}

// Init replaces the process logger. format is "console" or "json"; level is
// any zap level name.
func Init(format, level string) error {
	lvl, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return errors.Wrapf(err, "invalid log level %q", level)
	}

	var l *zap.Logger
	switch strings.ToLower(format) {
	case "json":
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(lvl)
		cfg.OutputPaths = []string{"stdout"}
		if l, err = cfg.Build(); err != nil {
			return errors.Wrap(err, "build json logger")
		}
	case "", "console":
		l = newConsole(lvl)
	default:
		return errors.Newf("unknown log format %q", format)
	}

	current.Store(l.Sugar())
	return nil
}

// SetLogger installs l, mainly for tests (zap.NewNop, zaptest observers).
func SetLogger(l *zap.Logger) {
	current.Store(l.Sugar())
}

func Sync() {
	_ = current.Load().Sync()
}

func newConsole(lvl zapcore.Level) *zap.Logger {
	enc := zap.NewDevelopmentEncoderConfig()
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeLevel = zapcore.CapitalLevelEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.AddSync(os.Stdout), lvl)
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
}

func (l *Level) Printf(format string, args ...any) {
	current.Load().Logf(l.level, format, args...)
}

// Printw logs msg with structured key/value pairs.
func (l *Level) Printw(msg string, keysAndValues ...any) {
	current.Load().Logw(l.level, msg, keysAndValues...)
}
