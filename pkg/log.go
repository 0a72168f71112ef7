package pkg

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Component identifies a subsystem for log filtering.
type Component string

// SCSI stack component identifiers.
const (
	ComponentChannel Component = "channel"
	ComponentPeriph  Component = "periph"
	ComponentXfer    Component = "xfer"
	ComponentThread  Component = "thread"
	ComponentAdapter Component = "adapter"
	ComponentTarget  Component = "target"
	ComponentProf    Component = "prof"
)

// Components lists every component identifier.
var Components = []Component{
	ComponentChannel,
	ComponentPeriph,
	ComponentXfer,
	ComponentThread,
	ComponentAdapter,
	ComponentTarget,
	ComponentProf,
}

// Attribute keys. Records about one logical unit carry the same bus,
// target and lun keys whichever layer emits them.
const (
	KeyComponent = "component"
	KeyBus       = "bus"
	KeyTarget    = "target"
	KeyLUN       = "lun"
	KeyNexus     = "nexus"
)

// Addr returns the bus/target/lun attributes followed by kv.
func Addr(bus, target, lun int, kv ...any) []any {
	return append([]any{KeyBus, bus, KeyTarget, target, KeyLUN, lun}, kv...)
}

// LogFormat specifies the output format for logging.
type LogFormat int

// Log format options.
const (
	LogFormatText LogFormat = iota // Text format (default)
	LogFormatJSON                  // JSON format
)

var (
	// DefaultLogger is the default logger used by the SCSI stack.
	DefaultLogger *slog.Logger

	// logLevel is the minimum level of components without their own.
	logLevel = new(slog.LevelVar)

	// handlerLevel is the level the stack's own handlers filter at: the
	// lowest of logLevel and every component level.
	handlerLevel = new(slog.LevelVar)

	componentLevels = make(map[Component]slog.Level)

	// logMutex protects logger configuration.
	logMutex sync.RWMutex
)

func init() {
	logLevel.Set(slog.LevelWarn)
	handlerLevel.Set(slog.LevelWarn)
	DefaultLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: handlerLevel,
	}))
}

// updateHandlerLevelLocked recomputes handlerLevel. Requires logMutex.
func updateHandlerLevelLocked() {
	lowest := logLevel.Level()
	for _, l := range componentLevels {
		if l < lowest {
			lowest = l
		}
	}
	handlerLevel.Set(lowest)
}

// SetLogLevel sets the minimum log level for all SCSI stack logging.
func SetLogLevel(level slog.Level) {
	logMutex.Lock()
	defer logMutex.Unlock()
	logLevel.Set(level)
	updateHandlerLevelLocked()
}

// GetLogLevel returns the current minimum log level.
func GetLogLevel() slog.Level {
	logMutex.RLock()
	defer logMutex.RUnlock()
	return logLevel.Level()
}

// SetComponentLevel overrides the minimum log level of one component.
func SetComponentLevel(c Component, level slog.Level) {
	logMutex.Lock()
	defer logMutex.Unlock()
	componentLevels[c] = level
	updateHandlerLevelLocked()
}

// ClearComponentLevels drops every component override.
func ClearComponentLevels() {
	logMutex.Lock()
	defer logMutex.Unlock()
	clear(componentLevels)
	updateHandlerLevelLocked()
}

// ComponentLevel returns the minimum log level in effect for c.
func ComponentLevel(c Component) slog.Level {
	logMutex.RLock()
	defer logMutex.RUnlock()
	if l, ok := componentLevels[c]; ok {
		return l
	}
	return logLevel.Level()
}

// ParseComponentLevels applies a comma-separated list of component=level
// overrides, such as "xfer=debug,target=error".
func ParseComponentLevels(s string) error {
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		name, lvl, ok := strings.Cut(item, "=")
		if !ok {
			return errors.Wrapf(ErrInvalidParameter, "component level %q", item)
		}
		c := Component(strings.TrimSpace(name))
		known := false
		for _, k := range Components {
			if k == c {
				known = true
				break
			}
		}
		if !known {
			return errors.Wrapf(ErrInvalidParameter, "unknown component %q", name)
		}
		var level slog.Level
		if err := level.UnmarshalText([]byte(strings.TrimSpace(lvl))); err != nil {
			return errors.Wrapf(err, "component %s", c)
		}
		SetComponentLevel(c, level)
	}
	return nil
}

// SetLogger replaces the default logger with a custom logger.
func SetLogger(logger *slog.Logger) {
	logMutex.Lock()
	defer logMutex.Unlock()
	DefaultLogger = logger
}

// SetLogFormat configures the default logger to use the specified format.
// The logger writes to os.Stderr and uses the current log levels.
func SetLogFormat(format LogFormat) {
	logMutex.Lock()
	defer logMutex.Unlock()
	opts := &slog.HandlerOptions{Level: handlerLevel}
	switch format {
	case LogFormatJSON:
		DefaultLogger = slog.New(slog.NewJSONHandler(os.Stderr, opts))
	default:
		DefaultLogger = slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
}

// NewLogger creates a new text logger writing to the given writer.
func NewLogger(w io.Writer, opts *slog.HandlerOptions) *slog.Logger {
	if opts == nil {
		opts = &slog.HandlerOptions{Level: handlerLevel}
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// NewJSONLogger creates a new JSON logger writing to the given writer.
func NewJSONLogger(w io.Writer, opts *slog.HandlerOptions) *slog.Logger {
	if opts == nil {
		opts = &slog.HandlerOptions{Level: handlerLevel}
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func logger() *slog.Logger {
	logMutex.RLock()
	defer logMutex.RUnlock()
	return DefaultLogger
}

// Enabled reports whether a record of component c at level would be
// emitted. Callers use it to skip building expensive dumps.
func Enabled(c Component, level slog.Level) bool {
	if level < ComponentLevel(c) {
		return false
	}
	return logger().Enabled(context.Background(), level)
}

// DebugEnabled reports whether debug records of component c would be
// emitted.
func DebugEnabled(c Component) bool {
	return Enabled(c, slog.LevelDebug)
}

func logAt(c Component, level slog.Level, msg string, args []any) {
	if level < ComponentLevel(c) {
		return
	}
	logger().Log(context.Background(), level, msg, append([]any{KeyComponent, string(c)}, args...)...)
}

// LogDebug logs a debug message with the given component.
func LogDebug(component Component, msg string, args ...any) {
	logAt(component, slog.LevelDebug, msg, args)
}

// LogInfo logs an info message with the given component.
func LogInfo(component Component, msg string, args ...any) {
	logAt(component, slog.LevelInfo, msg, args)
}

// LogWarn logs a warning message with the given component.
func LogWarn(component Component, msg string, args ...any) {
	logAt(component, slog.LevelWarn, msg, args)
}

// LogError logs an error message with the given component.
func LogError(component Component, msg string, args ...any) {
	logAt(component, slog.LevelError, msg, args)
}
