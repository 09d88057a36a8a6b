// Package logger holds the process-wide zerolog logger shared by the portal
// server and the portalctl client.
//
// Call Init once from main, then hand component loggers to constructors with
// For. Services never reach for the global themselves.
package logger

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Options configures Init.
type Options struct {
	// Service is attached to every entry as "service" when set.
	Service string
	// Level is one of trace, debug, info, warn, error. Unknown values mean info.
	Level string
	// Pretty switches from JSON lines to zerolog's console writer.
	Pretty bool
	// Output defaults to os.Stdout. portalctl passes os.Stderr so command
	// output stays clean.
	Output io.Writer
}

var (
	mu      sync.RWMutex
	root    zerolog.Logger
	started bool
)

// Init builds the process logger. Only the first call after start (or after
// Reset) takes effect; later calls return the existing logger.
func Init(opts Options) zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()
	if started {
		return root
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	lvl := parseLevel(opts.Level)
	zerolog.SetGlobalLevel(lvl)

	ctx := zerolog.New(writer(opts)).Level(lvl).With().Timestamp()
	if opts.Service != "" {
		ctx = ctx.Str("service", opts.Service)
	}
	if lvl <= zerolog.DebugLevel {
		ctx = ctx.Caller()
	}
	root = ctx.Logger()
	started = true
	return root
}

func writer(opts Options) io.Writer {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	if opts.Pretty {
		return zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	}
	return out
}

// Get returns the process logger. It panics before Init.
func Get() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if !started {
		panic("logger: Get() called before Init()")
	}
	return root
}

// For returns the process logger tagged with a component name, e.g.
// "channel" or "dispatcher".
func For(component string) zerolog.Logger {
	return Get().With().Str("component", component).Logger()
}

// Reset forgets the process logger. Tests only.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	root = zerolog.Logger{}
	started = false
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
