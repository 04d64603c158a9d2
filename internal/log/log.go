// Package log provides structured logging for the staker.
package log

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance.
var Logger zerolog.Logger

// Component loggers for different parts of the system.
var (
	Chain     zerolog.Logger
	Store     zerolog.Logger
	Sync      zerolog.Logger
	Fetch     zerolog.Logger
	Consensus zerolog.Logger
	Stake     zerolog.Logger
	P2P       zerolog.Logger
	Wallet    zerolog.Logger
)

func init() {
	// Default to colored console output
	Logger = NewConsoleLogger(os.Stdout, "info")
	initComponentLoggers()
}

// Init initializes the logger with the given configuration.
// When file is non-empty, logs are written to both the console (colored or
// JSON depending on jsonOutput) and the file (always JSON for machine parsing).
// The returned closer releases the file, if any.
func Init(level string, jsonOutput bool, file string) (io.Closer, error) {
	var console io.Writer = os.Stdout
	if !jsonOutput {
		console = consoleWriter(os.Stdout)
	}

	var closer io.Closer = nopCloser{}
	out := console
	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, err
		}
		out = zerolog.MultiLevelWriter(console, f)
		closer = f
	}

	Logger = newLogger(out, level)
	initComponentLoggers()
	return closer, nil
}

// NewConsoleLogger creates a colored console logger.
func NewConsoleLogger(w io.Writer, level string) zerolog.Logger {
	return newLogger(consoleWriter(w), level)
}

// NewJSONLogger creates a structured JSON logger.
func NewJSONLogger(w io.Writer, level string) zerolog.Logger {
	return newLogger(w, level)
}

// SetOutput redirects the global logger, mainly for tests.
func SetOutput(l zerolog.Logger) {
	Logger = l
	initComponentLoggers()
}

func newLogger(w io.Writer, level string) zerolog.Logger {
	return zerolog.New(w).
		Level(parseLevel(level)).
		With().
		Timestamp().
		Logger()
}

func consoleWriter(w io.Writer) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: "15:04:05",
	}
}

// parseLevel converts a string level to zerolog.Level.
func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
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

func initComponentLoggers() {
	Chain = WithComponent("chain")
	Store = WithComponent("store")
	Sync = WithComponent("sync")
	Fetch = WithComponent("fetch")
	Consensus = WithComponent("consensus")
	Stake = WithComponent("stake")
	P2P = WithComponent("p2p")
	Wallet = WithComponent("wallet")
}

// WithComponent returns a logger with a component field.
func WithComponent(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}

// WithPeer returns a component logger tagged with a peer ID.
func WithPeer(component, peer string) zerolog.Logger {
	return Logger.With().Str("component", component).Str("peer", peer).Logger()
}

// Benchmark helper for timing operations.
func Benchmark(name string) func() {
	start := time.Now()
	return func() {
		Logger.Debug().
			Str("operation", name).
			Dur("duration", time.Since(start)).
			Msg("benchmark")
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
