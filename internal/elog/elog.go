// Package elog provides structured logging for the ekv storage engine.
package elog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog with ekv-specific convenience methods.
type Logger struct {
	zlog zerolog.Logger
}

// Config holds logger configuration.
type Config struct {
	Level      string // debug, info, warn, error
	Pretty     bool   // pretty-print for development
	Output     io.Writer
	WithCaller bool
}

// New creates a new structured logger.
func New(cfg Config) *Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	zlog := zerolog.New(output).
		With().
		Timestamp().
		Str("service", "ekv").
		Logger()

	if cfg.WithCaller {
		zlog = zlog.With().Caller().Logger()
	}

	return &Logger{zlog: zlog}
}

// Nop returns a logger that discards all output, for use when the caller
// doesn't want logging (tests, libraries embedding ekv silently).
func Nop() *Logger {
	return &Logger{zlog: zerolog.Nop()}
}

// GetZerolog returns the underlying zerolog logger.
func (l *Logger) GetZerolog() *zerolog.Logger {
	return &l.zlog
}

func (l *Logger) Info(msg string) *zerolog.Event  { return l.zlog.Info().Str("msg", msg) }
func (l *Logger) Debug(msg string) *zerolog.Event { return l.zlog.Debug().Str("msg", msg) }
func (l *Logger) Warn(msg string) *zerolog.Event  { return l.zlog.Warn().Str("msg", msg) }
func (l *Logger) Error(msg string) *zerolog.Event { return l.zlog.Error().Str("msg", msg) }

// Fatal logs at fatal level and terminates the process, mirroring
// zerolog's own Fatal semantics (os.Exit(1) once the event is written).
func (l *Logger) Fatal() *zerolog.Event { return l.zlog.Fatal() }

// WithComponent returns a logger tagged with a component name, mirroring
// the per-subsystem child loggers used for page/file/db operations.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{zlog: l.zlog.With().Str("component", component).Logger()}
}

// LogPageOp logs a page-layer operation (erase, write, commit).
func (l *Logger) LogPageOp(op string, pageID uint16, n int) {
	l.zlog.Debug().
		Str("component", "page").
		Str("op", op).
		Uint16("page_id", pageID).
		Int("bytes", n).
		Msg("page operation")
}

// LogCompaction logs a compaction pass.
func (l *Logger) LogCompaction(level int, inputFiles, outputFile int, duration time.Duration, err error) {
	event := l.zlog.Info()
	if err != nil {
		event = l.zlog.Error().Err(err)
	}
	event.
		Str("component", "compaction").
		Int("level", level).
		Int("input_files", inputFiles).
		Int("output_file", outputFile).
		Dur("duration_ms", duration).
		Msg("compaction pass")
}

// LogTxn logs a transaction's completion.
func (l *Logger) LogTxn(kind string, duration time.Duration, keys int, err error) {
	event := l.zlog.Debug()
	if err != nil {
		event = l.zlog.Error().Err(err)
	}
	event.
		Str("component", "txn").
		Str("kind", kind).
		Dur("duration_ms", duration).
		Int("keys", keys).
		Msg("transaction completed")
}

// LogMount logs the outcome of a mount scan.
func (l *Logger) LogMount(metaSeq uint32, files int, orphans int, err error) {
	event := l.zlog.Info()
	if err != nil {
		event = l.zlog.Error().Err(err)
	}
	event.
		Str("component", "mount").
		Uint32("meta_seq", metaSeq).
		Int("files", files).
		Int("orphan_pages", orphans).
		Msg("mount scan completed")
}
