// Package logging provides the leveled logger interface threaded through
// the pool, WAL and replication packages. It mirrors the shape of the
// teacher's bbolt.Logger interface (Info/Infof/Warning/Warningf/Error/
// Errorf/Fatal/Fatalf) so the same calling convention works whether the
// destination is zerolog or a discard sink.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger is the leveled logging contract used across the core.
type Logger interface {
	Debug(args ...interface{})
	Debugf(format string, args ...interface{})
	Info(args ...interface{})
	Infof(format string, args ...interface{})
	Warning(args ...interface{})
	Warningf(format string, args ...interface{})
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
	Fatal(args ...interface{})
	Fatalf(format string, args ...interface{})
}

// zerologLogger adapts zerolog.Logger to the Logger interface.
type zerologLogger struct {
	log zerolog.Logger
}

// New builds a Logger backed by zerolog, writing to w at the given level.
func New(w io.Writer, level zerolog.Level) Logger {
	if w == nil {
		w = os.Stderr
	}
	return &zerologLogger{log: zerolog.New(w).Level(level).With().Timestamp().Logger()}
}

func (l *zerologLogger) Debug(args ...interface{})                 { l.log.Debug().Msg(sprint(args...)) }
func (l *zerologLogger) Debugf(format string, args ...interface{})  { l.log.Debug().Msgf(format, args...) }
func (l *zerologLogger) Info(args ...interface{})                  { l.log.Info().Msg(sprint(args...)) }
func (l *zerologLogger) Infof(format string, args ...interface{})   { l.log.Info().Msgf(format, args...) }
func (l *zerologLogger) Warning(args ...interface{})                { l.log.Warn().Msg(sprint(args...)) }
func (l *zerologLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn().Msgf(format, args...)
}
func (l *zerologLogger) Error(args ...interface{})                 { l.log.Error().Msg(sprint(args...)) }
func (l *zerologLogger) Errorf(format string, args ...interface{})  { l.log.Error().Msgf(format, args...) }
func (l *zerologLogger) Fatal(args ...interface{})                 { l.log.Fatal().Msg(sprint(args...)) }
func (l *zerologLogger) Fatalf(format string, args ...interface{}) { l.log.Fatal().Msgf(format, args...) }

// discardLogger drops everything. Used as the default when no Logger is
// configured, the same role the teacher's discardLogger plays.
type discardLogger struct{}

// Discard is the zero-configuration Logger: it drops every message.
var Discard Logger = discardLogger{}

func (discardLogger) Debug(args ...interface{})                  {}
func (discardLogger) Debugf(format string, args ...interface{})   {}
func (discardLogger) Info(args ...interface{})                   {}
func (discardLogger) Infof(format string, args ...interface{})    {}
func (discardLogger) Warning(args ...interface{})                 {}
func (discardLogger) Warningf(format string, args ...interface{}) {}
func (discardLogger) Error(args ...interface{})                   {}
func (discardLogger) Errorf(format string, args ...interface{})   {}
func (discardLogger) Fatal(args ...interface{})                   {}
func (discardLogger) Fatalf(format string, args ...interface{})   {}

func sprint(args ...interface{}) string {
	return fmt.Sprint(args...)
}
