package shared

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger is a thin wrapper to allow DI/testing.
type Logger interface {
	Printf(string, ...any)
	Fatalf(string, ...any)
}

type zeroLogger struct{ zl zerolog.Logger }

// NewLogger returns a structured logger writing to stdout tagged with the service name.
func NewLogger(prefix string) Logger {
	return newZeroLogger(os.Stdout, prefix)
}

// NopLogger discards everything.
func NopLogger() Logger {
	return &zeroLogger{zl: zerolog.Nop()}
}

func newZeroLogger(w io.Writer, prefix string) *zeroLogger {
	zl := zerolog.New(w).With().Timestamp().Str("svc", prefix).Logger()
	return &zeroLogger{zl: zl}
}

func (l *zeroLogger) Printf(format string, args ...any) {
	l.zl.Info().Msgf(format, args...)
}

func (l *zeroLogger) Fatalf(format string, args ...any) {
	l.zl.Fatal().Msgf(format, args...)
}
