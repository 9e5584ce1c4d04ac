package di

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// ProvideLogger creates a new zerolog.Logger configured for the runtime environment.
// In Lambda (when AWS_LAMBDA_RUNTIME_API is set), it uses JSON format.
// In terminal/CLI, it uses console format with pretty printing.
// LOG_LEVEL overrides the default info level.
func ProvideLogger() zerolog.Logger {
	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stderr}
	if os.Getenv("AWS_LAMBDA_RUNTIME_API") != "" {
		out = os.Stdout
	}

	return zerolog.New(out).
		Level(logLevel(os.Getenv("LOG_LEVEL"))).
		With().
		Timestamp().
		Logger()
}

func logLevel(s string) zerolog.Level {
	if s == "" {
		return zerolog.InfoLevel
	}
	level, err := zerolog.ParseLevel(s)
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}
