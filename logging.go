package nitra

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// NewLogger builds a zerolog.Logger configured with the given level, format,
// and optional file output. Supported formats: "json" (default) and
// "console". Supported levels: "debug", "info" (default), "warn", "error".
// When filePath is non-empty, logs go to stdout and the file simultaneously.
// The returned io.Closer must be closed on shutdown; it is a no-op when
// filePath is empty.
func NewLogger(level, format, filePath string) (zerolog.Logger, io.Closer) {
	zerolog.SetGlobalLevel(parseLevel(level))

	var w io.Writer = os.Stdout
	closer := io.NopCloser(strings.NewReader(""))

	if filePath != "" {
		f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			// fall back to stdout-only logging rather than fail startup
			w = os.Stdout
		} else {
			w = io.MultiWriter(os.Stdout, f)
			closer = f
		}
	}

	if strings.ToLower(format) == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	}

	return zerolog.New(w).With().Timestamp().Logger(), closer
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
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
