package colorfulprint

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	ColorGreen = "\033[32m"
	ColorReset = "\033[0m"
)

// Init configures the global zerolog logger. format is "console" (colored,
// human readable) or "json".
func Init(level, format string) zerolog.Logger {
	return InitWithWriter(level, format, os.Stderr)
}

func InitWithWriter(level, format string, out io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(ParseLevel(level))

	var w io.Writer = out
	if strings.ToLower(strings.TrimSpace(format)) != "json" {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: "2006-01-02 15:04:05"}
	}

	log.Logger = zerolog.New(w).With().Timestamp().Logger()
	return log.Logger
}

func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// PrintError logs text with err and returns them joined as one error.
func PrintError(text string, err error) error {
	log.Error().Err(err).Msg(text)
	if err == nil {
		return fmt.Errorf("%s", text)
	}
	return fmt.Errorf("%s: %w", text, err)
}

func PrintState(text string) {
	log.Info().Msg(ColorGreen + text + ColorReset)
}
