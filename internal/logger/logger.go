package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// Init configures the global logger from LOG_LEVEL and LOG_FORMAT
// (json|console, default json) writing to stdout.
func Init() zerolog.Logger {
	return InitWithWriter(os.Stdout)
}

func InitWithWriter(w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL"))))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var l zerolog.Logger
	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "console") {
		l = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339})
	} else {
		l = zerolog.New(w)
	}
	l = l.With().Timestamp().Str("service", "profiler").Logger().Level(level)

	zlog.Logger = l
	return l
}
