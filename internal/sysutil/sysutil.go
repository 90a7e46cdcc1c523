// Package sysutil holds process bootstrap helpers shared by the API server
// and the delivery worker.
package sysutil

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ParseLogLevel maps a LOG_LEVEL value onto a zerolog level. "warning" is
// accepted as an alias; blank and unknown values mean info.
func ParseLogLevel(s string) zerolog.Level {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "warning" {
		s = "warn"
	}
	lvl, err := zerolog.ParseLevel(s)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// InitLogging installs the global logger for one process. Pretty output
// uses a console writer and honours NO_COLOR. The logger also becomes the
// fallback for log.Ctx on contexts that carry none.
func InitLogging(w io.Writer, level string, pretty bool, process string) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	zerolog.SetGlobalLevel(ParseLogLevel(level))
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if pretty {
		_, noColor := os.LookupEnv("NO_COLOR")
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339, NoColor: noColor}
	}
	l := zerolog.New(w).With().Timestamp().Str("process", process).Logger()
	log.Logger = l
	zerolog.DefaultContextLogger = &log.Logger
	return l
}

// FirstNonEmpty returns the first non-blank string, or "".
func FirstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
