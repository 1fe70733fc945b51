// Package logging configures the process-wide jwalterweatherman notepad.
// Components log through the jww level loggers with a bracketed component
// prefix, e.g. jww.INFO.Printf("[matcher] paired %s with %s", a, b).
package logging

import (
	"io"
	"strings"

	jww "github.com/spf13/jwalterweatherman"
)

// ParseLevel maps a LOG_LEVEL string to a jww threshold. Unknown values
// fall back to info.
func ParseLevel(level string) jww.Threshold {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return jww.LevelTrace
	case "debug":
		return jww.LevelDebug
	case "warn", "warning":
		return jww.LevelWarn
	case "error":
		return jww.LevelError
	case "critical":
		return jww.LevelCritical
	default:
		return jww.LevelInfo
	}
}

// Setup sets the stdout threshold from level. When logFile is non-nil the
// same threshold is applied to it as the log output.
func Setup(level string, logFile io.Writer) {
	th := ParseLevel(level)
	jww.SetStdoutThreshold(th)
	if logFile != nil {
		jww.SetLogOutput(logFile)
		jww.SetLogThreshold(th)
	}
	jww.DEBUG.Printf("[logging] threshold set to %s", strings.ToLower(level))
}
