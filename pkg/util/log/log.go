// Package log provides the global go-kit logger used across vmsched, in
// the same style as the teacher's pkg/util/log: a single package-level
// Logger that every component logs through, initialized once at process
// startup from the server/log-level configuration.
package log

import (
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Logger is the default logger, initialized to a sensible fallback so
// packages that log during init (before InitLogger runs) don't panic.
var Logger = newDefaultLogger()

func newDefaultLogger() log.Logger {
	l := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	l = log.With(l, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
	return level.NewFilter(l, level.AllowInfo())
}

// Level is a minimal string-backed log-level knob, mirroring the
// dskit-style Level wrapper used by the teacher's server config.
type Level struct {
	s string
}

func (l *Level) String() string {
	if l.s == "" {
		return "info"
	}
	return l.s
}

// Set implements flag.Value.
func (l *Level) Set(s string) error {
	switch s {
	case "debug", "info", "warn", "error":
		l.s = s
		return nil
	default:
		return errInvalidLevel
	}
}

// UnmarshalYAML implements yaml.Unmarshaler so Level can be embedded
// directly in a yaml-tagged config struct, the same as dskit's Level.
func (l *Level) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return l.Set(s)
}

// MarshalYAML implements yaml.Marshaler.
func (l Level) MarshalYAML() (interface{}, error) {
	return l.String(), nil
}

var errInvalidLevel = levelError("invalid log level")

type levelError string

func (e levelError) Error() string { return string(e) }

// InitLogger rebuilds the package Logger at the configured level. It is
// called once from main after flags/config are parsed.
func InitLogger(lvl *Level) {
	l := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	l = log.With(l, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	var filter level.Option
	switch lvl.String() {
	case "debug":
		filter = level.AllowDebug()
	case "warn":
		filter = level.AllowWarn()
	case "error":
		filter = level.AllowError()
	default:
		filter = level.AllowInfo()
	}

	Logger = level.NewFilter(l, filter)
}
