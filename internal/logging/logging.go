// Package logging configures the zerolog logger shared by mergebin commands.
package logging

import (
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

const (
	EnvLogLevel   = "MERGEBIN_LOG_LEVEL"
	EnvLogNoColor = "MERGEBIN_LOG_NOCOLOR"
)

type Profile int

const (
	ProfileRuntime Profile = iota
	ProfileVerbose
	ProfileTest
)

// New returns a console logger writing to w, with level and colour taken from
// the profile and then from the environment.
func New(w io.Writer, profile Profile) zerolog.Logger {
	level := zerolog.InfoLevel
	noColor := false
	switch profile {
	case ProfileVerbose:
		level = zerolog.DebugLevel
	case ProfileTest:
		level = zerolog.DebugLevel
		noColor = true
	}

	if lvl, ok := parseLevel(os.Getenv(EnvLogLevel)); ok {
		level = lvl
	}
	if v, ok := parseBool(os.Getenv(EnvLogNoColor)); ok {
		noColor = v
	}

	out := zerolog.ConsoleWriter{
		Out:        w,
		NoColor:    noColor,
		PartsOrder: []string{zerolog.LevelFieldName, zerolog.MessageFieldName},
	}
	return zerolog.New(out).Level(level)
}

// Runtime returns the default stderr logger.
func Runtime(verbose bool) zerolog.Logger {
	if verbose {
		return New(os.Stderr, ProfileVerbose)
	}
	return New(os.Stderr, ProfileRuntime)
}

func parseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "off", "disabled":
		return zerolog.Disabled, true
	default:
		return zerolog.NoLevel, false
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
