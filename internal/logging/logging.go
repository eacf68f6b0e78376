// Package logging wires up the module's single zerolog.Logger
// construction path; every component takes a logger by value rather
// than reaching for a global.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// New builds a leveled zerolog.Logger writing to w. An unrecognised
// level string falls back to info.
func New(level string, w io.Writer) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).With().Timestamp().Logger().Level(lvl)
}

// NewSyncLog opens (creating if necessary) the append-only sync.log
// sync log file and returns a logger writing to it in
// zerolog's console-free JSON form.
func NewSyncLog(path string) (zerolog.Logger, io.Closer, error) {
	f, err := openAppend(path)
	if err != nil {
		return zerolog.Logger{}, nil, err
	}
	return zerolog.New(f).With().Timestamp().Logger(), f, nil
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
}
