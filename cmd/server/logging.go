package main

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// newLogger writes JSON lines to w, or human-readable ones when
// APP_LOG_PRETTY=1. APP_LOG_LEVEL picks the level; info by default.
func newLogger(w io.Writer) zerolog.Logger {
	if os.Getenv("APP_LOG_PRETTY") == "1" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	level := zerolog.InfoLevel
	if s := os.Getenv("APP_LOG_LEVEL"); s != "" {
		if l, err := zerolog.ParseLevel(s); err == nil {
			level = l
		}
	}

	return zerolog.New(w).Level(level).With().Timestamp().Str("component", "httpd").Logger()
}
