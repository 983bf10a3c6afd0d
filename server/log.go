package server

import (
	"os"

	"github.com/rs/zerolog"
)

// DefaultLogger is the logger a Server uses when its Config names none.
func DefaultLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).With().Timestamp().Str("component", "httpd").Logger()
}
