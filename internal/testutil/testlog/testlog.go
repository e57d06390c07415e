// Package testlog configures per-test logging.
package testlog

import (
	"testing"

	"github.com/rs/zerolog"

	"walletwire/internal/observability"
)

// Start returns a logger wired to the test's log output.
func Start(t *testing.T) zerolog.Logger {
	t.Helper()
	logger := observability.TestLogger(t)
	logger.Info().Str("test", t.Name()).Msg("start")
	return logger
}
