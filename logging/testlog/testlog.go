// Package testlog gives tests a logger built from the test logging profile.
package testlog

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/dotside-studios/nfc-relay/logging"
)

// Start configures the test profile once and returns a logger tagged with
// the test name.
func Start(t testing.TB) *zerolog.Logger {
	t.Helper()
	logging.ConfigureTests()
	log := logging.Root().With().Str("test", t.Name()).Logger()
	return &log
}
