package observability

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// InitLogger builds the root logger for a client instance. Modules derive
// their own loggers from it with a `module` field.
func InitLogger(app string, level zerolog.Level) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	return zerolog.New(output).Level(level).With().Timestamp().Str("app", app).Logger()
}

// testingLog is the subset of testing.T the test logger needs.
type testingLog interface {
	Log(args ...any)
}

type testWriter struct {
	t testingLog
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

// TestLogger routes log output through the test's own log buffer so it is
// only shown for failing tests.
func TestLogger(t testingLog) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: testWriter{t: t}, NoColor: true}).
		Level(zerolog.DebugLevel).With().Logger()
}
