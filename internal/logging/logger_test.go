package logging

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T, maxHistory int) *Logger {
	t.Helper()
	l, err := New(&Config{
		LogDir:     t.TempDir(),
		Level:      LevelDebug,
		MaxHistory: maxHistory,
		Console:    false,
	})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLogger_WritesFile(t *testing.T) {
	l := newTestLogger(t, 100)

	cl := l.Component("test")
	cl.Info().Msg("hello from test")

	data, err := os.ReadFile(l.LogPath())
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello from test")
	assert.Contains(t, string(data), `"component":"test"`)
}

func TestLogger_HistoryCapturesEntries(t *testing.T) {
	l := newTestLogger(t, 100)

	zl := l.Zerolog()
	zl.Info().Msg("first")
	zl.Warn().Msg("second")

	history := l.History(0)
	require.GreaterOrEqual(t, len(history), 2)
	last := history[len(history)-1]
	assert.Equal(t, "second", last.Message)
	assert.Equal(t, "warn", last.Level)
}

func TestLogger_HistoryCapturesComponent(t *testing.T) {
	l := newTestLogger(t, 100)

	cl := l.Component("tracker")
	cl.Info().Msg("locked")

	history := l.History(0)
	require.NotEmpty(t, history)
	last := history[len(history)-1]
	assert.Equal(t, "tracker", last.Component)
	assert.Equal(t, "locked", last.Message)
}

func TestLogger_HistoryBounded(t *testing.T) {
	l := newTestLogger(t, 5)

	zl := l.Zerolog()
	for i := 0; i < 20; i++ {
		zl.Info().Msg("entry")
	}

	assert.LessOrEqual(t, len(l.History(0)), 5)
}

func TestLogger_HistoryLimit(t *testing.T) {
	l := newTestLogger(t, 100)

	zl := l.Zerolog()
	for i := 0; i < 10; i++ {
		zl.Info().Msg("entry")
	}

	assert.Len(t, l.History(3), 3)
}
