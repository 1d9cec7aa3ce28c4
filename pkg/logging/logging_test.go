package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoggerGatesBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelWarn)

	l.Info("pager", "page read", nil)
	require.Empty(t, buf.String())

	l.Warn("pager", "slow sync", Fields("ms", 42))
	require.Contains(t, buf.String(), "pager")
	require.Contains(t, buf.String(), "slow sync")
	require.Contains(t, buf.String(), "42")
}

func TestSetLevelChangesGate(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelError)
	l.Warn("wal", "retry", nil)
	require.Empty(t, buf.String())

	l.SetLevel(LevelWarn)
	l.Warn("wal", "retry", nil)
	require.Contains(t, buf.String(), "retry")
}

func TestParseLevelDefaultsToInfo(t *testing.T) {
	require.Equal(t, LevelDebug, ParseLevel("DEBUG"))
	require.Equal(t, LevelWarn, ParseLevel("warn"))
	require.Equal(t, LevelInfo, ParseLevel("nonsense"))
}

func TestFieldsPanicsOnOddArgs(t *testing.T) {
	require.Panics(t, func() { Fields("only-key") })
}

func TestLevelStringRoundTrip(t *testing.T) {
	for _, lvl := range []Level{LevelDebug, LevelInfo, LevelWarn, LevelError} {
		require.Equal(t, lvl, ParseLevel(strings.ToUpper(lvl.String())))
	}
}
