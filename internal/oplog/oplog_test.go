package oplog

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"":      slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("verbose")
	assert.Error(t, err)
}

func TestOpenAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "tunnelbench.log")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("previous session\n"), 0644))

	var console bytes.Buffer
	logger, closer, err := Open(path, slog.LevelInfo, &console)
	require.NoError(t, err)

	logger.Info("tunnel ready", "namespace", "vpnns0")
	logger.Debug("hidden")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "previous session", lines[0])
	assert.Contains(t, lines[1], "time=")
	assert.Contains(t, lines[1], `msg="tunnel ready" namespace=vpnns0`)
	assert.Equal(t, lines[1]+"\n", console.String())
}

func TestOpenConsoleOnly(t *testing.T) {
	var console bytes.Buffer
	logger, closer, err := Open("", slog.LevelDebug, &console)
	require.NoError(t, err)
	defer closer.Close()

	logger.Debug("starting")
	assert.Contains(t, console.String(), "msg=starting")
}
