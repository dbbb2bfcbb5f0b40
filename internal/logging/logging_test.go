package logging

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel_Table(t *testing.T) {
	cases := []struct {
		input    string
		wantName string
		want     slog.Level
	}{
		{"", "info", slog.LevelInfo},
		{"info", "info", slog.LevelInfo},
		{"DEBUG", "debug", slog.LevelDebug},
		{"warning", "warn", slog.LevelWarn},
		{"err", "error", slog.LevelError},
	}

	for _, tc := range cases {
		level, name, err := ParseLevel(tc.input)
		require.NoError(t, err)
		assert.Equal(t, tc.want, level)
		assert.Equal(t, tc.wantName, name)
	}
}

func TestParseLevel_RejectsUnknown(t *testing.T) {
	_, _, err := ParseLevel("verbose")
	assert.Error(t, err)
}

func TestNew_TagsTeamAndWorker(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, slog.LevelInfo, "alpha", "w1")
	logger.Info("hello")

	out := buf.String()
	assert.Contains(t, out, "team=alpha")
	assert.Contains(t, out, "worker=w1")
	assert.Contains(t, out, "msg=hello")
}
