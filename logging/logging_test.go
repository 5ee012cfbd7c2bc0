package logging

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		level    slog.Level
		expected []string
		absent   []string
	}{
		{
			name:     "Info hides debug",
			level:    slog.LevelInfo,
			expected: []string{"INF", "recording started", "session=01J"},
			absent:   []string{"frame scored"},
		},
		{
			name:     "Debug shows everything",
			level:    slog.LevelDebug,
			expected: []string{"DBG", "frame scored", "INF", "recording started"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var buf bytes.Buffer
			logger := New(&buf, tc.level)
			logger.Debug("frame scored", "score", 12)
			logger.Info("recording started", "session", "01J")

			out := buf.String()
			for _, s := range tc.expected {
				assert.Contains(t, out, s)
			}
			for _, s := range tc.absent {
				assert.NotContains(t, out, s)
			}
			assert.NotContains(t, out, "\x1b[", "no color escapes outside a terminal")
		})
	}
}
