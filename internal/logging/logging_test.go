// ABOUTME: Tests for logger construction and the colorized text handler
// ABOUTME: Color output is disabled so lines can be matched literally

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"loud":    slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for name, want := range tests {
		assert.Equal(t, want, ParseLevel(name), "level %q", name)
	}
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "info", "json")
	logger.With("component", "manager").Info("plan published", "agents", 2)
	logger.Debug("hidden")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "plan published", rec["msg"])
	assert.Equal(t, "manager", rec["component"])
	assert.EqualValues(t, 2, rec["agents"])
}

func TestNew_Text(t *testing.T) {
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = false })

	var buf bytes.Buffer
	logger := New(&buf, "debug", "text")
	logger.With("component", "planner", "solver", "CBSSolver").
		WithGroup("plan").
		Debug("solved", "cost", 7)

	line := strings.TrimSpace(buf.String())
	assert.Contains(t, line, "DBG [planner] solved")
	assert.Contains(t, line, " solver=CBSSolver")
	assert.Contains(t, line, "plan.cost=7")
	assert.NotContains(t, line, "component=")
}

func TestNew_TextFiltersLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "warn", "text")
	logger.Info("quiet")
	assert.Zero(t, buf.Len())
	logger.Warn("loud")
	assert.NotZero(t, buf.Len())
}
