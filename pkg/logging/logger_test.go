package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		name   string
		value  any
		maxLen int
		want   string
	}{
		{"short string", "abc", 10, `"abc"`},
		{"exact length", "ab", 4, `"ab"`},
		{"clipped", "abcdefgh", 5, `"abcd…`},
		{"map", map[string]int{"a": 1}, 200, `{"a":1}`},
		{"multibyte", "你好世界", 3, `"你好…`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Truncate(tt.value, tt.maxLen))
		})
	}
}

func TestTruncate_Unencodable(t *testing.T) {
	assert.Equal(t, "<unencodable>", Truncate(make(chan int), 10))
}

func TestLogger_Attributes(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(Config{Level: "debug", Format: "json", Component: "workflow"}, &buf)

	l.WithRunID("run-1").WithStep(2, "createSandbox").WithError(errors.New("boom")).Info("step failed")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "workflow", entry["component"])
	assert.Equal(t, "run-1", entry["run_id"])
	assert.Equal(t, float64(2), entry["step_index"])
	assert.Equal(t, "createSandbox", entry["step"])
	assert.Equal(t, "boom", entry["error"])
}

func TestLogger_WithContext(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(Config{Format: "json", Component: "tools"}, &buf)

	ctx := context.WithValue(context.Background(), RunIDKey, "run-9")
	ctx = context.WithValue(ctx, SandboxIDKey, "sb-1")
	l.WithContext(ctx).Info("hello")

	out := buf.String()
	assert.Contains(t, out, `"run_id":"run-9"`)
	assert.Contains(t, out, `"sandbox_id":"sb-1"`)
	assert.NotContains(t, out, `"step"`)
}

func TestLogger_ToolLog(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(Config{Format: "text", Component: "tools"}, &buf)

	l.ToolLog("runCommand", "args", map[string]string{"command": strings.Repeat("x", 500)})

	out := buf.String()
	assert.Contains(t, out, "[tool:runCommand] args=")
	assert.Contains(t, out, "…")
	assert.Contains(t, out, "tool=runCommand")
}

func TestLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(Config{Level: "warn"}, &buf)
	l.Info("quiet")
	assert.Empty(t, buf.String())
	l.Warn("loud")
	assert.Contains(t, buf.String(), "loud")
}
