// Package logging 结构化日志
//
// 基于 log/slog 的薄封装，所有组件通过 Default(component) 获取日志器，
// 再用 WithRunID / WithStep / WithSandbox 叠加工作流上下文。
package logging

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"time"
	"unicode/utf8"
)

// ContextKey 上下文键类型
type ContextKey string

const (
	RunIDKey     ContextKey = "run_id"
	StepKey      ContextKey = "step"
	SandboxIDKey ContextKey = "sandbox_id"
)

// DefaultTruncateLen 工具调用日志的默认截断长度
const DefaultTruncateLen = 200

// Logger 结构化日志器
type Logger struct {
	*slog.Logger
	component string
}

// Config 日志配置
type Config struct {
	Level     string `json:"level"`
	Format    string `json:"format"` // json or text
	Output    string `json:"output"` // stdout, stderr, or file path
	Component string `json:"component"`
}

// New 创建新的日志器
func New(cfg Config) *Logger {
	var output io.Writer
	switch cfg.Output {
	case "stdout", "":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			output = os.Stdout
		} else {
			output = f
		}
	}
	return NewWithWriter(cfg, output)
}

// NewWithWriter 使用指定 Writer 创建日志器（测试中捕获输出）
func NewWithWriter(cfg Config, output io.Writer) *Logger {
	level := parseLevel(cfg.Level)
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	return &Logger{
		Logger:    slog.New(handler).With(slog.String("component", cfg.Component)),
		component: cfg.Component,
	}
}

// Default 创建默认日志器
func Default(component string) *Logger {
	return New(Config{
		Level:     os.Getenv("LOG_LEVEL"),
		Format:    os.Getenv("LOG_FORMAT"),
		Output:    "stdout",
		Component: component,
	})
}

// Discard 丢弃所有输出的日志器
func Discard() *Logger {
	return NewWithWriter(Config{Level: "error"}, io.Discard)
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Component 返回组件名
func (l *Logger) Component() string {
	return l.component
}

// WithContext 从上下文提取 run/step/sandbox 信息
func (l *Logger) WithContext(ctx context.Context) *Logger {
	var attrs []any
	for _, key := range []ContextKey{RunIDKey, StepKey, SandboxIDKey} {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			attrs = append(attrs, slog.String(string(key), v))
		}
	}
	if len(attrs) == 0 {
		return l
	}
	return l.with(attrs...)
}

// WithRunID 添加 Run ID
func (l *Logger) WithRunID(runID string) *Logger {
	return l.with(slog.String("run_id", runID))
}

// WithStep 添加步骤信息
func (l *Logger) WithStep(index int, name string) *Logger {
	return l.with(slog.Int("step_index", index), slog.String("step", name))
}

// WithSandbox 添加沙箱 ID
func (l *Logger) WithSandbox(sandboxID string) *Logger {
	return l.with(slog.String("sandbox_id", sandboxID))
}

// WithError 添加错误信息
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.with(slog.String("error", err.Error()))
}

// WithDuration 添加持续时间
func (l *Logger) WithDuration(d time.Duration) *Logger {
	return l.with(slog.Float64("duration_ms", float64(d.Milliseconds())))
}

func (l *Logger) with(attrs ...any) *Logger {
	return &Logger{
		Logger:    l.Logger.With(attrs...),
		component: l.component,
	}
}

// ToolLog 工具调用日志，参数与结果均截断到 DefaultTruncateLen
func (l *Logger) ToolLog(tool, phase string, v any) {
	l.Logger.Info("[tool:"+tool+"] "+phase+"="+Truncate(v, DefaultTruncateLen), slog.String("tool", tool))
}

// HTTPRequestLog HTTP 请求日志
func (l *Logger) HTTPRequestLog(method, path string, status int, duration time.Duration) {
	l.Logger.Info("HTTP request",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", status),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
}

// Truncate 将任意值 JSON 序列化后截断到 maxLen 个字符，超出部分以 … 结尾
func Truncate(v any, maxLen int) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "<unencodable>"
	}
	s := string(b)
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxLen]) + "…"
}
