// Package logger 构造服务端、CLI 与后台任务共用的 *slog.Logger。
package logger

import (
	"io"
	"log/slog"
	"os"

	charmlog "github.com/charmbracelet/log"
)

// New 创建 logger，默认文本输出。WithJSON 与 WithPretty 同时设置时以 JSON 为准。
func New(opts ...Option) *slog.Logger {
	cfg := &config{level: slog.LevelInfo}
	for _, opt := range opts {
		opt(cfg)
	}

	var w io.Writer = os.Stderr
	switch len(cfg.writers) {
	case 0:
	case 1:
		w = cfg.writers[0]
	default:
		w = io.MultiWriter(cfg.writers...)
	}

	switch {
	case cfg.json:
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: cfg.level}))
	case cfg.pretty:
		h := charmlog.NewWithOptions(w, charmlog.Options{
			ReportTimestamp: true,
			Level:           charmlog.Level(cfg.level),
		})
		return slog.New(h)
	default:
		return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: cfg.level}))
	}
}

// FromFormat 按配置文件的 logging 段创建 logger。传入 writers 时替换默认的 os.Stderr。
func FromFormat(format, level string, writers ...io.Writer) *slog.Logger {
	opts := []Option{
		WithLevel(level),
		WithJSON(format == "json"),
		WithPretty(format == "pretty"),
	}
	if len(writers) > 0 {
		opts = append(opts, WithWriters(writers...))
	}
	return New(opts...)
}

// Nop 丢弃所有日志。
func Nop() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// OrNop l 为 nil 时返回 Nop()。
func OrNop(l *slog.Logger) *slog.Logger {
	if l == nil {
		return Nop()
	}
	return l
}
