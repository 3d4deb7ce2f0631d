package logger

import (
	"io"
	"log/slog"
)

// Option 配置 New 创建的 logger。
type Option func(*config)

type config struct {
	level   slog.Level
	pretty  bool
	json    bool
	writers []io.Writer
}

// WithDebug 为 true 时级别为 Debug，否则为 Info。
func WithDebug(debug bool) Option {
	return func(c *config) {
		if debug {
			c.level = slog.LevelDebug
		} else {
			c.level = slog.LevelInfo
		}
	}
}

// WithLevel 解析 debug/info/warn/error，无法识别时保持原级别。
func WithLevel(level string) Option {
	return func(c *config) {
		var l slog.Level
		if err := l.UnmarshalText([]byte(level)); err == nil {
			c.level = l
		}
	}
}

// WithPretty 使用 charmbracelet/log 输出彩色日志。
func WithPretty(pretty bool) Option {
	return func(c *config) {
		c.pretty = pretty
	}
}

// WithJSON 使用 slog 的 JSON handler。
func WithJSON(json bool) Option {
	return func(c *config) {
		c.json = json
	}
}

// WithWriter 替换输出，默认 os.Stderr。
func WithWriter(w io.Writer) Option {
	return func(c *config) {
		c.writers = []io.Writer{w}
	}
}

// WithWriters 同时写多个输出（io.MultiWriter）。
func WithWriters(w ...io.Writer) Option {
	return func(c *config) {
		c.writers = w
	}
}
