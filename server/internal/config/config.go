package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 全局配置
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	LLM     LLMConfig     `yaml:"llm"`
	OCR     OCRConfig     `yaml:"ocr"`
	Storage StorageConfig `yaml:"storage"`
	Archive ArchiveConfig `yaml:"archive"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// AllowedOrigins 为空时只放行本地开发前端。
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// LLMConfig AI 归档与时间线梳理使用的模型配置
type LLMConfig struct {
	Provider  string            `yaml:"provider"` // "openai" or "anthropic"
	OpenAI    LLMProviderConfig `yaml:"openai"`
	Anthropic LLMProviderConfig `yaml:"anthropic"`
}

// LLMProviderConfig LLM 提供商配置
type LLMProviderConfig struct {
	APIKey      string        `yaml:"api_key"`
	APIURL      string        `yaml:"api_url"`
	Model       string        `yaml:"model"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
}

// OCRConfig 图片文字识别配置
type OCRConfig struct {
	// Script 为识别语言包，例如 chi_sim / eng。
	Script       string `yaml:"script"`
	MaxFiles     int    `yaml:"max_files"`
	MaxFileBytes int64  `yaml:"max_file_bytes"`
	// JobTTL 异步识别任务结束后在内存中保留的时长，过期后连同图片一起清理。
	JobTTL time.Duration `yaml:"job_ttl"`
	// Variables 透传给 Tesseract，例如 tessedit_pageseg_mode: "6"。
	Variables map[string]string `yaml:"variables"`
}

type StorageConfig struct {
	Driver     string `yaml:"driver"` // "memory" or "sqlite"
	SQLitePath string `yaml:"sqlite_path"`
}

type ArchiveConfig struct {
	Enabled       bool          `yaml:"enabled"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	QueueCapacity int           `yaml:"queue_capacity"`
	SummaryRunes  int           `yaml:"summary_runes"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text", "json" or "pretty"
	// File 非空时日志同时写入该文件。
	File string `yaml:"file"`
}

const (
	DefaultOpenAIURL    = "https://api.openai.com/v1"
	DefaultAnthropicURL = "https://api.anthropic.com/v1"
	DefaultModel        = "gpt-4o-mini"
	DefaultTemperature  = 0.3
	DefaultScript       = "chi_sim"
	DefaultMaxFiles     = 9
	DefaultJobTTL       = 10 * time.Minute
)

// Default 返回不依赖配置文件即可运行的默认配置。
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
		LLM: LLMConfig{
			Provider: "openai",
			OpenAI: LLMProviderConfig{
				APIURL:      DefaultOpenAIURL,
				Model:       DefaultModel,
				Temperature: DefaultTemperature,
				MaxTokens:   1024,
				Timeout:     30 * time.Second,
			},
			Anthropic: LLMProviderConfig{
				APIURL:      DefaultAnthropicURL,
				Temperature: DefaultTemperature,
				MaxTokens:   1024,
				Timeout:     30 * time.Second,
			},
		},
		OCR: OCRConfig{
			Script:       DefaultScript,
			MaxFiles:     DefaultMaxFiles,
			MaxFileBytes: 10 << 20,
			JobTTL:       DefaultJobTTL,
		},
		Storage: StorageConfig{
			Driver:     "memory",
			SQLitePath: "guatian.db",
		},
		Archive: ArchiveConfig{
			Enabled:       true,
			PollInterval:  10 * time.Second,
			QueueCapacity: 100,
			SummaryRunes:  60,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load 从文件加载配置；path 为空时只使用默认值与环境变量。
func Load(path string, log *slog.Logger) (*Config, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	cfg := Default()

	if path != "" {
		log.Info("loading config", slog.String("path", path))
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		log.Debug("config parsed", slog.Int("bytes", len(data)))
	}

	applyEnv(cfg, log)

	// 对文件中显式置零的字段重新补默认值
	cfg.fillDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	log.Info("config ready",
		slog.String("server", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)),
		slog.String("llm_provider", cfg.LLM.Provider),
		slog.Bool("ai_configured", cfg.ActiveLLM().APIKey != ""),
		slog.String("ocr_script", cfg.OCR.Script),
		slog.String("storage", cfg.Storage.Driver),
	)
	return cfg, nil
}

// applyEnv 从环境变量覆盖敏感信息
func applyEnv(cfg *Config, log *slog.Logger) {
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		log.Debug("using OPENAI_API_KEY from environment")
		cfg.LLM.OpenAI.APIKey = apiKey
	}
	if anthropicKey := os.Getenv("ANTHROPIC_API_KEY"); anthropicKey != "" {
		log.Debug("using ANTHROPIC_API_KEY from environment")
		cfg.LLM.Anthropic.APIKey = anthropicKey
	}
	if llmKey := os.Getenv("LLM_API_KEY"); llmKey != "" {
		log.Debug("using LLM_API_KEY from environment")
		switch cfg.LLM.Provider {
		case "openai":
			cfg.LLM.OpenAI.APIKey = llmKey
		case "anthropic":
			cfg.LLM.Anthropic.APIKey = llmKey
		}
	}
	if dbPath := os.Getenv("GUATIAN_DB_PATH"); dbPath != "" {
		cfg.Storage.Driver = "sqlite"
		cfg.Storage.SQLitePath = dbPath
	}
}

func (c *Config) fillDefaults() {
	d := Default()
	if c.LLM.Provider == "" {
		c.LLM.Provider = d.LLM.Provider
	}
	if c.LLM.OpenAI.APIURL == "" {
		c.LLM.OpenAI.APIURL = d.LLM.OpenAI.APIURL
	}
	if c.LLM.OpenAI.Model == "" {
		c.LLM.OpenAI.Model = d.LLM.OpenAI.Model
	}
	if c.LLM.Anthropic.APIURL == "" {
		c.LLM.Anthropic.APIURL = d.LLM.Anthropic.APIURL
	}
	if c.OCR.Script == "" {
		c.OCR.Script = d.OCR.Script
	}
	if c.OCR.JobTTL <= 0 {
		c.OCR.JobTTL = d.OCR.JobTTL
	}
	if c.OCR.MaxFiles <= 0 || c.OCR.MaxFiles > DefaultMaxFiles {
		c.OCR.MaxFiles = DefaultMaxFiles
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = d.Storage.Driver
	}
	if c.Archive.QueueCapacity <= 0 {
		c.Archive.QueueCapacity = d.Archive.QueueCapacity
	}
	if c.Archive.SummaryRunes <= 0 {
		c.Archive.SummaryRunes = d.Archive.SummaryRunes
	}
}

// ActiveLLM 返回当前 provider 对应的配置。
func (c *Config) ActiveLLM() LLMProviderConfig {
	if c.LLM.Provider == "anthropic" {
		return c.LLM.Anthropic
	}
	return c.LLM.OpenAI
}

// Validate 验证配置
// 注意：API Key 为空是合法配置，此时时间线梳理走本地排序兜底。
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("unsupported LLM provider: %s", c.LLM.Provider)
	}
	switch c.Storage.Driver {
	case "memory":
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return errors.New("sqlite_path is required for sqlite storage")
		}
	default:
		return fmt.Errorf("unsupported storage driver: %s", c.Storage.Driver)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	return nil
}
