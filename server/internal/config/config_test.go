package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestLoadWithoutFileUsesDefaults 验证不提供配置文件时使用默认值。
// 场景：清空相关环境变量，期望得到 gpt-4o-mini / 0.3 / chi_sim 且 API Key 为空。
func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("LLM_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("GUATIAN_DB_PATH", "")

	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LLM.OpenAI.Model != "gpt-4o-mini" {
		t.Fatalf("expected default model, got %q", cfg.LLM.OpenAI.Model)
	}
	if cfg.LLM.OpenAI.Temperature != 0.3 {
		t.Fatalf("expected temperature 0.3, got %v", cfg.LLM.OpenAI.Temperature)
	}
	if cfg.OCR.Script != "chi_sim" || cfg.OCR.MaxFiles != 9 || cfg.OCR.JobTTL != DefaultJobTTL {
		t.Fatalf("unexpected ocr config: %+v", cfg.OCR)
	}
	if cfg.ActiveLLM().APIKey != "" {
		t.Fatalf("expected empty api key")
	}
}

// TestLoadFileAndEnvOverride 验证文件配置与环境变量覆盖的优先级。
// 场景：文件中写入 sqlite 与模型配置，环境变量提供 OPENAI_API_KEY，期望环境变量生效、文件字段保留。
func TestLoadFileAndEnvOverride(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("LLM_API_KEY", "")
	t.Setenv("GUATIAN_DB_PATH", "")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 9090
llm:
  provider: openai
  openai:
    api_key: sk-file
    model: gpt-test
ocr:
  script: eng
  max_files: 20
  job_ttl: 90s
  variables:
    tessedit_pageseg_mode: "6"
storage:
  driver: sqlite
  sqlite_path: ` + filepath.Join(dir, "g.db") + `
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LLM.OpenAI.APIKey != "sk-env" {
		t.Fatalf("expected env api key to win, got %q", cfg.LLM.OpenAI.APIKey)
	}
	if cfg.LLM.OpenAI.Model != "gpt-test" {
		t.Fatalf("expected model from file, got %q", cfg.LLM.OpenAI.Model)
	}
	if cfg.LLM.OpenAI.APIURL != DefaultOpenAIURL {
		t.Fatalf("expected default api url, got %q", cfg.LLM.OpenAI.APIURL)
	}
	if cfg.OCR.Script != "eng" {
		t.Fatalf("expected script eng, got %q", cfg.OCR.Script)
	}
	if cfg.OCR.MaxFiles != 9 {
		t.Fatalf("expected max_files clamped to 9, got %d", cfg.OCR.MaxFiles)
	}
	if cfg.OCR.JobTTL != 90*time.Second {
		t.Fatalf("expected job_ttl 90s, got %v", cfg.OCR.JobTTL)
	}
	if cfg.OCR.Variables["tessedit_pageseg_mode"] != "6" {
		t.Fatalf("expected tesseract variables from file, got %v", cfg.OCR.Variables)
	}
	if cfg.Server.Port != 9090 || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("unexpected server/storage: %+v %+v", cfg.Server, cfg.Storage)
	}
}

// TestValidateRejectsUnknownProvider 验证未知 provider 会被拒绝。
func TestValidateRejectsUnknownProvider(t *testing.T) {
	cfg := Default()
	cfg.LLM.Provider = "mystery"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

// TestLoadExampleConfig 示例配置文件必须能直接加载。
func TestLoadExampleConfig(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("LLM_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("GUATIAN_DB_PATH", "")

	cfg, err := Load(filepath.Join("..", "..", "configs", "guatian.example.yaml"), nil)
	if err != nil {
		t.Fatalf("load example: %v", err)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Logging.Format != "pretty" {
		t.Fatalf("unexpected example config: %+v %+v", cfg.Storage, cfg.Logging)
	}
	if cfg.Archive.PollInterval.Seconds() != 10 {
		t.Fatalf("expected 10s poll interval, got %v", cfg.Archive.PollInterval)
	}
}
