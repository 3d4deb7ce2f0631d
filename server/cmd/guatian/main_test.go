package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearKeys(t *testing.T) {
	for _, k := range []string{"OPENAI_API_KEY", "ANTHROPIC_API_KEY", "LLM_API_KEY", "GUATIAN_DB_PATH"} {
		t.Setenv(k, "")
	}
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// 没有 API Key 时 timeline 子命令输出本地按时间排序的概览。
func TestTimelineCommandFallback(t *testing.T) {
	clearKeys(t)
	path := filepath.Join(t.TempDir(), "items.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"id":"2","title":"第二件","content":"","date":"2024-05-02"},
		{"id":"1","title":"第一件","content":"","date":"2024-05-01T08:00:00Z"}
	]`), 0o644))

	out, err := run(t, "timeline", path)
	require.NoError(t, err)
	assert.Equal(t, "未配置 AI。以下为按时间排序的事件概览：\n1. 2024-05-01 - 第一件\n2. 2024-05-02 - 第二件\n", out)
}

func TestTimelineCommandBadJSON(t *testing.T) {
	clearKeys(t)
	path := filepath.Join(t.TempDir(), "items.json")
	require.NoError(t, os.WriteFile(path, []byte(`{`), 0o644))

	_, err := run(t, "timeline", path)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "parse items"))
}

func TestOCRCommandRejectsNonImage(t *testing.T) {
	clearKeys(t)
	path := filepath.Join(t.TempDir(), "note.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	_, err := run(t, "ocr", path)
	require.Error(t, err)
}

func TestMissingConfigFileFails(t *testing.T) {
	clearKeys(t)
	_, err := run(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "timeline", "x.json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}

// logging.file 配置后日志同时写入文件。
func TestLogFileReceivesOutput(t *testing.T) {
	clearKeys(t)
	dir := t.TempDir()
	logPath := filepath.Join(dir, "guatian.log")
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("logging:\n  level: debug\n  format: json\n  file: "+logPath+"\n"), 0o644))
	itemsPath := filepath.Join(dir, "items.json")
	require.NoError(t, os.WriteFile(itemsPath, []byte(`[]`), 0o644))

	_, err := run(t, "--config", cfgPath, "timeline", itemsPath)
	require.NoError(t, err)

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "ai not configured")
}
