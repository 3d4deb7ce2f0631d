// Package timeline 把某个瓜主的瓜梳理成一段按时间线的叙述。
//
// 有 API Key 时交给 LLM 梳理；没有时退化为本地按日期排序的编号列表，
// 两条路径的输入完全一致，便于测试。
package timeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"gua-tian/server/internal/config"
	"gua-tian/server/internal/llm"
	"gua-tian/server/internal/logger"
)

const (
	// FallbackHeader 未配置 AI 时本地梳理结果的固定前缀。
	FallbackHeader = "未配置 AI。以下为按时间排序的事件概览：\n"

	// SystemPrompt 限定模型只做整理、不臆测。
	SystemPrompt = "你是一个仅做整理的助手，不造谣。请用中文，输出简洁的事件脉络梳理，按时间线说明关键节点与可能的关联标签。"
)

// ErrTransport 调用补全接口失败（网络错误、非 200、响应无法解析）。
var ErrTransport = errors.New("timeline: completion transport failure")

// TransportFailure 包装底层错误，errors.Is(err, ErrTransport) 为真。
type TransportFailure struct {
	Err error
}

func (e *TransportFailure) Error() string {
	return fmt.Sprintf("%s: %v", ErrTransport, e.Err)
}

func (e *TransportFailure) Unwrap() []error { return []error{ErrTransport, e.Err} }

// Item 一条瓜在时间线上的只读视图。
type Item struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content"`
	Date    string `json:"date"`
}

// CredentialSource 每次调用都会重新读取，返回空串表示未配置 AI。
type CredentialSource func() string

// ClientFactory 用凭证构造补全客户端。
type ClientFactory func(apiKey string) llm.Client

// StaticCredential 固定凭证，主要用于测试和 CLI。
func StaticCredential(key string) CredentialSource {
	return func() string { return key }
}

// Synthesizer 时间线梳理器。除了注入的凭证来源外没有其他状态。
type Synthesizer struct {
	credential CredentialSource
	newClient  ClientFactory
	log        *slog.Logger
}

func New(credential CredentialSource, newClient ClientFactory, log *slog.Logger) *Synthesizer {
	if credential == nil {
		credential = StaticCredential("")
	}
	return &Synthesizer{
		credential: credential,
		newClient:  newClient,
		log:        logger.OrNop(log).With(slog.String("component", "timeline")),
	}
}

// FromConfig 按配置中当前 provider 组装梳理器。
func FromConfig(cfg *config.Config, log *slog.Logger) *Synthesizer {
	provider := cfg.LLM.Provider
	base := cfg.ActiveLLM()
	return New(
		func() string { return cfg.ActiveLLM().APIKey },
		func(apiKey string) llm.Client {
			pc := base
			pc.APIKey = apiKey
			if provider == "anthropic" {
				return llm.NewAnthropicClient(pc)
			}
			return llm.NewOpenAIClient(pc)
		},
		log,
	)
}

// Analyze 生成叙述。没有凭证时走本地兜底，不会返回错误；
// 有凭证时只发一次请求，失败返回 *TransportFailure，模型没有返回内容时得到空串。
func (s *Synthesizer) Analyze(ctx context.Context, items []Item) (string, error) {
	key := s.credential()
	if key == "" || s.newClient == nil {
		s.log.Debug("ai not configured, using chronological fallback", slog.Int("items", len(items)))
		return Fallback(items), nil
	}

	payload, err := encodeItems(items)
	if err != nil {
		return "", fmt.Errorf("encode items: %w", err)
	}
	messages := []llm.Message{
		{Role: "system", Content: SystemPrompt},
		{Role: "user", Content: payload},
	}

	start := time.Now()
	text, err := s.newClient(key).Complete(ctx, messages, nil)
	if errors.Is(err, llm.ErrEmptyCompletion) {
		s.log.Warn("completion returned no content", slog.Int("items", len(items)))
		return "", nil
	}
	if err != nil {
		s.log.Error("completion failed", slog.Int("items", len(items)), slog.Any("error", err))
		return "", &TransportFailure{Err: err}
	}
	s.log.Info("timeline analyzed", slog.Int("items", len(items)), slog.Duration("took", time.Since(start)))
	return text, nil
}

// Fallback 按日期稳定升序排列并输出编号列表，不修改入参。
func Fallback(items []Item) string {
	sorted := SortByDate(items)
	lines := make([]string, len(sorted))
	for i, it := range sorted {
		lines[i] = fmt.Sprintf("%d. %s - %s", i+1, datePrefix(it.Date), it.Title)
	}
	return FallbackHeader + strings.Join(lines, "\n")
}

// SortByDate 返回按日期升序的副本。日期相同保持原相对顺序；
// 无法解析的日期排在最后，彼此之间也保持原顺序。
func SortByDate(items []Item) []Item {
	type keyed struct {
		item Item
		at   time.Time
		ok   bool
	}
	ks := make([]keyed, len(items))
	for i, it := range items {
		at, ok := parseDate(it.Date)
		ks[i] = keyed{item: it, at: at, ok: ok}
	}
	sort.SliceStable(ks, func(i, j int) bool {
		a, b := ks[i], ks[j]
		switch {
		case a.ok && b.ok:
			return a.at.Before(b.at)
		case a.ok:
			return true
		default:
			return false
		}
	})

	out := make([]Item, len(ks))
	for i, k := range ks {
		out[i] = k.item
	}
	return out
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func datePrefix(date string) string {
	r := []rune(date)
	if len(r) > 10 {
		r = r[:10]
	}
	return string(r)
}

// encodeItems 原样序列化（不排序、不转义 HTML 字符）。
func encodeItems(items []Item) (string, error) {
	if items == nil {
		items = []Item{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(items); err != nil {
		return "", err
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}
