package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"gua-tian/server/internal/config"
)

// TestOpenAIClientComplete 验证请求体与鉴权头，以及 choices[0].message.content 的提取。
func TestOpenAIClientComplete(t *testing.T) {
	var got chatCompletionRequest
	var auth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"content":"hello world"}}]}`))
	}))
	defer ts.Close()

	client := NewOpenAIClient(config.LLMProviderConfig{
		APIURL:      ts.URL,
		APIKey:      "dummy",
		Model:       "gpt-4o-mini",
		Temperature: 0.3,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := client.Complete(ctx, []Message{{Role: "system", Content: "s"}, {Role: "user", Content: "u"}}, nil)
	if err != nil {
		t.Fatalf("Complete error: %v", err)
	}
	if res != "hello world" {
		t.Fatalf("unexpected response: %s", res)
	}
	if auth != "Bearer dummy" {
		t.Fatalf("unexpected auth header: %q", auth)
	}
	if got.Model != "gpt-4o-mini" || got.Temperature != 0.3 || len(got.Messages) != 2 {
		t.Fatalf("unexpected request body: %+v", got)
	}
	if got.ResponseFormat != nil {
		t.Fatalf("expected no response_format without schema")
	}
}

// TestOpenAIClientEmptyChoices 验证没有 choices 时返回 ErrEmptyCompletion。
func TestOpenAIClientEmptyChoices(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer ts.Close()

	client := NewOpenAIClient(config.LLMProviderConfig{APIURL: ts.URL, APIKey: "k"})
	_, err := client.Complete(context.Background(), []Message{{Role: "user", Content: "x"}}, nil)
	if !errors.Is(err, ErrEmptyCompletion) {
		t.Fatalf("expected ErrEmptyCompletion, got %v", err)
	}
}

// TestOpenAIClientNon200 验证非 200 状态码返回 APIError。
func TestOpenAIClientNon200(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`rate limited`))
	}))
	defer ts.Close()

	client := NewOpenAIClient(config.LLMProviderConfig{APIURL: ts.URL, APIKey: "k"})
	_, err := client.Complete(context.Background(), []Message{{Role: "user", Content: "x"}}, nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("unexpected status: %d", apiErr.StatusCode)
	}
}

// TestOpenAIClientSchemaSetsResponseFormat 验证传入 schema 时使用 json_schema 响应格式。
func TestOpenAIClientSchemaSetsResponseFormat(t *testing.T) {
	var got map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"choices":[{"message":{"content":"{}"}}]}`))
	}))
	defer ts.Close()

	client := NewOpenAIClient(config.LLMProviderConfig{APIURL: ts.URL, APIKey: "k"})
	schema := &JSONSchema{Name: "x", Schema: map[string]any{"type": "object"}}
	if _, err := client.Complete(context.Background(), []Message{{Role: "user", Content: "x"}}, schema); err != nil {
		t.Fatalf("Complete error: %v", err)
	}
	rf, ok := got["response_format"].(map[string]any)
	if !ok || rf["type"] != "json_schema" {
		t.Fatalf("unexpected response_format: %v", got["response_format"])
	}
}

// TestAnthropicClientSplitsSystem 验证 system 消息被提升为顶层字段。
func TestAnthropicClientSplitsSystem(t *testing.T) {
	var got map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "k" {
			t.Errorf("missing api key header")
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"content":[{"type":"text","text":"梳理结果"}]}`))
	}))
	defer ts.Close()

	client := NewAnthropicClient(config.LLMProviderConfig{APIURL: ts.URL, APIKey: "k", Model: "claude"})
	res, err := client.Complete(context.Background(), []Message{{Role: "system", Content: "sys"}, {Role: "user", Content: "u"}}, nil)
	if err != nil {
		t.Fatalf("Complete error: %v", err)
	}
	if res != "梳理结果" {
		t.Fatalf("unexpected response: %s", res)
	}
	if got["system"] != "sys" {
		t.Fatalf("expected system field, got %v", got["system"])
	}
	if msgs, _ := got["messages"].([]any); len(msgs) != 1 {
		t.Fatalf("expected 1 non-system message, got %v", got["messages"])
	}
}

// TestNewClientWithoutKeyReturnsNil 验证没有 API Key 时不创建客户端。
func TestNewClientWithoutKeyReturnsNil(t *testing.T) {
	cfg := config.Default()
	client, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if client != nil {
		t.Fatalf("expected nil client without api key")
	}

	cfg.LLM.OpenAI.APIKey = "k"
	client, err = NewClient(cfg)
	if err != nil || client == nil {
		t.Fatalf("expected openai client, got %v %v", client, err)
	}
}
