// Package archive 处理发布后排队的 AI 归档任务：生成摘要与标签并回填到瓜上。
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"gua-tian/server/internal/gua"
	"gua-tian/server/internal/llm"
	"gua-tian/server/internal/logger"
	"gua-tian/server/internal/model"
	"gua-tian/server/internal/store"
)

const (
	defaultQueueCapacity = 100
	defaultSummaryRunes  = 60

	summaryPrompt = "你是一个仅做整理的助手，不造谣。请用中文为下面这口瓜写一句不超过 40 字的摘要，并给出不超过 5 个关联标签。"
)

var ErrQueueFull = errors.New("archive: queue full")

// Result 归档结果，序列化后写入 AIJob.ResultJSON。
type Result struct {
	Summary string   `json:"summary"`
	Tags    []string `json:"tags"`
	Source  string   `json:"source"` // "ai" or "fallback"
}

var resultSchema = &llm.JSONSchema{
	Name: "gua_archive",
	Schema: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"summary": map[string]any{"type": "string"},
			"tags":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		},
		"required":             []string{"summary", "tags"},
		"additionalProperties": false,
	},
	Strict: true,
}

type Options struct {
	QueueCapacity int
	SummaryRunes  int
	Logger        *slog.Logger
}

// Stats 队列统计信息
type Stats struct {
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
}

// Worker 串行处理归档任务（单消费者），避免同一任务被并发处理。
// client 为 nil 时使用本地截断摘要兜底。
type Worker struct {
	store        store.Store
	client       llm.Client
	summaryRunes int
	log          *slog.Logger

	queue  chan model.AIJob
	wg     sync.WaitGroup
	encode func(v any) ([]byte, error)

	mu    sync.Mutex
	stats Stats
}

func NewWorker(s store.Store, client llm.Client, opts Options) *Worker {
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = defaultQueueCapacity
	}
	if opts.SummaryRunes <= 0 {
		opts.SummaryRunes = defaultSummaryRunes
	}
	return &Worker{
		store:        s,
		client:       client,
		summaryRunes: opts.SummaryRunes,
		log:          logger.OrNop(opts.Logger).With(slog.String("component", "archive")),
		queue:        make(chan model.AIJob, opts.QueueCapacity),
		encode:       json.Marshal,
	}
}

// Enqueue 非阻塞入队，队列满时丢弃并返回 ErrQueueFull（由轮询兜底重新捞起）。
func (w *Worker) Enqueue(job model.AIJob) error {
	select {
	case w.queue <- job:
		return nil
	default:
		w.mu.Lock()
		w.stats.Dropped++
		w.mu.Unlock()
		w.log.Warn("queue full, dropping job", slog.String("job_id", job.ID))
		return ErrQueueFull
	}
}

// Start 启动单线程处理循环；interval > 0 时定期把 pending 任务重新入队。
// ctx 取消后循环退出，Wait 等待其结束。
func (w *Worker) Start(ctx context.Context, interval time.Duration) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		var tick <-chan time.Time
		if interval > 0 {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			tick = ticker.C
		}

		for {
			select {
			case <-ctx.Done():
				w.log.Info("worker stopped")
				return
			case job := <-w.queue:
				_ = w.Process(ctx, job)
			case <-tick:
				w.requeuePending(ctx)
			}
		}
	}()
}

func (w *Worker) Wait() { w.wg.Wait() }

func (w *Worker) requeuePending(ctx context.Context) {
	jobs, err := w.store.PendingJobs(ctx, cap(w.queue))
	if err != nil {
		w.log.Error("list pending jobs failed", slog.Any("error", err))
		return
	}
	for _, job := range jobs {
		if err := w.Enqueue(job); err != nil {
			return
		}
	}
}

// Drain 同步处理当前所有 pending 任务，返回处理的任务数。用于 CLI 与测试。
func (w *Worker) Drain(ctx context.Context) (int, error) {
	jobs, err := w.store.PendingJobs(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("list pending jobs: %w", err)
	}
	n := 0
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if err := w.Process(ctx, job); err == nil {
			n++
		}
	}
	return n, nil
}

// Process 处理单个任务：pending → running → done | failed。
// 已不是 pending 的任务直接跳过，保证重复入队不会重复归档。
func (w *Worker) Process(ctx context.Context, job model.AIJob) error {
	current, err := w.store.GetJob(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if current.Status != model.JobPending {
		return nil
	}

	current.Status = model.JobRunning
	if err := w.store.UpdateJob(ctx, current); err != nil {
		return fmt.Errorf("mark running: %w", err)
	}

	result, raw, err := w.archive(ctx, current.GuaID)
	if err != nil {
		current.Status = model.JobFailed
		current.Error = err.Error()
		if uerr := w.store.UpdateJob(ctx, current); uerr != nil {
			w.log.Error("mark failed", slog.String("job_id", current.ID), slog.Any("error", uerr))
		}
		w.count(false)
		w.log.Warn("archive failed", slog.String("job_id", current.ID), slog.Any("error", err))
		return err
	}

	current.Status = model.JobDone
	current.ResultJSON = string(raw)
	current.Error = ""
	if err := w.store.UpdateJob(ctx, current); err != nil {
		return fmt.Errorf("mark done: %w", err)
	}
	w.count(true)
	w.log.Info("gua archived", slog.String("job_id", current.ID), slog.String("gua_id", current.GuaID), slog.String("source", result.Source))
	return nil
}

// archive 生成并回填摘要，同时返回写入 ResultJSON 的序列化结果。
// 序列化在回填之前完成，失败时瓜保持原样。
func (w *Worker) archive(ctx context.Context, guaID string) (*Result, []byte, error) {
	g, err := w.store.GetGua(ctx, guaID)
	if err != nil {
		return nil, nil, fmt.Errorf("load gua %s: %w", guaID, err)
	}

	result, err := w.summarize(ctx, g)
	if err != nil {
		return nil, nil, err
	}
	raw, err := w.encode(result)
	if err != nil {
		return nil, nil, fmt.Errorf("encode result: %w", err)
	}
	if err := w.store.UpdateGuaAI(ctx, g.ID, result.Summary, result.Tags); err != nil {
		return nil, nil, fmt.Errorf("save summary: %w", err)
	}
	return result, raw, nil
}

func (w *Worker) summarize(ctx context.Context, g *model.Gua) (*Result, error) {
	if w.client == nil {
		return &Result{
			Summary: gua.TruncateRunes(strings.TrimSpace(g.Content), w.summaryRunes),
			Tags:    []string{},
			Source:  "fallback",
		}, nil
	}

	messages := []llm.Message{
		{Role: "system", Content: summaryPrompt},
		{Role: "user", Content: composeInput(g)},
	}
	text, err := w.client.Complete(ctx, messages, resultSchema)
	if err != nil {
		return nil, fmt.Errorf("complete: %w", err)
	}

	var parsed Result
	if err := json.Unmarshal([]byte(extractJSON(text)), &parsed); err != nil || parsed.Summary == "" {
		// 模型没按 schema 输出时，整段文本当摘要
		return &Result{Summary: gua.TruncateRunes(strings.TrimSpace(text), w.summaryRunes), Tags: []string{}, Source: "ai"}, nil
	}
	parsed.Summary = gua.TruncateRunes(strings.TrimSpace(parsed.Summary), w.summaryRunes)
	if parsed.Tags == nil {
		parsed.Tags = []string{}
	}
	parsed.Source = "ai"
	return &parsed, nil
}

func composeInput(g *model.Gua) string {
	var b strings.Builder
	if g.Title != "" {
		b.WriteString("标题：")
		b.WriteString(g.Title)
		b.WriteString("\n")
	}
	if len(g.TagsManual) > 0 {
		b.WriteString("用户标签：")
		b.WriteString(strings.Join(g.TagsManual, "、"))
		b.WriteString("\n")
	}
	b.WriteString("正文：\n")
	b.WriteString(g.Content)
	return b.String()
}

// extractJSON 去掉模型偶尔包裹的 ```json 代码块。
func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	if start := strings.Index(text, "{"); start >= 0 {
		if end := strings.LastIndex(text, "}"); end > start {
			return text[start : end+1]
		}
	}
	return text
}

func (w *Worker) count(ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if ok {
		w.stats.Processed++
	} else {
		w.stats.Failed++
	}
}

// Stats 返回统计快照。
func (w *Worker) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}
