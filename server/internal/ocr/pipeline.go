// Package ocr 把一批图片依次交给识别引擎，合并识别文本并追加到已有正文之后。
package ocr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"

	"gua-tian/server/internal/logger"
)

// DefaultFailureMessage 引擎没有给出错误信息时展示给用户的文案。
const DefaultFailureMessage = "OCR 失败"

// ErrBusy 同一个 Pipeline 上已有批次在识别中。
var ErrBusy = errors.New("ocr: recognition already running")

// EngineFailure 某张图片识别失败，整个批次作废。
type EngineFailure struct {
	Index   int
	Name    string
	Message string
	Err     error
}

func (e *EngineFailure) Error() string {
	return fmt.Sprintf("recognize image #%d (%s): %s", e.Index, e.Name, e.Message)
}

func (e *EngineFailure) Unwrap() error { return e.Err }

// Pipeline 串行识别一个批次并维护 Outcome/Progress。
//
// 约束：
// - 同一时刻最多一个引擎调用在进行中，进度只增不减。
// - 任一图片失败则整批失败，调用方的正文保持原样。
// - 同一个 Pipeline 不允许并发 Run，第二次调用返回 ErrBusy。
type Pipeline struct {
	engine     Engine
	script     Script
	onProgress ProgressFunc
	log        *slog.Logger

	mu       sync.RWMutex
	outcome  Outcome
	progress int
}

type Option func(*Pipeline)

// WithScript 切换识别语言包，不影响流程本身。
func WithScript(script Script) Option {
	return func(p *Pipeline) {
		if script != "" {
			p.script = script
		}
	}
}

// WithProgress 注册批次进度观察者。回调在持有内部锁之外同步执行。
func WithProgress(fn ProgressFunc) Option {
	return func(p *Pipeline) { p.onProgress = fn }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.log = logger.OrNop(l) }
}

func NewPipeline(engine Engine, opts ...Option) *Pipeline {
	p := &Pipeline{
		engine:  engine,
		script:  DefaultScript,
		log:     logger.Nop(),
		outcome: Outcome{State: StateIdle},
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.With(slog.String("component", "ocr"))
	return p
}

// Outcome 返回当前状态快照。
func (p *Pipeline) Outcome() Outcome {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.outcome
}

// Progress 返回当前百分比进度。
func (p *Pipeline) Progress() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.progress
}

func (p *Pipeline) Script() Script { return p.script }

// Run 识别 batch 并把结果合并到 existingText 之后。
//
// 空批次是 no-op：直接返回 existingText，状态保持不变。
// 失败时返回 existingText 原文和 *EngineFailure，Outcome 进入 error。
func (p *Pipeline) Run(ctx context.Context, batch Batch, existingText string) (string, error) {
	if batch.Len() == 0 {
		return existingText, nil
	}

	if err := p.start(); err != nil {
		return existingText, err
	}

	images := batch.Images()
	p.log.Info("recognition started",
		slog.Int("files", len(images)),
		slog.Int("dropped", batch.Dropped()),
		slog.String("script", string(p.script)),
	)

	texts := make([]string, 0, len(images))
	for i, img := range images {
		// 协作式取消：只在两张图片之间检查
		if err := ctx.Err(); err != nil {
			return existingText, p.fail(i, img, err)
		}

		tracker := &fileProgress{pipeline: p, index: i, total: len(images)}
		text, err := p.engine.Recognize(ctx, img, p.script, tracker)
		if err != nil {
			return existingText, p.fail(i, img, err)
		}
		p.log.Debug("image recognized", slog.Int("index", i), slog.String("name", img.Name), slog.Int("chars", len(text)))
		texts = append(texts, text)
	}

	merged := Merge(existingText, strings.TrimSpace(strings.Join(texts, "\n\n")))
	p.finish()
	p.log.Info("recognition done", slog.Int("files", len(images)), slog.Int("merged_chars", len(merged)))
	return merged, nil
}

// Merge 把识别文本追加到已有正文之后，已有正文非空时以空行分隔。
func Merge(existing, recognized string) string {
	if existing == "" {
		return recognized
	}
	return existing + "\n\n" + recognized
}

// GlobalPercent 把第 index 张（共 total 张）图片的局部进度映射到批次百分比。
func GlobalPercent(index, total int, fraction float64) int {
	if total <= 0 {
		return 0
	}
	if math.IsNaN(fraction) {
		fraction = 0
	}
	fraction = math.Max(0, math.Min(1, fraction))
	return int(math.Floor(math.Min(100, 100*(float64(index)+fraction)/float64(total))))
}

func (p *Pipeline) start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.outcome.State == StateRunning {
		return ErrBusy
	}
	next, err := p.outcome.Transition(StateRunning, "")
	if err != nil {
		return err
	}
	p.outcome = next
	p.progress = 0
	return nil
}

func (p *Pipeline) fail(index int, img Image, cause error) error {
	message := cause.Error()
	if message == "" {
		message = DefaultFailureMessage
	}

	p.mu.Lock()
	if next, err := p.outcome.Transition(StateError, message); err == nil {
		p.outcome = next
	}
	p.mu.Unlock()

	p.log.Warn("recognition failed",
		slog.Int("index", index),
		slog.String("name", img.Name),
		slog.String("error", message),
	)
	return &EngineFailure{Index: index, Name: img.Name, Message: message, Err: cause}
}

func (p *Pipeline) finish() {
	p.mu.Lock()
	if next, err := p.outcome.Transition(StateDone, ""); err == nil {
		p.outcome = next
	}
	p.mu.Unlock()

	p.advance(100)
}

// advance 只接受更大的进度值，回调在锁外执行。
func (p *Pipeline) advance(percent int) {
	p.mu.Lock()
	if percent <= p.progress {
		p.mu.Unlock()
		return
	}
	p.progress = percent
	fn := p.onProgress
	p.mu.Unlock()

	if fn != nil {
		fn(percent)
	}
}

// fileProgress 把引擎的单文件进度换算成批次进度。
type fileProgress struct {
	pipeline *Pipeline
	index    int
	total    int
}

func (f *fileProgress) Report(fraction float64) {
	f.pipeline.advance(GlobalPercent(f.index, f.total, fraction))
}
