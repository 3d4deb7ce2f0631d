package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"gua-tian/server/internal/ocr"
)

// 识别任务推送给前端的事件类型
const (
	EventProgress = "progress"
	EventDone     = "done"
	EventError    = "error"
)

// ocrEvent WebSocket 推送的事件
type ocrEvent struct {
	Type     string `json:"type"`
	Progress int    `json:"progress"`
	Text     string `json:"text,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ocrJobView 任务状态快照
type ocrJobView struct {
	ID        string      `json:"id"`
	Outcome   ocr.Outcome `json:"outcome"`
	Progress  int         `json:"progress"`
	Text      string      `json:"text"`
	Files     int         `json:"files"`
	Dropped   int         `json:"dropped"`
	Attempts  int         `json:"attempts"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// ocrJob 一个异步识别任务。每个任务独占一个 Pipeline，重试时整批重跑。
type ocrJob struct {
	id       string
	batch    ocr.Batch
	existing string
	pipeline *ocr.Pipeline

	mu          sync.Mutex
	active      bool
	text        string
	attempts    int
	createdAt   time.Time
	updatedAt   time.Time
	finishedAt  time.Time
	subscribers map[chan ocrEvent]struct{}
}

func newOCRJob(engine ocr.Engine, batch ocr.Batch, existing string, opts ...ocr.Option) *ocrJob {
	now := time.Now()
	job := &ocrJob{
		id:          uuid.NewString(),
		batch:       batch,
		existing:    existing,
		text:        existing,
		createdAt:   now,
		updatedAt:   now,
		subscribers: make(map[chan ocrEvent]struct{}),
	}
	opts = append(opts, ocr.WithProgress(job.publishProgress))
	job.pipeline = ocr.NewPipeline(engine, opts...)
	return job
}

// begin 占用任务，已在识别中时返回 ocr.ErrBusy。必须在启动 run 之前同步调用，
// 这样随后建立的订阅一定能看到 active 状态。
func (j *ocrJob) begin() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.active {
		return ocr.ErrBusy
	}
	j.active = true
	j.attempts++
	return nil
}

// run 执行一次识别，结束后关闭当前所有订阅。调用前需 begin 成功。
func (j *ocrJob) run(ctx context.Context) {
	text, err := j.pipeline.Run(ctx, j.batch, j.existing)
	if errors.Is(err, ocr.ErrBusy) {
		text = j.existing
	}

	j.mu.Lock()
	j.active = false
	j.text = text
	j.updatedAt = time.Now()
	j.finishedAt = j.updatedAt
	subs := j.subscribers
	j.subscribers = make(map[chan ocrEvent]struct{})
	j.mu.Unlock()

	for ch := range subs {
		close(ch)
	}
}

func (j *ocrJob) publishProgress(percent int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.updatedAt = time.Now()
	evt := ocrEvent{Type: EventProgress, Progress: percent}
	for ch := range j.subscribers {
		select {
		case ch <- evt:
		default:
			// 慢消费者丢掉中间进度，终态由 snapshot 补发
		}
	}
}

// subscribe 返回进度事件通道。任务不在识别中时返回已关闭的通道，调用方直接读取终态。
func (j *ocrJob) subscribe() (<-chan ocrEvent, func()) {
	ch := make(chan ocrEvent, 16)

	j.mu.Lock()
	if !j.active {
		j.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	j.subscribers[ch] = struct{}{}
	j.mu.Unlock()

	return ch, func() {
		j.mu.Lock()
		defer j.mu.Unlock()
		if _, ok := j.subscribers[ch]; ok {
			delete(j.subscribers, ch)
			close(ch)
		}
	}
}

func (j *ocrJob) snapshot() ocrJobView {
	j.mu.Lock()
	defer j.mu.Unlock()
	outcome, progress := j.pipeline.Outcome(), j.pipeline.Progress()
	if j.active && outcome.State != ocr.StateRunning {
		// 已占用但 Pipeline 还没开始
		outcome, progress = ocr.Outcome{State: ocr.StateRunning}, 0
	}
	return ocrJobView{
		ID:        j.id,
		Outcome:   outcome,
		Progress:  progress,
		Text:      j.text,
		Files:     j.batch.Len(),
		Dropped:   j.batch.Dropped(),
		Attempts:  j.attempts,
		CreatedAt: j.createdAt,
		UpdatedAt: j.updatedAt,
	}
}

// terminalEvent 根据当前状态生成终态事件；仍在识别中时返回 false。
func (v ocrJobView) terminalEvent() (ocrEvent, bool) {
	switch v.Outcome.State {
	case ocr.StateDone:
		return ocrEvent{Type: EventDone, Progress: v.Progress, Text: v.Text}, true
	case ocr.StateError:
		return ocrEvent{Type: EventError, Progress: v.Progress, Text: v.Text, Error: v.Outcome.Message}, true
	case ocr.StateIdle:
		return ocrEvent{Type: EventDone, Progress: v.Progress, Text: v.Text}, true
	}
	return ocrEvent{}, false
}

// expired 任务已结束且超过 ttl。识别中的任务永不过期。
func (j *ocrJob) expired(now time.Time, ttl time.Duration) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return !j.active && !j.finishedAt.IsZero() && now.Sub(j.finishedAt) >= ttl
}

// jobRegistry 保存异步识别任务。结束超过 ttl 的任务由 sweep 清理，
// 之后查询、订阅、重试都返回 404。
type jobRegistry struct {
	ttl time.Duration
	now func() time.Time

	mu   sync.RWMutex
	jobs map[string]*ocrJob
}

func newJobRegistry(ttl time.Duration) *jobRegistry {
	return &jobRegistry{ttl: ttl, now: time.Now, jobs: make(map[string]*ocrJob)}
}

func (r *jobRegistry) add(job *ocrJob) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.id] = job
}

func (r *jobRegistry) get(id string) (*ocrJob, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	return job, ok
}

func (r *jobRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

// sweep 删除过期任务，返回删除数量。
func (r *jobRegistry) sweep() int {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, job := range r.jobs {
		if job.expired(now, r.ttl) {
			delete(r.jobs, id)
			removed++
		}
	}
	return removed
}

// run 按 interval 定期 sweep，直到 ctx 取消。
func (r *jobRegistry) run(ctx context.Context, interval time.Duration, onSweep func(removed, remaining int)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := r.sweep(); removed > 0 && onSweep != nil {
				onSweep(removed, r.count())
			}
		}
	}
}
