package api

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"gua-tian/server/internal/ocr"
)

const wsWriteTimeout = 10 * time.Second

type uploadError struct{ message string }

func (e *uploadError) Error() string { return e.message }

// readBatch 解析 multipart 表单：images 只保留前 MaxFiles 张，existing_text 为已有正文。
func (s *Server) readBatch(c *gin.Context) (ocr.Batch, string, error) {
	form, err := c.MultipartForm()
	if err != nil {
		return ocr.Batch{}, "", &uploadError{message: "invalid multipart form"}
	}
	existing := ""
	if values := form.Value["existing_text"]; len(values) > 0 {
		existing = values[0]
	}

	files := form.File["images"]
	limit := min(s.config.OCR.MaxFiles, ocr.MaxBatchSize)
	if limit <= 0 {
		limit = ocr.MaxBatchSize
	}
	kept := files[:min(len(files), limit)]

	images := make([]ocr.Image, 0, len(kept))
	for _, fh := range kept {
		img, err := s.readImage(fh)
		if err != nil {
			return ocr.Batch{}, "", err
		}
		images = append(images, img)
	}
	batch := ocr.NewBatch(images...)
	if dropped := len(files) - len(kept); dropped > 0 {
		s.log.Info("upload truncated", "received", len(files), "kept", len(kept))
		batch = batch.WithDropped(dropped)
	}
	return batch, existing, nil
}

func (s *Server) readImage(fh *multipart.FileHeader) (ocr.Image, error) {
	maxBytes := s.config.OCR.MaxFileBytes
	if maxBytes > 0 && fh.Size > maxBytes {
		return ocr.Image{}, &uploadError{message: fmt.Sprintf("%s: 文件过大", fh.Filename)}
	}
	f, err := fh.Open()
	if err != nil {
		return ocr.Image{}, fmt.Errorf("open upload %s: %w", fh.Filename, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return ocr.Image{}, fmt.Errorf("read upload %s: %w", fh.Filename, err)
	}
	img, err := ocr.NewImage(fh.Filename, data)
	if errors.Is(err, ocr.ErrNotImage) {
		return ocr.Image{}, &uploadError{message: fmt.Sprintf("%s: 不是图片", fh.Filename)}
	}
	return img, err
}

func (s *Server) writeUploadError(c *gin.Context, err error) {
	var ue *uploadError
	if errors.As(err, &ue) {
		c.JSON(http.StatusBadRequest, gin.H{"error": ue.message})
		return
	}
	s.writeError(c, err)
}

func (s *Server) pipelineOptions() []ocr.Option {
	return []ocr.Option{
		ocr.WithScript(ocr.Script(s.config.OCR.Script)),
		ocr.WithLogger(s.log),
	}
}

type ocrResponse struct {
	Text     string      `json:"text"`
	Outcome  ocr.Outcome `json:"outcome"`
	Progress int         `json:"progress"`
	Files    int         `json:"files"`
	Dropped  int         `json:"dropped"`
}

// handleOCR 同步识别：请求返回时识别已经结束。
// 识别失败不是请求错误，响应里 outcome.state 为 error，text 保持 existing_text 原样。
func (s *Server) handleOCR(c *gin.Context) {
	batch, existing, err := s.readBatch(c)
	if err != nil {
		s.writeUploadError(c, err)
		return
	}

	pipeline := ocr.NewPipeline(s.engine, s.pipelineOptions()...)
	text, err := pipeline.Run(c.Request.Context(), batch, existing)
	var failure *ocr.EngineFailure
	if err != nil && !errors.As(err, &failure) {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, ocrResponse{
		Text:     text,
		Outcome:  pipeline.Outcome(),
		Progress: pipeline.Progress(),
		Files:    batch.Len(),
		Dropped:  batch.Dropped(),
	})
}

// handleCreateOCRJob 创建异步识别任务，进度通过 /stream 推送。
func (s *Server) handleCreateOCRJob(c *gin.Context) {
	batch, existing, err := s.readBatch(c)
	if err != nil {
		s.writeUploadError(c, err)
		return
	}

	job := newOCRJob(s.engine, batch, existing, s.pipelineOptions()...)
	s.jobs.add(job)
	if err := job.begin(); err != nil {
		s.writeError(c, err)
		return
	}
	go job.run(s.baseCtx)

	s.log.Info("ocr job created", "job_id", job.id, "files", batch.Len())
	c.JSON(http.StatusAccepted, job.snapshot())
}

func (s *Server) lookupJob(c *gin.Context) *ocrJob {
	job, ok := s.jobs.get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "ocr job not found"})
		return nil
	}
	return job
}

func (s *Server) handleGetOCRJob(c *gin.Context) {
	job := s.lookupJob(c)
	if job == nil {
		return
	}
	c.JSON(http.StatusOK, job.snapshot())
}

// handleRetryOCRJob 整批重跑。识别中返回 409。
func (s *Server) handleRetryOCRJob(c *gin.Context) {
	job := s.lookupJob(c)
	if job == nil {
		return
	}
	if err := job.begin(); err != nil {
		s.writeError(c, err)
		return
	}
	go job.run(s.baseCtx)

	s.log.Info("ocr job retried", "job_id", job.id)
	c.JSON(http.StatusAccepted, job.snapshot())
}

// handleOCRJobStream 推送识别进度，任务结束时发送 done/error 后关闭连接。
func (s *Server) handleOCRJobStream(c *gin.Context) {
	job := s.lookupJob(c)
	if job == nil {
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "job_id", job.id, "error", err)
		return
	}
	defer conn.Close()

	events, unsubscribe := job.subscribe()
	defer unsubscribe()

	// 客户端断开时提前退订
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				unsubscribe()
				return
			}
		}
	}()

	write := func(evt ocrEvent) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(evt)
	}

	if view := job.snapshot(); view.Outcome.State == ocr.StateRunning {
		if err := write(ocrEvent{Type: EventProgress, Progress: view.Progress}); err != nil {
			return
		}
	}
	for evt := range events {
		if err := write(evt); err != nil {
			return
		}
	}

	final, ok := job.snapshot().terminalEvent()
	if !ok {
		return
	}
	if err := write(final); err != nil {
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, final.Type),
		time.Now().Add(wsWriteTimeout))
}
