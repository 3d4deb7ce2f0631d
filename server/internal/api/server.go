// Package api 暴露瓜田的 HTTP 接口：瓜主档案、发布、信息流、时间线梳理与图片识别。
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"gua-tian/server/internal/archive"
	"gua-tian/server/internal/config"
	"gua-tian/server/internal/gua"
	"gua-tian/server/internal/logger"
	"gua-tian/server/internal/ocr"
	"gua-tian/server/internal/store"
	"gua-tian/server/internal/timeline"
)

// UserHeader 携带当前用户 ID。登录态由外部网关负责，这里只读取结果。
const UserHeader = "X-User-ID"

var defaultOrigins = []string{"http://localhost:5173", "http://127.0.0.1:5173"}

// Deps 组装 Server 所需的依赖。Archive 为 nil 时不触发即时归档。
type Deps struct {
	Config   *config.Config
	Store    store.Store
	Guas     *gua.Service
	Timeline *timeline.Synthesizer
	Engine   ocr.Engine
	Archive  *archive.Worker
	Logger   *slog.Logger
}

type Server struct {
	config   *config.Config
	store    store.Store
	guas     *gua.Service
	timeline *timeline.Synthesizer
	engine   ocr.Engine
	archive  *archive.Worker
	log      *slog.Logger
	now      func() time.Time

	jobs *jobRegistry

	// baseCtx 是异步识别任务的父 context，Shutdown 时取消。
	baseCtx context.Context
	cancel  context.CancelFunc

	upgrader websocket.Upgrader
}

func NewServer(deps Deps) (*Server, error) {
	if deps.Config == nil {
		deps.Config = config.Default()
	}
	if deps.Store == nil {
		return nil, errors.New("api: store is required")
	}
	if deps.Engine == nil {
		return nil, errors.New("api: ocr engine is required")
	}
	log := logger.OrNop(deps.Logger)
	if deps.Guas == nil {
		deps.Guas = gua.NewService(deps.Store, log)
	}
	if deps.Timeline == nil {
		deps.Timeline = timeline.FromConfig(deps.Config, log)
	}

	jobTTL := deps.Config.OCR.JobTTL
	if jobTTL <= 0 {
		jobTTL = config.DefaultJobTTL
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:   deps.Config,
		store:    deps.Store,
		guas:     deps.Guas,
		timeline: deps.Timeline,
		engine:   deps.Engine,
		archive:  deps.Archive,
		log:      log.With(slog.String("component", "api")),
		now:      time.Now,
		jobs:     newJobRegistry(jobTTL),
		baseCtx:  ctx,
		cancel:   cancel,
	}
	go s.jobs.run(ctx, sweepInterval(s.jobs.ttl), func(removed, remaining int) {
		s.log.Debug("ocr jobs evicted", slog.Int("removed", removed), slog.Int("remaining", remaining))
	})

	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.originAllowed(origin)
		},
	}
	return s, nil
}

// sweepInterval 清理间隔取 ttl 的一半，限制在 [1s, 1m]。
func sweepInterval(ttl time.Duration) time.Duration {
	return min(max(ttl/2, time.Second), time.Minute)
}

// Shutdown 取消所有进行中的识别任务并停止过期清理。
func (s *Server) Shutdown() { s.cancel() }

func (s *Server) Routes() http.Handler {
	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLogger(), s.corsMiddleware())

	engine.GET("/healthz", s.handleHealthz)

	api := engine.Group("/api")
	api.GET("/persons", s.handleListPersons)
	api.GET("/persons/:id", s.handleGetPerson)
	api.GET("/persons/:id/guas", s.handlePersonGuas)
	api.POST("/persons/:id/timeline", s.handlePersonTimeline)

	api.GET("/feed", s.handleFeed)
	api.GET("/me/guas", s.handleMyGuas)
	api.POST("/guas", s.handleCreateGua)

	api.POST("/ocr", s.handleOCR)
	api.POST("/ocr/jobs", s.handleCreateOCRJob)
	api.GET("/ocr/jobs/:id", s.handleGetOCRJob)
	api.GET("/ocr/jobs/:id/stream", s.handleOCRJobStream)
	api.POST("/ocr/jobs/:id/retry", s.handleRetryOCRJob)
	return engine
}

// handleHealthz 返回服务健康状态。
func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func viewerID(c *gin.Context) string {
	return c.GetHeader(UserHeader)
}

func (s *Server) originAllowed(origin string) bool {
	allowed := s.config.Server.AllowedOrigins
	if len(allowed) == 0 {
		allowed = defaultOrigins
	}
	return slices.Contains(allowed, origin) || slices.Contains(allowed, "*")
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && s.originAllowed(origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, "+UserHeader)
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// requestLogger 用 slog 替代 gin.Logger，和其余组件输出同一种格式。
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		attrs := []any{
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("latency", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, slog.String("errors", c.Errors.String()))
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			s.log.Error("request", attrs...)
			return
		}
		s.log.Info("request", attrs...)
	}
}

// writeError 把领域错误映射为 HTTP 状态码。返回给前端的错误保持简洁，细节只进日志。
func (s *Server) writeError(c *gin.Context, err error) {
	var validation *gua.ValidationError
	switch {
	case errors.As(err, &validation):
		status := http.StatusBadRequest
		if errors.Is(err, gua.ErrUnauthenticated) {
			status = http.StatusUnauthorized
		}
		c.JSON(status, gin.H{"error": validation.Message})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, ocr.ErrBusy):
		c.JSON(http.StatusConflict, gin.H{"error": "识别进行中"})
	case errors.Is(err, timeline.ErrTransport):
		_ = c.Error(err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "AI 服务调用失败"})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
