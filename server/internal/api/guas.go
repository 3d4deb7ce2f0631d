package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"gua-tian/server/internal/gua"
	"gua-tian/server/internal/store"
)

func queryLimit(c *gin.Context) int {
	n, err := strconv.Atoi(c.Query("limit"))
	if err != nil || n <= 0 {
		return store.DefaultLimit
	}
	return n
}

// handleFeed 返回当前用户可见的瓜，最新的在前。
func (s *Server) handleFeed(c *gin.Context) {
	guas, err := s.store.ListFeed(c.Request.Context(), viewerID(c), queryLimit(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"guas": toViews(guas)})
}

// handleMyGuas 返回当前用户自己发布的瓜。
func (s *Server) handleMyGuas(c *gin.Context) {
	viewer := viewerID(c)
	if viewer == "" {
		s.writeError(c, gua.ErrUnauthenticated)
		return
	}
	guas, err := s.store.ListByAuthor(c.Request.Context(), viewer, queryLimit(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"guas": toViews(guas)})
}

// handleCreateGua 发布一口瓜并排入 AI 归档。
func (s *Server) handleCreateGua(c *gin.Context) {
	var draft gua.Draft
	if err := c.ShouldBindJSON(&draft); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	g, job, err := s.guas.Create(c.Request.Context(), viewerID(c), draft)
	if err != nil {
		s.writeError(c, err)
		return
	}

	if s.archive != nil {
		// 队列满时由轮询兜底，这里不算失败
		if err := s.archive.Enqueue(*job); err != nil {
			s.log.Warn("archive enqueue failed", "job_id", job.ID, "error", err)
		}
	}
	c.JSON(http.StatusCreated, gin.H{"gua": g, "job": job})
}
