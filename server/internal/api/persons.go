package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"gua-tian/server/internal/gua"
	"gua-tian/server/internal/model"
	"gua-tian/server/internal/timeline"
)

// PersonHiddenMessage 瓜主档案未开放时返回的文案。
const PersonHiddenMessage = "该瓜主档案未开放展示"

// handleListPersons 返回瓜主列表，q 按名字或别名模糊过滤。
func (s *Server) handleListPersons(c *gin.Context) {
	persons, err := s.store.ListPersons(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"persons": gua.FilterPersons(persons, c.Query("q"))})
}

// loadVisiblePerson 读取瓜主档案，未开放展示时返回 403。已经写入响应时返回 nil。
func (s *Server) loadVisiblePerson(c *gin.Context) *model.Person {
	person, err := s.store.GetPerson(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return nil
	}
	if !person.IsDiscoverable {
		c.JSON(http.StatusForbidden, gin.H{"error": PersonHiddenMessage})
		return nil
	}
	return person
}

func (s *Server) handleGetPerson(c *gin.Context) {
	person := s.loadVisiblePerson(c)
	if person == nil {
		return
	}
	c.JSON(http.StatusOK, person)
}

// guaView 列表项：带上展示标题与摘要。
type guaView struct {
	model.Gua
	DisplayTitle string `json:"display_title"`
	Excerpt      string `json:"excerpt"`
}

func toViews(guas []model.Gua) []guaView {
	views := make([]guaView, 0, len(guas))
	for i := range guas {
		views = append(views, guaView{
			Gua:          guas[i],
			DisplayTitle: gua.DisplayTitle(&guas[i]),
			Excerpt:      gua.Excerpt(&guas[i]),
		})
	}
	return views
}

func (s *Server) handlePersonGuas(c *gin.Context) {
	person := s.loadVisiblePerson(c)
	if person == nil {
		return
	}
	guas, err := s.store.ListByPerson(c.Request.Context(), person.ID, viewerID(c), 0)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"person": person, "guas": toViews(guas)})
}

type timelineResponse struct {
	PersonID  string `json:"person_id"`
	Items     int    `json:"items"`
	Narrative string `json:"narrative"`
}

// handlePersonTimeline 把瓜主下当前用户可见的瓜梳理成时间线。
func (s *Server) handlePersonTimeline(c *gin.Context) {
	person := s.loadVisiblePerson(c)
	if person == nil {
		return
	}
	ctx := c.Request.Context()
	guas, err := s.store.ListByPerson(ctx, person.ID, viewerID(c), 0)
	if err != nil {
		s.writeError(c, err)
		return
	}

	items := TimelineItems(guas)
	narrative, err := s.timeline.Analyze(ctx, items)
	if err != nil {
		s.log.Warn("timeline analyze failed", "person_id", person.ID, "error", err)
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, timelineResponse{PersonID: person.ID, Items: len(items), Narrative: narrative})
}

// TimelineItems 把瓜转换成时间线条目，顺序与输入一致。
func TimelineItems(guas []model.Gua) []timeline.Item {
	items := make([]timeline.Item, 0, len(guas))
	for i := range guas {
		items = append(items, timeline.Item{
			ID:      guas[i].ID,
			Title:   gua.DisplayTitle(&guas[i]),
			Content: guas[i].Content,
			Date:    guas[i].CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return items
}
