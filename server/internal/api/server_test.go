package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gua-tian/server/internal/archive"
	"gua-tian/server/internal/config"
	"gua-tian/server/internal/llm"
	"gua-tian/server/internal/model"
	"gua-tian/server/internal/ocr"
	"gua-tian/server/internal/store"
	"gua-tian/server/internal/timeline"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	server  *Server
	handler http.Handler
	store   *store.InMemoryStore
}

func newFixture(t *testing.T, mutate func(*Deps)) *fixture {
	t.Helper()
	st := store.NewInMemoryStore()
	deps := Deps{
		Config:   config.Default(),
		Store:    st,
		Timeline: timeline.New(timeline.StaticCredential(""), nil, nil),
		Engine: ocr.EngineFunc(func(ctx context.Context, img ocr.Image, script ocr.Script, progress ocr.ProgressReporter) (string, error) {
			progress.Report(1)
			return "识别:" + img.Name, nil
		}),
	}
	if mutate != nil {
		mutate(&deps)
	}
	srv, err := NewServer(deps)
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)
	return &fixture{server: srv, handler: srv.Routes(), store: st}
}

func (f *fixture) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) person(t *testing.T, name string, discoverable bool) *model.Person {
	t.Helper()
	p := &model.Person{DisplayName: name, IsDiscoverable: discoverable}
	require.NoError(t, f.store.CreatePerson(context.Background(), p))
	return p
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestNewServerRequiresStoreAndEngine(t *testing.T) {
	_, err := NewServer(Deps{Engine: ocr.EngineFunc(nil)})
	assert.Error(t, err)
	_, err = NewServer(Deps{Store: store.NewInMemoryStore()})
	assert.Error(t, err)
}

func TestListPersonsFilters(t *testing.T) {
	f := newFixture(t, nil)
	f.person(t, "张三", true)
	f.person(t, "李四", true)

	rec := f.do(t, http.MethodGet, "/api/persons?q=张", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Persons []model.Person `json:"persons"`
	}](t, rec)
	require.Len(t, body.Persons, 1)
	assert.Equal(t, "张三", body.Persons[0].DisplayName)
}

// 不存在返回 404，未开放展示返回 403。
func TestGetPersonVisibility(t *testing.T) {
	f := newFixture(t, nil)
	open := f.person(t, "张三", true)
	hidden := f.person(t, "李四", false)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/persons/"+open.ID, "", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/persons/missing", "", nil).Code)

	rec := f.do(t, http.MethodGet, "/api/persons/"+hidden.ID, "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), PersonHiddenMessage)

	rec = f.do(t, http.MethodPost, "/api/persons/"+hidden.ID+"/timeline", "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCreateGuaValidation(t *testing.T) {
	f := newFixture(t, nil)
	p := f.person(t, "张三", true)

	rec := f.do(t, http.MethodPost, "/api/guas", "", map[string]any{"content": "x", "person_ids": []string{p.ID}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "未登录")

	rec = f.do(t, http.MethodPost, "/api/guas", "u1", map[string]any{"content": "  ", "person_ids": []string{p.ID}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "正文不能为空")

	rec = f.do(t, http.MethodPost, "/api/guas", "u1", map[string]any{"content": "正文"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "至少选择一个瓜主")
}

func TestCreateGuaEnqueuesArchive(t *testing.T) {
	var worker *archive.Worker
	f := newFixture(t, func(d *Deps) {
		worker = archive.NewWorker(d.Store, nil, archive.Options{SummaryRunes: 2})
		d.Archive = worker
	})
	p := f.person(t, "张三", true)

	rec := f.do(t, http.MethodPost, "/api/guas", "u1", map[string]any{
		"title":      "标题",
		"content":    "很长的正文",
		"tags":       "八卦，恋情",
		"person_ids": []string{p.ID},
		"visibility": "public",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decode[struct {
		Gua model.Gua   `json:"gua"`
		Job model.AIJob `json:"job"`
	}](t, rec)
	assert.Equal(t, []string{"八卦", "恋情"}, body.Gua.TagsManual)
	assert.Equal(t, model.JobPending, body.Job.Status)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	worker.Start(ctx, 0)
	require.Eventually(t, func() bool {
		g, err := f.store.GetGua(context.Background(), body.Gua.ID)
		return err == nil && g.SummaryAI == "很长"
	}, 2*time.Second, 10*time.Millisecond)
}

// 私密瓜只出现在作者自己的信息流里。
func TestFeedRespectsVisibility(t *testing.T) {
	f := newFixture(t, nil)
	p := f.person(t, "张三", true)

	for _, v := range []string{"public", "private"} {
		rec := f.do(t, http.MethodPost, "/api/guas", "author", map[string]any{
			"title": v, "content": "正文", "person_ids": []string{p.ID}, "visibility": v,
		})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	type listBody struct {
		Guas []guaView `json:"guas"`
	}
	other := decode[listBody](t, f.do(t, http.MethodGet, "/api/feed", "someone", nil))
	require.Len(t, other.Guas, 1)
	assert.Equal(t, "public", other.Guas[0].Title)
	assert.Equal(t, "正文", other.Guas[0].Excerpt)

	own := decode[listBody](t, f.do(t, http.MethodGet, "/api/feed", "author", nil))
	assert.Len(t, own.Guas, 2)

	mine := decode[listBody](t, f.do(t, http.MethodGet, "/api/me/guas", "author", nil))
	assert.Len(t, mine.Guas, 2)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/me/guas", "", nil).Code)

	byPerson := decode[listBody](t, f.do(t, http.MethodGet, "/api/persons/"+p.ID+"/guas", "someone", nil))
	assert.Len(t, byPerson.Guas, 1)
}

func TestPersonTimelineFallback(t *testing.T) {
	f := newFixture(t, nil)
	p := f.person(t, "张三", true)

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, title := range []string{"后来", "最早"} {
		g := &model.Gua{
			AuthorUserID: "u1", Title: title, Content: "正文", PersonIDs: []string{p.ID},
			Visibility: model.VisibilityPublic, CreatedAt: base.AddDate(0, 0, -i),
		}
		_, err := f.store.CreateGua(context.Background(), g)
		require.NoError(t, err)
	}

	rec := f.do(t, http.MethodPost, "/api/persons/"+p.ID+"/timeline", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[timelineResponse](t, rec)
	assert.Equal(t, 2, body.Items)
	assert.Equal(t, timeline.FallbackHeader+"1. 2024-02-29 - 最早\n2. 2024-03-01 - 后来", body.Narrative)
}

func TestPersonTimelineUpstreamFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer upstream.Close()

	f := newFixture(t, func(d *Deps) {
		d.Timeline = timeline.New(timeline.StaticCredential("sk-test"), func(key string) llm.Client {
			return llm.NewOpenAIClient(config.LLMProviderConfig{APIKey: key, APIURL: upstream.URL, Model: config.DefaultModel})
		}, nil)
	})
	p := f.person(t, "张三", true)

	rec := f.do(t, http.MethodPost, "/api/persons/"+p.ID+"/timeline", "", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.NotContains(t, rec.Body.String(), "boom")
}

func TestTimelineItemsUsesDisplayTitle(t *testing.T) {
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	items := TimelineItems([]model.Gua{
		{ID: "a", Content: "c", CreatedAt: created},
		{ID: "b", Title: "有标题", CreatedAt: created},
	})
	require.Len(t, items, 2)
	assert.Equal(t, "无标题", items[0].Title)
	assert.Equal(t, "2024-01-02T03:04:05Z", items[0].Date)
	assert.Equal(t, "有标题", items[1].Title)
}

func TestCORSAllowsConfiguredOrigin(t *testing.T) {
	f := newFixture(t, func(d *Deps) {
		d.Config.Server.AllowedOrigins = []string{"https://gua.example"}
	})
	req := httptest.NewRequest(http.MethodOptions, "/api/feed", strings.NewReader(""))
	req.Header.Set("Origin", "https://gua.example")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://gua.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
