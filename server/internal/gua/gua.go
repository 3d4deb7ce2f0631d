// Package gua 负责发布一口瓜之前的校验与展示辅助。
package gua

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"

	"gua-tian/server/internal/logger"
	"gua-tian/server/internal/model"
	"gua-tian/server/internal/store"
)

const (
	UntitledText = "无标题"
	ExcerptRunes = 60
)

// ValidationError 面向用户的校验失败，Message 可直接展示。
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

var (
	ErrUnauthenticated = &ValidationError{Message: "未登录"}
	ErrEmptyContent    = &ValidationError{Message: "正文不能为空"}
	ErrNoPerson        = &ValidationError{Message: "至少选择一个瓜主"}
	ErrBadVisibility   = &ValidationError{Message: "可见范围无效"}
)

// IsValidation 判断 err 是否为用户输入错误。
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

var tagSeparators = regexp.MustCompile(`[，,\s]+`)

// ParseTags 按中英文逗号和空白切分标签，丢弃空项。
func ParseTags(input string) []string {
	parts := tagSeparators.Split(input, -1)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// FilterPersons 按名字或别名做不区分大小写的包含匹配，空查询返回全部。
func FilterPersons(persons []model.Person, query string) []model.Person {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return persons
	}
	out := make([]model.Person, 0)
	for _, p := range persons {
		if strings.Contains(strings.ToLower(p.DisplayName), q) ||
			strings.Contains(strings.ToLower(strings.Join(p.Aliases, " ")), q) {
			out = append(out, p)
		}
	}
	return out
}

// DisplayTitle 标题为空时依次退回 AI 摘要与“无标题”。
func DisplayTitle(g *model.Gua) string {
	if g.Title != "" {
		return g.Title
	}
	if g.SummaryAI != "" {
		return g.SummaryAI
	}
	return UntitledText
}

// Excerpt 列表页摘要：优先 AI 摘要，否则取正文前 60 个字符。
func Excerpt(g *model.Gua) string {
	if g.SummaryAI != "" {
		return g.SummaryAI
	}
	return TruncateRunes(g.Content, ExcerptRunes)
}

func TruncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// Draft 发布表单。
type Draft struct {
	Title      string           `json:"title"`
	Content    string           `json:"content"`
	Tags       string           `json:"tags"`
	TagsManual []string         `json:"tags_manual"`
	PersonIDs  []string         `json:"person_ids"`
	Visibility model.Visibility `json:"visibility"`
}

type Service struct {
	store store.Store
	log   *slog.Logger
}

func NewService(s store.Store, log *slog.Logger) *Service {
	return &Service{store: s, log: logger.OrNop(log).With(slog.String("component", "gua"))}
}

// Create 校验并发布，同时排入 AI 归档任务。
func (s *Service) Create(ctx context.Context, author string, d Draft) (*model.Gua, *model.AIJob, error) {
	if author == "" {
		return nil, nil, ErrUnauthenticated
	}
	if strings.TrimSpace(d.Content) == "" {
		return nil, nil, ErrEmptyContent
	}
	personIDs := dedupe(d.PersonIDs)
	if len(personIDs) == 0 {
		return nil, nil, ErrNoPerson
	}
	visibility := d.Visibility
	if visibility == "" {
		visibility = model.VisibilityPrivate
	}
	if !visibility.Valid() {
		return nil, nil, ErrBadVisibility
	}

	tags := d.TagsManual
	if len(tags) == 0 && d.Tags != "" {
		tags = ParseTags(d.Tags)
	}

	g := &model.Gua{
		AuthorUserID:   author,
		Title:          strings.TrimSpace(d.Title),
		Content:        d.Content,
		TagsManual:     dedupe(tags),
		PersonIDs:      personIDs,
		Visibility:     visibility,
		AllowedUserIDs: []string{},
		MediaURLs:      []string{},
	}
	job, err := s.store.CreateGua(ctx, g)
	if err != nil {
		return nil, nil, err
	}
	s.log.Info("gua created", slog.String("gua_id", g.ID), slog.String("job_id", job.ID), slog.Int("persons", len(personIDs)))
	return g, job, nil
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
