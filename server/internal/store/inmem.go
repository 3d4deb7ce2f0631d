package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"gua-tian/server/internal/model"
)

// InMemoryStore 是一个基于内存的 Store 实现。
// 注意：重启即丢数据；多实例部署需要换成 SQLiteStore 或外部数据库。
type InMemoryStore struct {
	mu      sync.RWMutex
	persons map[string]model.Person
	guas    map[string]model.Gua
	jobs    map[string]model.AIJob
	now     func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		persons: make(map[string]model.Person),
		guas:    make(map[string]model.Gua),
		jobs:    make(map[string]model.AIJob),
		now:     time.Now,
	}
}

func (s *InMemoryStore) CreatePerson(_ context.Context, p *model.Person) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	s.persons[p.ID] = clonePerson(*p)
	return nil
}

func (s *InMemoryStore) GetPerson(_ context.Context, id string) (*model.Person, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.persons[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := clonePerson(p)
	return &out, nil
}

func (s *InMemoryStore) ListPersons(_ context.Context) ([]model.Person, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Person, 0, len(s.persons))
	for _, p := range s.persons {
		out = append(out, clonePerson(p))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName != out[j].DisplayName {
			return out[i].DisplayName < out[j].DisplayName
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// CreateGua 写入瓜并排入 AI 归档任务。副作用：会回填 g.ID 与 g.CreatedAt。
func (s *InMemoryStore) CreateGua(_ context.Context, g *model.Gua) (*model.AIJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = now
	}
	s.guas[g.ID] = cloneGua(*g)

	job := model.AIJob{
		ID:        uuid.NewString(),
		GuaID:     g.ID,
		Status:    model.JobPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.jobs[job.ID] = job
	return &job, nil
}

func (s *InMemoryStore) GetGua(_ context.Context, id string) (*model.Gua, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.guas[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneGua(g)
	return &out, nil
}

func (s *InMemoryStore) ListFeed(_ context.Context, viewer string, limit int) ([]model.Gua, error) {
	return s.list(limit, func(g *model.Gua) bool { return g.VisibleTo(viewer) }), nil
}

func (s *InMemoryStore) ListByAuthor(_ context.Context, author string, limit int) ([]model.Gua, error) {
	return s.list(limit, func(g *model.Gua) bool { return g.AuthorUserID == author }), nil
}

func (s *InMemoryStore) ListByPerson(_ context.Context, personID, viewer string, limit int) ([]model.Gua, error) {
	return s.list(limit, func(g *model.Gua) bool { return g.References(personID) && g.VisibleTo(viewer) }), nil
}

// list 返回切片副本，避免调用方修改内部数据。
func (s *InMemoryStore) list(limit int, keep func(*model.Gua) bool) []model.Gua {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Gua, 0)
	for _, g := range s.guas {
		if keep(&g) {
			out = append(out, cloneGua(g))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit = normalizeLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *InMemoryStore) UpdateGuaAI(_ context.Context, guaID, summary string, tags []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.guas[guaID]
	if !ok {
		return ErrNotFound
	}
	g.SummaryAI = summary
	g.TagsAI = append([]string(nil), tags...)
	s.guas[guaID] = g
	return nil
}

func (s *InMemoryStore) GetJob(_ context.Context, id string) (*model.AIJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &job, nil
}

func (s *InMemoryStore) PendingJobs(_ context.Context, limit int) ([]model.AIJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.AIJob, 0)
	for _, job := range s.jobs {
		if job.Status == model.JobPending {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit = normalizeLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) UpdateJob(_ context.Context, job *model.AIJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; !ok {
		return ErrNotFound
	}
	job.UpdatedAt = s.now()
	s.jobs[job.ID] = *job
	return nil
}

func (s *InMemoryStore) Close() error { return nil }

func clonePerson(p model.Person) model.Person {
	p.Aliases = append([]string(nil), p.Aliases...)
	return p
}

func cloneGua(g model.Gua) model.Gua {
	g.TagsManual = append([]string(nil), g.TagsManual...)
	g.TagsAI = append([]string(nil), g.TagsAI...)
	g.PersonIDs = append([]string(nil), g.PersonIDs...)
	g.AllowedUserIDs = append([]string(nil), g.AllowedUserIDs...)
	g.MediaURLs = append([]string(nil), g.MediaURLs...)
	return g
}
