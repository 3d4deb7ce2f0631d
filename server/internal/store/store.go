// Package store 持久化瓜主、瓜与 AI 归档任务。
package store

import (
	"context"
	"errors"

	"gua-tian/server/internal/model"
)

var ErrNotFound = errors.New("not found")

// DefaultLimit 列表接口默认返回的条数。
const DefaultLimit = 50

type Store interface {
	CreatePerson(ctx context.Context, p *model.Person) error
	GetPerson(ctx context.Context, id string) (*model.Person, error)
	ListPersons(ctx context.Context) ([]model.Person, error)

	// CreateGua 写入瓜并同时排入一个 pending 的 AI 归档任务。
	CreateGua(ctx context.Context, g *model.Gua) (*model.AIJob, error)
	GetGua(ctx context.Context, id string) (*model.Gua, error)
	// ListFeed 返回 viewer 可见的瓜，按创建时间倒序。
	ListFeed(ctx context.Context, viewer string, limit int) ([]model.Gua, error)
	ListByAuthor(ctx context.Context, author string, limit int) ([]model.Gua, error)
	// ListByPerson 返回关联 personID 且 viewer 可见的瓜，按创建时间倒序。
	ListByPerson(ctx context.Context, personID, viewer string, limit int) ([]model.Gua, error)
	UpdateGuaAI(ctx context.Context, guaID, summary string, tags []string) error

	GetJob(ctx context.Context, id string) (*model.AIJob, error)
	// PendingJobs 按创建时间正序返回待处理任务。
	PendingJobs(ctx context.Context, limit int) ([]model.AIJob, error)
	UpdateJob(ctx context.Context, job *model.AIJob) error

	Close() error
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	return limit
}
