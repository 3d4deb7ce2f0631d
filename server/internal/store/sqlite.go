package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"gua-tian/server/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS persons (
	id              TEXT PRIMARY KEY,
	display_name    TEXT NOT NULL,
	aliases         TEXT NOT NULL DEFAULT '[]',
	is_discoverable INTEGER NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS guas (
	id               TEXT PRIMARY KEY,
	author_user_id   TEXT NOT NULL,
	title            TEXT NOT NULL DEFAULT '',
	content          TEXT NOT NULL,
	tags_manual      TEXT NOT NULL DEFAULT '[]',
	tags_ai          TEXT NOT NULL DEFAULT '[]',
	summary_ai       TEXT NOT NULL DEFAULT '',
	person_ids       TEXT NOT NULL DEFAULT '[]',
	visibility       TEXT NOT NULL,
	allowed_user_ids TEXT NOT NULL DEFAULT '[]',
	media_urls       TEXT NOT NULL DEFAULT '[]',
	created_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_guas_created_at ON guas(created_at);
CREATE TABLE IF NOT EXISTS ai_jobs (
	id          TEXT PRIMARY KEY,
	gua_id      TEXT NOT NULL REFERENCES guas(id) ON DELETE CASCADE,
	status      TEXT NOT NULL,
	result_json TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ai_jobs_status ON ai_jobs(status, created_at);
`

// SQLiteStore 基于 mattn/go-sqlite3 的 Store 实现。列表类字段以 JSON 文本存储，
// 时间以 UnixNano 存储以保证排序正确。
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore 打开（必要时创建）数据库并建表。dbPath 可以是 ":memory:"。
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// :memory: 每个连接是独立的库
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) CreatePerson(ctx context.Context, p *model.Person) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO persons (id, display_name, aliases, is_discoverable, created_at) VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.DisplayName, encodeList(p.Aliases), p.IsDiscoverable, p.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert person: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetPerson(ctx context.Context, id string) (*model.Person, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, display_name, aliases, is_discoverable, created_at FROM persons WHERE id = ?`, id)
	p, err := scanPerson(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get person: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) ListPersons(ctx context.Context) ([]model.Person, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, display_name, aliases, is_discoverable, created_at FROM persons ORDER BY display_name, id`)
	if err != nil {
		return nil, fmt.Errorf("list persons: %w", err)
	}
	defer rows.Close()

	out := make([]model.Person, 0)
	for rows.Next() {
		p, err := scanPerson(rows)
		if err != nil {
			return nil, fmt.Errorf("scan person: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CreateGua(ctx context.Context, g *model.Gua) (*model.AIJob, error) {
	now := s.now()
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = now
	}
	job := model.AIJob{
		ID:        uuid.NewString(),
		GuaID:     g.ID,
		Status:    model.JobPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO guas (id, author_user_id, title, content, tags_manual, tags_ai, summary_ai, person_ids,
			visibility, allowed_user_ids, media_urls, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.AuthorUserID, g.Title, g.Content, encodeList(g.TagsManual), encodeList(g.TagsAI), g.SummaryAI,
		encodeList(g.PersonIDs), string(g.Visibility), encodeList(g.AllowedUserIDs), encodeList(g.MediaURLs),
		g.CreatedAt.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert gua: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO ai_jobs (id, gua_id, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		job.ID, job.GuaID, string(job.Status), job.CreatedAt.UnixNano(), job.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert ai job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &job, nil
}

const guaColumns = `id, author_user_id, title, content, tags_manual, tags_ai, summary_ai, person_ids,
	visibility, allowed_user_ids, media_urls, created_at`

func (s *SQLiteStore) GetGua(ctx context.Context, id string) (*model.Gua, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+guaColumns+` FROM guas WHERE id = ?`, id)
	g, err := scanGua(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get gua: %w", err)
	}
	return g, nil
}

func (s *SQLiteStore) ListFeed(ctx context.Context, viewer string, limit int) ([]model.Gua, error) {
	return s.list(ctx, limit, `SELECT `+guaColumns+` FROM guas ORDER BY created_at DESC, id DESC`, nil,
		func(g *model.Gua) bool { return g.VisibleTo(viewer) })
}

func (s *SQLiteStore) ListByAuthor(ctx context.Context, author string, limit int) ([]model.Gua, error) {
	return s.list(ctx, limit, `SELECT `+guaColumns+` FROM guas WHERE author_user_id = ? ORDER BY created_at DESC, id DESC`,
		[]any{author}, func(*model.Gua) bool { return true })
}

func (s *SQLiteStore) ListByPerson(ctx context.Context, personID, viewer string, limit int) ([]model.Gua, error) {
	return s.list(ctx, limit, `SELECT `+guaColumns+` FROM guas ORDER BY created_at DESC, id DESC`, nil,
		func(g *model.Gua) bool { return g.References(personID) && g.VisibleTo(viewer) })
}

// list 可见性与 person 过滤在 Go 侧完成，凑够 limit 条即停止扫描。
func (s *SQLiteStore) list(ctx context.Context, limit int, query string, args []any, keep func(*model.Gua) bool) ([]model.Gua, error) {
	limit = normalizeLimit(limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list guas: %w", err)
	}
	defer rows.Close()

	out := make([]model.Gua, 0)
	for len(out) < limit && rows.Next() {
		g, err := scanGua(rows)
		if err != nil {
			return nil, fmt.Errorf("scan gua: %w", err)
		}
		if keep(g) {
			out = append(out, *g)
		}
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateGuaAI(ctx context.Context, guaID, summary string, tags []string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE guas SET summary_ai = ?, tags_ai = ? WHERE id = ?`,
		summary, encodeList(tags), guaID)
	if err != nil {
		return fmt.Errorf("update gua ai: %w", err)
	}
	return expectOneRow(res)
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.AIJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, gua_id, status, result_json, error, created_at, updated_at FROM ai_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *SQLiteStore) PendingJobs(ctx context.Context, limit int) ([]model.AIJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, gua_id, status, result_json, error, created_at, updated_at FROM ai_jobs
		 WHERE status = ? ORDER BY created_at, id LIMIT ?`, string(model.JobPending), normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list pending jobs: %w", err)
	}
	defer rows.Close()

	out := make([]model.AIJob, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateJob(ctx context.Context, job *model.AIJob) error {
	job.UpdatedAt = s.now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE ai_jobs SET status = ?, result_json = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(job.Status), job.ResultJSON, job.Error, job.UpdatedAt.UnixNano(), job.ID)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return expectOneRow(res)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPerson(row scanner) (*model.Person, error) {
	var (
		p       model.Person
		aliases string
		created int64
	)
	if err := row.Scan(&p.ID, &p.DisplayName, &aliases, &p.IsDiscoverable, &created); err != nil {
		return nil, err
	}
	p.Aliases = decodeList(aliases)
	p.CreatedAt = time.Unix(0, created)
	return &p, nil
}

func scanGua(row scanner) (*model.Gua, error) {
	var (
		g                                            model.Gua
		tagsManual, tagsAI, personIDs, allowed, urls string
		visibility                                   string
		created                                      int64
	)
	err := row.Scan(&g.ID, &g.AuthorUserID, &g.Title, &g.Content, &tagsManual, &tagsAI, &g.SummaryAI,
		&personIDs, &visibility, &allowed, &urls, &created)
	if err != nil {
		return nil, err
	}
	g.TagsManual = decodeList(tagsManual)
	g.TagsAI = decodeList(tagsAI)
	g.PersonIDs = decodeList(personIDs)
	g.Visibility = model.Visibility(visibility)
	g.AllowedUserIDs = decodeList(allowed)
	g.MediaURLs = decodeList(urls)
	g.CreatedAt = time.Unix(0, created)
	return &g, nil
}

func scanJob(row scanner) (*model.AIJob, error) {
	var (
		job              model.AIJob
		status           string
		created, updated int64
	)
	if err := row.Scan(&job.ID, &job.GuaID, &status, &job.ResultJSON, &job.Error, &created, &updated); err != nil {
		return nil, err
	}
	job.Status = model.JobStatus(status)
	job.CreatedAt = time.Unix(0, created)
	job.UpdatedAt = time.Unix(0, updated)
	return &job, nil
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func encodeList(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeList(s string) []string {
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil || len(out) == 0 {
		return nil
	}
	return out
}
