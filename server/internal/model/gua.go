package model

import "time"

// Visibility 瓜的可见范围。
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
	VisibilityCustom  Visibility = "custom"
)

// Valid 判断是否为已知的可见范围。
func (v Visibility) Valid() bool {
	switch v {
	case VisibilityPrivate, VisibilityPublic, VisibilityCustom:
		return true
	}
	return false
}

// Person 瓜主：可以被瓜引用的人物档案。
type Person struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"display_name"`
	Aliases     []string `json:"aliases,omitempty"`
	// IsDiscoverable 为 false 时档案页不对外展示。
	IsDiscoverable bool      `json:"is_discoverable"`
	CreatedAt      time.Time `json:"created_at"`
}

// Gua 用户记录的一口瓜。
type Gua struct {
	ID           string `json:"id"`
	AuthorUserID string `json:"author_user_id"`
	Title        string `json:"title,omitempty"`
	Content      string `json:"content"`

	TagsManual []string `json:"tags_manual"`
	// TagsAI / SummaryAI 由 AI 归档任务回填。
	TagsAI    []string `json:"tags_ai"`
	SummaryAI string   `json:"summary_ai,omitempty"`

	PersonIDs      []string   `json:"person_ids"`
	Visibility     Visibility `json:"visibility"`
	AllowedUserIDs []string   `json:"allowed_user_ids"`
	MediaURLs      []string   `json:"media_urls"`
	CreatedAt      time.Time  `json:"created_at"`
}

// VisibleTo 判断 viewer 是否能看到这口瓜。
func (g *Gua) VisibleTo(viewer string) bool {
	if viewer != "" && g.AuthorUserID == viewer {
		return true
	}
	switch g.Visibility {
	case VisibilityPublic:
		return true
	case VisibilityCustom:
		for _, id := range g.AllowedUserIDs {
			if viewer != "" && id == viewer {
				return true
			}
		}
	}
	return false
}

// References 判断这口瓜是否关联了 personID。
func (g *Gua) References(personID string) bool {
	for _, id := range g.PersonIDs {
		if id == personID {
			return true
		}
	}
	return false
}

// JobStatus AI 归档任务状态。
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

// AIJob 发布后排队的 AI 归档任务。
type AIJob struct {
	ID         string    `json:"id"`
	GuaID      string    `json:"gua_id"`
	Status     JobStatus `json:"status"`
	ResultJSON string    `json:"result_json,omitempty"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
