package domain

import (
	"time"

	"github.com/google/uuid"
)

// User описывает пользователя блога.
type User struct {
	ID        uuid.UUID
	Username  string
	Role      UserRole
	CreatedAt time.Time
}

// Post представляет публикацию блога.
type Post struct {
	ID        int64
	AuthorID  uuid.UUID
	Title     string
	Views     int64
	Likes     int64
	IsDraft   bool
	IsDeleted bool
	Tags      []string
	CreatedAt time.Time
}

// Recommendable сообщает, может ли пост попасть в рекомендации.
func (p Post) Recommendable() bool {
	return !p.IsDraft && !p.IsDeleted
}

// Comment описывает комментарий к посту.
type Comment struct {
	ID           int64
	PostID       int64
	AuthorID     uuid.UUID
	ParentID     *int64
	Content      string
	NestingLevel int
	IsDeleted    bool
	DeletedBy    *uuid.UUID
	DeletedAt    *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IsReply возвращает true для ответа на другой комментарий.
func (c Comment) IsReply() bool {
	return c.ParentID != nil
}

// InteractionType задаёт вид взаимодействия пользователя с постом.
type InteractionType string

const (
	InteractionView    InteractionType = "view"
	InteractionLike    InteractionType = "like"
	InteractionComment InteractionType = "comment"
)

// Weight возвращает вес взаимодействия для коллаборативной фильтрации.
func (t InteractionType) Weight() (float64, bool) {
	switch t {
	case InteractionView:
		return 1, true
	case InteractionLike:
		return 3, true
	case InteractionComment:
		return 5, true
	default:
		return 0, false
	}
}

// Engaged сообщает, выражает ли взаимодействие явный интерес (лайк или комментарий).
func (t InteractionType) Engaged() bool {
	return t == InteractionLike || t == InteractionComment
}

// Interaction описывает запись журнала взаимодействий. Журнал только дополняется.
type Interaction struct {
	UserID    uuid.UUID
	PostID    int64
	Type      InteractionType
	CreatedAt time.Time
}

// Snapshot содержит данные, прочитанные один раз в начале пакетного расчёта.
type Snapshot struct {
	Users        []uuid.UUID
	Posts        []Post
	Interactions []Interaction
}

// SimilarPost описывает пост, похожий на целевой по пересечению тегов.
type SimilarPost struct {
	PostID     int64    `json:"post_id"`
	Title      string   `json:"title"`
	Similarity float64  `json:"similarity"`
	Views      int64    `json:"views"`
	Tags       []string `json:"tags"`
}
