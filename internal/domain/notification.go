package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	// NotificationTypeCommentReply означает ответ на комментарий пользователя.
	NotificationTypeCommentReply = "comment_reply"
	// DefaultChannelPrefix задаёт префикс персонального канала шины.
	DefaultChannelPrefix = "notifications:user:"

	replyMessage = "You have a new reply to your comment."
)

// Notification описывает кратковременное уведомление. Не сохраняется, публикуется один раз.
type Notification struct {
	Type        string    `json:"type"`
	CommentID   int64     `json:"comment_id"`
	PostID      int64     `json:"post_id"`
	FromUserID  uuid.UUID `json:"from_user_id"`
	RecipientID uuid.UUID `json:"recipient_id"`
	Message     string    `json:"message"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewReplyNotification строит уведомление для автора родительского комментария.
// Возвращает false, если комментарий не является ответом или автор отвечает сам себе.
func NewReplyNotification(reply Comment, parentAuthor uuid.UUID, now time.Time) (Notification, bool) {
	if !reply.IsReply() || parentAuthor == reply.AuthorID {
		return Notification{}, false
	}
	return Notification{
		Type:        NotificationTypeCommentReply,
		CommentID:   reply.ID,
		PostID:      reply.PostID,
		FromUserID:  reply.AuthorID,
		RecipientID: parentAuthor,
		Message:     replyMessage,
		CreatedAt:   now.UTC(),
	}, true
}

// Encode сериализует уведомление для шины.
func (n Notification) Encode() ([]byte, error) {
	return json.Marshal(n)
}

// UserChannel возвращает имя канала шины для пользователя.
func UserChannel(prefix string, userID uuid.UUID) string {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return prefix + userID.String()
}
