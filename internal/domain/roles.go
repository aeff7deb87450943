package domain

import "strings"

// UserRole описывает роль пользователя, переданную в токене.
type UserRole string

const (
	UserRoleUser    UserRole = "user"
	UserRoleAuthor  UserRole = "author"
	UserRoleAnalyst UserRole = "analyst"
	UserRoleAdmin   UserRole = "admin"
)

// ParseUserRole нормализует роль. Неизвестные значения считаются обычным пользователем.
func ParseUserRole(raw string) UserRole {
	switch role := UserRole(strings.ToLower(strings.TrimSpace(raw))); role {
	case UserRoleAuthor, UserRoleAnalyst, UserRoleAdmin:
		return role
	default:
		return UserRoleUser
	}
}

// CanTriggerBatch сообщает, может ли роль запускать пересчёт рекомендаций.
func (r UserRole) CanTriggerBatch() bool {
	return r == UserRoleAdmin
}
