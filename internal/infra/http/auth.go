package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"blog-engine/internal/domain"
)

type identityKey struct{}

// TokenFromRequest извлекает токен из параметра token или заголовка Authorization.
func TokenFromRequest(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

// AuthStatus переводит ошибку проверки токена в HTTP-статус и короткую причину.
func AuthStatus(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrTokenExpired):
		return http.StatusUnauthorized, "token expired"
	case errors.Is(err, domain.ErrTokenSignature):
		return http.StatusUnauthorized, "invalid signature"
	default:
		return http.StatusUnauthorized, "malformed token"
	}
}

// BearerAuthMiddleware проверяет токен и кладёт личность пользователя в контекст.
func BearerAuthMiddleware(validator domain.TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := TokenFromRequest(r)
			if token == "" {
				WriteError(w, http.StatusUnauthorized, errors.New("token отсутствует"))
				return
			}
			identity, err := validator.Validate(token)
			if err != nil {
				status, reason := AuthStatus(err)
				WriteError(w, status, errors.New(reason))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

// RequireRole пропускает только пользователей, для которых allow возвращает true.
func RequireRole(allow func(domain.UserRole) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := IdentityFrom(r.Context())
			if !ok || !allow(identity.Role) {
				WriteError(w, http.StatusForbidden, errors.New("недостаточно прав"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WithIdentity сохраняет личность пользователя в контексте.
func WithIdentity(ctx context.Context, identity domain.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFrom возвращает личность пользователя из контекста.
func IdentityFrom(ctx context.Context) (domain.Identity, bool) {
	identity, ok := ctx.Value(identityKey{}).(domain.Identity)
	return identity, ok
}

// RequestID возвращает request ID из контекста chi.
func RequestID(r *http.Request) string {
	return middleware.GetReqID(r.Context())
}

// ErrorResponse описывает ошибку.
type ErrorResponse struct {
	Error string `json:"error"`
}

// WriteError отправляет JSON с ошибкой.
func WriteError(w http.ResponseWriter, status int, err error) {
	WriteJSON(w, status, ErrorResponse{Error: err.Error()})
}

// WriteJSON отправляет JSON с указанным статусом.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
