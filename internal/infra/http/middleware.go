package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"
)

// RequestLogger пишет журнал доступа через zerolog. Строка запроса не логируется:
// websocket-клиенты передают в ней JWT.
func RequestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				logger.Info().
					Str("request_id", middleware.GetReqID(r.Context())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Str("remote", r.RemoteAddr).
					Int("status", ww.Status()).
					Int("bytes", ww.BytesWritten()).
					Dur("duration", time.Since(start)).
					Msg("http запрос")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// CORS разрешает браузерным клиентам вызывать API с перечисленных origin.
// Пустой список отключает CORS-заголовки.
func CORS(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         300,
	})
}

// keyByUser группирует запросы по пользователю из контекста, анонимные по IP.
func keyByUser(r *http.Request) (string, error) {
	if identity, ok := IdentityFrom(r.Context()); ok {
		return "user:" + identity.UserID.String(), nil
	}
	return httprate.KeyByIP(r)
}

// RateLimitByUser ограничивает число запросов пользователя в окне window.
// Ставится после BearerAuthMiddleware. requests <= 0 отключает ограничение.
func RateLimitByUser(requests int, window time.Duration) func(http.Handler) http.Handler {
	if requests <= 0 || window <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(requests, window,
		httprate.WithKeyFuncs(keyByUser),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			WriteError(w, http.StatusTooManyRequests, errors.New("слишком много запросов, попробуйте позже"))
		}),
	)
}
