package http

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"blog-engine/internal/domain"
)

func TestRateLimitByUserSeparatesUsers(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	handler := RateLimitByUser(2, time.Minute)(ok)
	alice, bob := uuid.New(), uuid.New()

	call := func(user uuid.UUID) int {
		r := httptest.NewRequest(http.MethodPost, "/api/posts/1/comments", nil)
		r = r.WithContext(WithIdentity(r.Context(), domain.Identity{UserID: user, Role: domain.UserRoleUser}))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, r)
		return rec.Code
	}

	for i := 0; i < 2; i++ {
		if code := call(alice); code != http.StatusNoContent {
			t.Fatalf("запрос %d в пределах лимита, получили %d", i+1, code)
		}
	}
	if code := call(alice); code != http.StatusTooManyRequests {
		t.Fatalf("третий запрос должен получить 429, получили %d", code)
	}
	if code := call(bob); code != http.StatusNoContent {
		t.Fatalf("лимит одного пользователя не влияет на другого, получили %d", code)
	}
}

func TestRateLimitDisabled(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	handler := RateLimitByUser(0, time.Minute)(ok)
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		if rec.Code != http.StatusNoContent {
			t.Fatalf("без лимита запрос проходит, получили %d", rec.Code)
		}
	}
}

func TestCORSAllowsConfiguredOrigin(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	handler := CORS([]string{"https://blog.example"})(ok)

	r := httptest.NewRequest(http.MethodGet, "/api/recommendations", nil)
	r.Header.Set("Origin", "https://blog.example")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://blog.example" {
		t.Fatalf("ожидали разрешённый origin, получили %q", got)
	}

	r = httptest.NewRequest(http.MethodGet, "/api/recommendations", nil)
	r.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, r)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("чужой origin не получает заголовок, получили %q", got)
	}
}

func TestAccessLogOmitsQueryToken(t *testing.T) {
	var buf bytes.Buffer
	server := NewServer(zerolog.New(&buf), 0)

	rec := httptest.NewRecorder()
	server.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health?token=eyJhbGciOiJIUzI1NiJ9.secret", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health должен ответить 200, получили %d", rec.Code)
	}
	line := buf.String()
	if !bytes.Contains(buf.Bytes(), []byte(`"path":"/api/health"`)) {
		t.Fatalf("журнал доступа должен содержать путь, получили %q", line)
	}
	if bytes.Contains(buf.Bytes(), []byte("token")) || bytes.Contains(buf.Bytes(), []byte("secret")) {
		t.Fatalf("токен из строки запроса попал в журнал: %q", line)
	}
}
