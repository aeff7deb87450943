package realtime

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"blog-engine/internal/domain"
	httpinfra "blog-engine/internal/infra/http"
	"blog-engine/internal/infra/metrics"
)

const maxInboundMessageSize = 4 * 1024

var (
	errSessionClosed = errors.New("сессия закрыта")
	errSlowConsumer  = errors.New("очередь отправки переполнена")
)

// SessionConfig задаёт таймауты соединения.
type SessionConfig struct {
	SendBuffer     int
	PingPeriod     time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	AllowedOrigins []string
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = c.PongWait * 9 / 10
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	return c
}

// Handler принимает realtime-соединения: проверка токена до апгрейда, регистрация,
// ретрансляция уведомлений и снятие регистрации при закрытии.
type Handler struct {
	validator domain.TokenValidator
	registry  *Registry
	cfg       SessionConfig
	upgrader  websocket.Upgrader
	logger    zerolog.Logger
	wg        sync.WaitGroup

	// closing защищён lifecycle: принятие сессии держит RLock до конца регистрации,
	// Shutdown берёт Lock.
	lifecycle sync.RWMutex
	closing   bool
}

// NewHandler создаёт обработчик сессий.
func NewHandler(validator domain.TokenValidator, registry *Registry, cfg SessionConfig, logger zerolog.Logger) *Handler {
	h := &Handler{
		validator: validator,
		registry:  registry,
		cfg:       cfg.withDefaults(),
		logger:    logger.With().Str("component", "session").Logger(),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      h.checkOrigin,
	}
	return h
}

// checkOrigin пропускает всё при пустом списке. Клиенты без Origin (мобильные, скрипты) пропускаются всегда.
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	h.logger.Warn().Str("origin", origin).Msg("origin не разрешён")
	return false
}

// ServeHTTP реализует http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.isClosing() {
		metrics.SessionsRejected.WithLabelValues("shutting_down").Inc()
		httpinfra.WriteError(w, http.StatusServiceUnavailable, errors.New("шлюз останавливается"))
		return
	}
	token := httpinfra.TokenFromRequest(r)
	if token == "" {
		metrics.SessionsRejected.WithLabelValues("missing_token").Inc()
		httpinfra.WriteError(w, http.StatusUnauthorized, errors.New("token отсутствует"))
		return
	}
	identity, err := h.validator.Validate(token)
	if err != nil {
		status, reason := httpinfra.AuthStatus(err)
		metrics.SessionsRejected.WithLabelValues(reason).Inc()
		h.logger.Debug().Err(err).Msg("сессия отклонена")
		httpinfra.WriteError(w, status, errors.New(reason))
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade сам ответил клиенту.
		metrics.SessionsRejected.WithLabelValues("upgrade").Inc()
		h.logger.Debug().Err(err).Msg("апгрейд не удался")
		return
	}

	s := newSession(conn, identity.UserID, h.cfg)
	s.logger = h.logger.With().Str("user_id", identity.UserID.String()).Str("conn_id", s.id.String()).Logger()

	h.lifecycle.RLock()
	if h.closing {
		h.lifecycle.RUnlock()
		metrics.SessionsRejected.WithLabelValues("shutting_down").Inc()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(h.cfg.WriteWait))
		_ = conn.Close()
		return
	}
	h.wg.Add(1)
	s.handle, _ = h.registry.Register(identity.UserID, s)
	h.lifecycle.RUnlock()
	s.logger.Debug().Msg("сессия открыта")

	go func() {
		defer h.wg.Done()
		s.run(h.registry)
	}()
}

func (h *Handler) isClosing() bool {
	h.lifecycle.RLock()
	defer h.lifecycle.RUnlock()
	return h.closing
}

// Shutdown запрещает новые сессии и ждёт, пока уже принятые закончат регистрацию.
// После возврата Registry.CloseAll закрывает все сессии обработчика.
func (h *Handler) Shutdown() {
	h.lifecycle.Lock()
	h.closing = true
	h.lifecycle.Unlock()
}

// Wait ждёт завершения всех сессий. Вызывается после Shutdown и Registry.CloseAll.
func (h *Handler) Wait() {
	h.wg.Wait()
}

// session обслуживает одно websocket-соединение. Реализует Channel.
type session struct {
	id     uuid.UUID
	userID uuid.UUID
	conn   *websocket.Conn
	cfg    SessionConfig
	handle Handle
	logger zerolog.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

var _ Channel = (*session)(nil)

func newSession(conn *websocket.Conn, userID uuid.UUID, cfg SessionConfig) *session {
	return &session{
		id:     uuid.New(),
		userID: userID,
		conn:   conn,
		cfg:    cfg,
		send:   make(chan []byte, cfg.SendBuffer),
		done:   make(chan struct{}),
	}
}

// Send ставит payload в очередь отправки без блокировки.
func (s *session) Send(payload []byte) error {
	select {
	case <-s.done:
		return errSessionClosed
	default:
	}
	select {
	case s.send <- payload:
		return nil
	default:
		return errSlowConsumer
	}
}

// Close переводит сессию в закрытие. Повторные вызовы ничего не делают.
func (s *session) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// run запускает насосы чтения и записи и снимает регистрацию ровно один раз.
func (s *session) run(registry *Registry) {
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		s.readPump()
	}()
	s.writePump(readDone)

	registry.Unregister(s.handle)
	s.Close()
	_ = s.conn.Close()
	<-readDone
	s.logger.Debug().Msg("сессия закрыта")
}

// readPump обрабатывает pong и close. Прикладные сообщения клиента игнорируются.
func (s *session) readPump() {
	s.conn.SetReadLimit(maxInboundMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Debug().Err(err).Msg("неожиданное закрытие")
			}
			return
		}
	}
}

func (s *session) writePump(readDone <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case payload := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.logger.Debug().Err(err).Msg("ошибка записи")
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-readDone:
			return
		case <-s.done:
			deadline := time.Now().Add(s.cfg.WriteWait)
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "closing")
			_ = s.conn.WriteControl(websocket.CloseMessage, msg, deadline)
			return
		}
	}
}
