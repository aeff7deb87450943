package realtime

import (
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"blog-engine/internal/infra/metrics"
)

const defaultShards = 32

// Channel представляет живое соединение, способное принять payload.
// Send не должен блокироваться: ошибка означает, что соединение мертво или не успевает читать.
type Channel interface {
	Send(payload []byte) error
	Close()
}

// Presence получает события появления первого и исчезновения последнего канала пользователя.
type Presence interface {
	Acquire(userID uuid.UUID)
	Release(userID uuid.UUID)
}

// Handle идентифицирует регистрацию канала. Нулевой Handle ничего не регистрирует.
type Handle struct {
	userID uuid.UUID
	id     uint64
}

// UserID возвращает владельца канала.
func (h Handle) UserID() uuid.UUID { return h.userID }

type shard struct {
	mu    sync.Mutex
	users map[uuid.UUID]map[uint64]Channel
}

// Registry хранит открытые каналы по пользователям.
// Каждый пользователь живёт в одном шарде, блокировки шардов независимы.
type Registry struct {
	shards   []*shard
	seq      atomic.Uint64
	presence Presence
	logger   zerolog.Logger
}

// NewRegistry создаёт реестр с заданным числом шардов.
func NewRegistry(shards int, logger zerolog.Logger) *Registry {
	if shards <= 0 {
		shards = defaultShards
	}
	r := &Registry{
		shards: make([]*shard, shards),
		logger: logger.With().Str("component", "registry").Logger(),
	}
	for i := range r.shards {
		r.shards[i] = &shard{users: make(map[uuid.UUID]map[uint64]Channel)}
	}
	return r
}

// SetPresence подключает получателя событий присутствия. Вызывается до первой регистрации.
func (r *Registry) SetPresence(p Presence) {
	r.presence = p
}

func (r *Registry) shardFor(userID uuid.UUID) *shard {
	h := fnv.New32a()
	_, _ = h.Write(userID[:])
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}

// Register добавляет канал пользователя. first сообщает, что до этого каналов у пользователя не было.
func (r *Registry) Register(userID uuid.UUID, ch Channel) (Handle, bool) {
	h := Handle{userID: userID, id: r.seq.Add(1)}
	s := r.shardFor(userID)

	s.mu.Lock()
	set, ok := s.users[userID]
	if !ok {
		set = make(map[uint64]Channel)
		s.users[userID] = set
	}
	set[h.id] = ch
	first := len(set) == 1
	s.mu.Unlock()

	metrics.ConnectionsActive.Inc()
	if first && r.presence != nil {
		r.presence.Acquire(userID)
	}
	return h, first
}

// Unregister удаляет канал. Повторный вызов ничего не делает.
// last сообщает, что удалён последний канал пользователя.
func (r *Registry) Unregister(h Handle) bool {
	if h.id == 0 {
		return false
	}
	removed, last := r.remove(h.userID, h.id)
	if !removed {
		return false
	}
	if last && r.presence != nil {
		r.presence.Release(h.userID)
	}
	return last
}

func (r *Registry) remove(userID uuid.UUID, id uint64) (removed, last bool) {
	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.users[userID]
	if !ok {
		return false, false
	}
	if _, ok := set[id]; !ok {
		return false, false
	}
	delete(set, id)
	metrics.ConnectionsActive.Dec()
	if len(set) == 0 {
		delete(s.users, userID)
		return true, true
	}
	return true, false
}

// Deliver отправляет payload во все каналы пользователя и возвращает число принявших.
// Каналы, не принявшие payload, удаляются и закрываются.
func (r *Registry) Deliver(userID uuid.UUID, payload []byte) int {
	s := r.shardFor(userID)
	s.mu.Lock()
	set := s.users[userID]
	targets := make(map[uint64]Channel, len(set))
	for id, ch := range set {
		targets[id] = ch
	}
	s.mu.Unlock()

	delivered := 0
	emptied := false
	for id, ch := range targets {
		if err := ch.Send(payload); err != nil {
			metrics.Deliveries.WithLabelValues("failed").Inc()
			removed, last := r.remove(userID, id)
			if removed {
				metrics.PrunedChannels.Inc()
				emptied = emptied || last
				r.logger.Debug().Err(err).Str("user_id", userID.String()).Uint64("conn_seq", id).Msg("канал удалён после неудачной доставки")
			}
			ch.Close()
			continue
		}
		metrics.Deliveries.WithLabelValues("ok").Inc()
		delivered++
	}
	if emptied && r.presence != nil {
		r.presence.Release(userID)
	}
	return delivered
}

// Has сообщает, есть ли у пользователя открытые каналы.
func (r *Registry) Has(userID uuid.UUID) bool {
	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users[userID]) > 0
}

// Count возвращает число открытых каналов пользователя.
func (r *Registry) Count(userID uuid.UUID) int {
	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users[userID])
}

// Users возвращает пользователей, у которых есть хотя бы один канал.
func (r *Registry) Users() []uuid.UUID {
	var out []uuid.UUID
	for _, s := range r.shards {
		s.mu.Lock()
		for id := range s.users {
			out = append(out, id)
		}
		s.mu.Unlock()
	}
	return out
}

// CloseAll закрывает все каналы. Сессии сами снимают регистрацию после закрытия.
func (r *Registry) CloseAll() {
	var all []Channel
	for _, s := range r.shards {
		s.mu.Lock()
		for _, set := range s.users {
			for _, ch := range set {
				all = append(all, ch)
			}
		}
		s.mu.Unlock()
	}
	for _, ch := range all {
		ch.Close()
	}
	r.logger.Info().Int("channels", len(all)).Msg("все каналы закрыты")
}
