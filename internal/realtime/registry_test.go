package realtime

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type fakeChannel struct {
	mu       sync.Mutex
	payloads [][]byte
	fail     bool
	closed   bool
}

func (c *fakeChannel) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail || c.closed {
		return errors.New("broken")
	}
	c.payloads = append(c.payloads, payload)
	return nil
}

func (c *fakeChannel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeChannel) received() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.payloads))
	for _, p := range c.payloads {
		out = append(out, string(p))
	}
	return out
}

type presenceLog struct {
	mu       sync.Mutex
	acquired []uuid.UUID
	released []uuid.UUID
}

func (p *presenceLog) Acquire(id uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.acquired = append(p.acquired, id)
}

func (p *presenceLog) Release(id uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = append(p.released, id)
}

func TestRegistryFirstAndLast(t *testing.T) {
	r := NewRegistry(4, zerolog.Nop())
	presence := &presenceLog{}
	r.SetPresence(presence)
	u := uuid.New()

	h1, first := r.Register(u, &fakeChannel{})
	if !first {
		t.Fatalf("первый канал должен быть first")
	}
	h2, first := r.Register(u, &fakeChannel{})
	if first {
		t.Fatalf("второй канал не должен быть first")
	}
	if r.Unregister(h1) {
		t.Fatalf("остался второй канал, last=false")
	}
	if !r.Unregister(h2) {
		t.Fatalf("ожидали last=true")
	}
	if r.Has(u) {
		t.Fatalf("у пользователя не должно остаться каналов")
	}
	if len(presence.acquired) != 1 || len(presence.released) != 1 {
		t.Fatalf("ожидали по одному Acquire и Release, получили %d/%d", len(presence.acquired), len(presence.released))
	}
}

func TestRegistryUnregisterIsIdempotent(t *testing.T) {
	r := NewRegistry(1, zerolog.Nop())
	presence := &presenceLog{}
	r.SetPresence(presence)
	u := uuid.New()
	h, _ := r.Register(u, &fakeChannel{})

	if !r.Unregister(h) {
		t.Fatalf("ожидали last=true")
	}
	if r.Unregister(h) {
		t.Fatalf("повторное снятие не должно ничего делать")
	}
	if r.Unregister(Handle{}) {
		t.Fatalf("нулевой handle не должен ничего делать")
	}
	if len(presence.released) != 1 {
		t.Fatalf("Release должен вызываться один раз, вызван %d", len(presence.released))
	}
}

func TestRegistryDeliverPrunesBrokenChannels(t *testing.T) {
	r := NewRegistry(8, zerolog.Nop())
	u := uuid.New()
	good := &fakeChannel{}
	bad := &fakeChannel{fail: true}
	r.Register(u, good)
	r.Register(u, bad)

	if n := r.Deliver(u, []byte("a")); n != 1 {
		t.Fatalf("ожидали одну доставку, получили %d", n)
	}
	if r.Count(u) != 1 {
		t.Fatalf("сломанный канал должен быть удалён, осталось %d", r.Count(u))
	}
	if !bad.closed {
		t.Fatalf("удалённый канал должен быть закрыт")
	}
	if n := r.Deliver(u, []byte("b")); n != 1 {
		t.Fatalf("ожидали одну доставку, получили %d", n)
	}
	got := good.received()
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("неверный порядок доставки: %v", got)
	}
}

func TestRegistryPruneOfLastChannelReleases(t *testing.T) {
	r := NewRegistry(2, zerolog.Nop())
	presence := &presenceLog{}
	r.SetPresence(presence)
	u := uuid.New()
	h, _ := r.Register(u, &fakeChannel{fail: true})

	if n := r.Deliver(u, []byte("x")); n != 0 {
		t.Fatalf("ожидали ноль доставок, получили %d", n)
	}
	if len(presence.released) != 1 {
		t.Fatalf("после удаления последнего канала ожидали Release")
	}
	if r.Unregister(h) {
		t.Fatalf("снятие уже удалённого канала не должно ничего делать")
	}
	if len(presence.released) != 1 {
		t.Fatalf("Release не должен повторяться")
	}
}

func TestRegistryDeliverUnknownUser(t *testing.T) {
	r := NewRegistry(2, zerolog.Nop())
	if n := r.Deliver(uuid.New(), []byte("x")); n != 0 {
		t.Fatalf("ожидали ноль доставок, получили %d", n)
	}
}

func TestRegistryConcurrentUsers(t *testing.T) {
	r := NewRegistry(16, zerolog.Nop())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			u := uuid.New()
			ch := &fakeChannel{}
			h, _ := r.Register(u, ch)
			r.Deliver(u, []byte("x"))
			r.Unregister(h)
			if len(ch.received()) != 1 {
				t.Errorf("канал должен получить одно сообщение")
			}
		}()
	}
	wg.Wait()
	if users := r.Users(); len(users) != 0 {
		t.Fatalf("реестр должен опустеть, осталось %d", len(users))
	}
}

func TestRegistryCloseAll(t *testing.T) {
	r := NewRegistry(4, zerolog.Nop())
	a, b := &fakeChannel{}, &fakeChannel{}
	r.Register(uuid.New(), a)
	r.Register(uuid.New(), b)
	r.CloseAll()
	if !a.closed || !b.closed {
		t.Fatalf("все каналы должны быть закрыты")
	}
}
