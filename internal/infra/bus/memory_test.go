package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"blog-engine/internal/domain"
)

func TestMemoryBusRoutesByChannel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	b := NewMemoryBus()
	sub, err := b.Subscribe(ctx, "a")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	defer sub.Close()

	if err := b.Publish(ctx, "b", []byte("skip")); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if err := b.Publish(ctx, "a", []byte("one")); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	msg, err := sub.Receive(ctx)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if msg.Channel != "a" || string(msg.Payload) != "one" {
		t.Fatalf("получили не то сообщение: %+v", msg)
	}
}

func TestMemoryBusAddRemove(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	b := NewMemoryBus()
	sub, _ := b.Subscribe(ctx)
	defer sub.Close()

	_ = sub.Add(ctx, "x")
	_ = b.Publish(ctx, "x", []byte("1"))
	_ = sub.Remove(ctx, "x")
	_ = b.Publish(ctx, "x", []byte("2"))
	_ = sub.Add(ctx, "x")
	_ = b.Publish(ctx, "x", []byte("3"))

	for _, want := range []string{"1", "3"} {
		msg, err := sub.Receive(ctx)
		if err != nil {
			t.Fatalf("не ожидали ошибку: %v", err)
		}
		if string(msg.Payload) != want {
			t.Fatalf("ожидали %s, получили %s", want, msg.Payload)
		}
	}
}

func TestMemoryBusCloseUnblocksReceive(t *testing.T) {
	b := NewMemoryBus()
	sub, _ := b.Subscribe(context.Background(), "a")
	done := make(chan error, 1)
	go func() {
		_, err := sub.Receive(context.Background())
		done <- err
	}()
	_ = sub.Close()
	_ = sub.Close()
	select {
	case err := <-done:
		if !errors.Is(err, domain.ErrBusClosed) {
			t.Fatalf("ожидали ErrBusClosed, получили %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Receive не завершился после Close")
	}
	if b.Subscribers() != 0 {
		t.Fatalf("подписка должна быть удалена")
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	if _, _, err := Open(context.Background(), Options{Backend: "kafka"}); err == nil {
		t.Fatalf("ожидали ошибку для неизвестного бэкенда")
	}
	b, closeFn, err := Open(context.Background(), Options{Backend: "memory"})
	if err != nil || b == nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	_ = closeFn()
}
