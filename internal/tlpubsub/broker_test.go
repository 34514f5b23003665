package tlpubsub_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/peterbourgon/tracelog/internal/tlpubsub"
)

func TestBrokerSubscribe(t *testing.T) {
	t.Parallel()

	var (
		ctx, cancel = context.WithCancel(context.Background())
		broker      = tlpubsub.NewBroker[int]()
		even        = make(chan int, 10)
		done        = make(chan tlpubsub.Stats)
	)

	go func() {
		stats, _ := broker.Subscribe(ctx, func(i int) bool { return i%2 == 0 }, even)
		done <- stats
	}()

	waitActive(t, broker)

	for i := 0; i < 6; i++ {
		broker.Publish(i)
	}

	cancel()
	stats := <-done

	if want, have := (tlpubsub.Stats{Skips: 3, Sends: 3}), stats; want != have {
		t.Errorf("want %s, have %s", want, have)
	}

	if want, have := 3, len(even); want != have {
		t.Errorf("received: want %d, have %d", want, have)
	}
}

func TestBrokerDrops(t *testing.T) {
	t.Parallel()

	var (
		ctx, cancel = context.WithCancel(context.Background())
		broker      = tlpubsub.NewBroker[string]()
		ch          = make(chan string, 1)
		done        = make(chan tlpubsub.Stats)
	)

	go func() {
		stats, _ := broker.Subscribe(ctx, nil, ch)
		done <- stats
	}()

	waitActive(t, broker)

	broker.Publish("a")
	broker.Publish("b")
	broker.Publish("c")

	cancel()
	stats := <-done

	if want, have := (tlpubsub.Stats{Sends: 1, Drops: 2}), stats; want != have {
		t.Errorf("want %s, have %s", want, have)
	}
}

func TestBrokerClose(t *testing.T) {
	t.Parallel()

	var (
		broker = tlpubsub.NewBroker[int]()
		ch     = make(chan int)
		errc   = make(chan error, 1)
	)

	go func() {
		_, err := broker.Subscribe(context.Background(), nil, ch)
		errc <- err
	}()

	waitActive(t, broker)
	broker.Close()

	if err := <-errc; !errors.Is(err, tlpubsub.ErrClosed) {
		t.Errorf("want %v, have %v", tlpubsub.ErrClosed, err)
	}

	if _, err := broker.Subscribe(context.Background(), nil, ch); !errors.Is(err, tlpubsub.ErrClosed) {
		t.Errorf("subscribe after close: want %v, have %v", tlpubsub.ErrClosed, err)
	}
}

func waitActive[T any](t *testing.T, b *tlpubsub.Broker[T]) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !b.Active() {
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for subscriber")
		}
		time.Sleep(time.Millisecond)
	}
}
