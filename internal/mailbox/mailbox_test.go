package mailbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/zonectl/internal/testutil/testlog"
)

func TestMailboxFIFO(t *testing.T) {
	testlog.Start(t)
	m := New[int]()
	for i := 0; i < 100; i++ {
		if !m.Put(i) {
			t.Fatalf("put %d rejected", i)
		}
	}
	for i := 0; i < 100; i++ {
		v, err := m.Get(context.Background())
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if v != i {
			t.Fatalf("expected %d, got %d", i, v)
		}
	}
}

func TestMailboxGetBlocksUntilPut(t *testing.T) {
	testlog.Start(t)
	m := New[string]()
	got := make(chan string, 1)
	go func() {
		v, _ := m.Get(context.Background())
		got <- v
	}()
	time.Sleep(10 * time.Millisecond)
	m.Put("hello")
	select {
	case v := <-got:
		if v != "hello" {
			t.Fatalf("unexpected value %q", v)
		}
	case <-time.After(time.Second):
		t.Fatalf("get did not wake")
	}
}

func TestMailboxCloseDrainsThenErrors(t *testing.T) {
	testlog.Start(t)
	m := New[int]()
	m.Put(1)
	m.Close()
	if m.Put(2) {
		t.Fatalf("put after close accepted")
	}
	if v, err := m.Get(context.Background()); err != nil || v != 1 {
		t.Fatalf("expected queued item, got %d %v", v, err)
	}
	if _, err := m.Get(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestMailboxGetHonorsContext(t *testing.T) {
	testlog.Start(t)
	m := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := m.Get(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestMailboxConcurrentProducers(t *testing.T) {
	testlog.Start(t)
	m := New[int]()
	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				m.Put(i)
			}
		}()
	}
	wg.Wait()
	if m.Len() != 1000 {
		t.Fatalf("expected 1000 items, got %d", m.Len())
	}
}
