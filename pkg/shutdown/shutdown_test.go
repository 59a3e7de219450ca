package shutdown

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"
)

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func TestShutdownRunsLIFOOnce(t *testing.T) {
	m := New(time.Second, nil)

	var order []string
	m.Register("first", func(context.Context) error { order = append(order, "first"); return nil })
	m.Register("second", func(context.Context) error { order = append(order, "second"); return errors.New("ignored") })
	m.Register("third", CloseResource(closerFunc(func() error { order = append(order, "third"); return nil }), "db"))

	m.Shutdown()
	m.Shutdown()

	want := []string{"third", "second", "first"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %s, want %s", i, order[i], want[i])
		}
	}
}

func TestNotifyContextFollowsParent(t *testing.T) {
	m := New(time.Second, nil)
	parent, cancelParent := context.WithCancel(context.Background())

	ctx, cancel := m.NotifyContext(parent)
	defer cancel()

	cancelParent()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("child context not cancelled with parent")
	}
}

func TestNotifyContextWatcherEndsAfterSignalAndCancel(t *testing.T) {
	m := New(time.Second, nil)
	ctx, cancel := m.NotifyContext(context.Background())

	if err := syscall.Kill(syscall.Getpid(), syscall.SIGINT); err != nil {
		t.Fatalf("kill: %v", err)
	}
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled by SIGINT")
	}

	cancel()
	done := make(chan struct{})
	go func() {
		m.watchers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("signal watcher still running after cancel")
	}
}
