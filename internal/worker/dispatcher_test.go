package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestDispatcherRunsJob(t *testing.T) {
	d := NewDispatcher(Config{Workers: 2, QueueSize: 4}, nil)
	defer d.Close()

	ran := false
	if err := d.Do(context.Background(), 1, func(context.Context) { ran = true }); err != nil {
		t.Fatalf("do: %v", err)
	}
	if !ran {
		t.Fatalf("job did not run")
	}
	if got := d.Pending(); got != 0 {
		t.Fatalf("expected no pending jobs, got %d", got)
	}
}

func TestDispatcherRejectsWhenFull(t *testing.T) {
	d := NewDispatcher(Config{Workers: 1, QueueSize: 1}, nil)
	defer d.Close()

	gate := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = d.Do(context.Background(), 1, func(context.Context) { <-gate })
		}()
		waitPending(t, d, i+1)
	}

	err := d.Do(context.Background(), 2, func(context.Context) {})
	if !errors.Is(err, ErrDispatcherBusy) {
		t.Fatalf("expected busy error, got %v", err)
	}
	close(gate)
	wg.Wait()

	if err := d.Do(context.Background(), 2, func(context.Context) {}); err != nil {
		t.Fatalf("expected capacity after drain, got %v", err)
	}
}

func TestDispatcherAlternatesUsers(t *testing.T) {
	d := NewDispatcher(Config{Workers: 1, QueueSize: 8}, nil)
	defer d.Close()

	gate := make(chan struct{})
	var (
		mu    sync.Mutex
		order []string
		wg    sync.WaitGroup
	)
	record := func(name string) func(context.Context) {
		return func(context.Context) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}

	started := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = d.Do(context.Background(), 1, func(context.Context) {
			close(started)
			<-gate
		})
	}()
	<-started

	jobs := []struct {
		user int64
		name string
	}{
		{1, "u1-a"},
		{1, "u1-b"},
		{2, "u2-a"},
	}
	for i, j := range jobs {
		wg.Add(1)
		go func(user int64, name string) {
			defer wg.Done()
			_ = d.Do(context.Background(), user, record(name))
		}(j.user, j.name)
		waitPending(t, d, i+2)
	}

	close(gate)
	wg.Wait()

	want := []string{"u1-a", "u2-a", "u1-b"}
	if len(order) != len(want) {
		t.Fatalf("unexpected order %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, order)
		}
	}
}

func TestDispatcherDropsCancelledQueuedJob(t *testing.T) {
	d := NewDispatcher(Config{Workers: 1, QueueSize: 2}, nil)
	defer d.Close()

	gate := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Do(context.Background(), 1, func(context.Context) { <-gate })
	}()
	waitPending(t, d, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	ran := make(chan struct{}, 1)
	err := d.Do(ctx, 2, func(context.Context) { ran <- struct{}{} })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}

	close(gate)
	<-done
	waitPending(t, d, 0)
	select {
	case <-ran:
		t.Fatalf("cancelled job must not run")
	default:
	}
}

func TestDispatcherClosed(t *testing.T) {
	d := NewDispatcher(Config{Workers: 1}, nil)
	d.Close()
	d.Close()

	err := d.Do(context.Background(), 1, func(context.Context) {})
	if !errors.Is(err, ErrDispatcherClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
}

func waitPending(t *testing.T, d *Dispatcher, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if d.Pending() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("pending never reached %d (now %d)", want, d.Pending())
}
