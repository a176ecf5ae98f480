package lazy

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestGetOrCreateConcurrentCallersShareOneCreation(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	g := NewGroup(func(ctx context.Context, name string) (string, error) {
		calls.Add(1)
		<-release
		return "host:" + name, nil
	})

	const callers = 16
	var wg sync.WaitGroup
	results := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = g.GetOrCreate(context.Background(), "audio")
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("factory calls = %d; want 1", got)
	}
	for i := range results {
		if errs[i] != nil || results[i] != "host:audio" {
			t.Fatalf("caller %d got (%q, %v); want (host:audio, nil)", i, results[i], errs[i])
		}
	}
}

func TestGetOrCreateFailureIsNotCached(t *testing.T) {
	var calls atomic.Int32
	g := NewGroup(func(ctx context.Context, name string) (int, error) {
		if calls.Add(1) == 1 {
			return 0, errors.New("device busy")
		}
		return 7, nil
	})

	if _, err := g.GetOrCreate(context.Background(), "x"); err == nil {
		t.Fatal("first GetOrCreate() error = nil; want error")
	}
	if _, ok := g.Peek("x"); ok {
		t.Fatal("Peek() found a value after failed creation")
	}
	v, err := g.GetOrCreate(context.Background(), "x")
	if err != nil || v != 7 {
		t.Fatalf("second GetOrCreate() = (%d, %v); want (7, nil)", v, err)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("factory calls = %d; want 2", got)
	}
}

func TestGetOrCreateCallerCancelDoesNotAbortCreation(t *testing.T) {
	release := make(chan struct{})
	g := NewGroup(func(ctx context.Context, name string) (int, error) {
		<-release
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		return 1, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := g.GetOrCreate(ctx, "x")
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled GetOrCreate() error = %v; want context.Canceled", err)
	}

	close(release)
	v, err := g.GetOrCreate(context.Background(), "x")
	if err != nil || v != 1 {
		t.Fatalf("GetOrCreate() = (%d, %v); want (1, nil)", v, err)
	}
}

func TestForgetAllowsRecreation(t *testing.T) {
	var calls atomic.Int32
	g := NewGroup(func(ctx context.Context, name string) (int32, error) {
		return calls.Add(1), nil
	})
	first, _ := g.GetOrCreate(context.Background(), "x")
	if v, ok := g.Forget("x"); !ok || v != first {
		t.Fatalf("Forget() = (%d, %v); want (%d, true)", v, ok, first)
	}
	second, _ := g.GetOrCreate(context.Background(), "x")
	if second == first {
		t.Fatalf("GetOrCreate() after Forget returned the old value %d", first)
	}
}
