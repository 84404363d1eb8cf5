package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// blockN submits n items that hold their slot until release is closed.
func blockN(t *testing.T, q *Queue, n int, p Priority, release <-chan struct{}) *sync.WaitGroup {
	t.Helper()
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Do(context.Background(), p, func(ctx context.Context) error {
				<-release
				return nil
			})
		}()
	}
	return &wg
}

func waitForStats(t *testing.T, q *Queue, want Stats) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if q.Stats() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("stats = %+v, want %+v", q.Stats(), want)
}

func TestQueue_HighPriorityQueuesPastConcurrency(t *testing.T) {
	q := New(Config{MaxConcurrent: 20, MaxQueued: 50}, nil)
	release := make(chan struct{})

	wg := blockN(t, q, 21, High, release)
	waitForStats(t, q, Stats{Ongoing: 20, Queued: 1})

	close(release)
	wg.Wait()
	waitForStats(t, q, Stats{Ongoing: 0, Queued: 0})
}

func TestQueue_LowPriorityRejectedWhenFull(t *testing.T) {
	q := New(Config{MaxConcurrent: 2, MaxQueued: 3}, nil)
	release := make(chan struct{})

	wg := blockN(t, q, 5, Low, release)
	waitForStats(t, q, Stats{Ongoing: 2, Queued: 3})

	ran := false
	err := q.Do(context.Background(), Low, func(ctx context.Context) error {
		ran = true
		return nil
	})
	if !errors.Is(err, ErrCapacity) {
		t.Fatalf("expected ErrCapacity, got %v", err)
	}
	if ran {
		t.Fatal("rejected work must not run")
	}

	// High priority still queues behind a full list.
	done := make(chan error, 1)
	go func() {
		done <- q.Do(context.Background(), High, func(ctx context.Context) error { return nil })
	}()
	waitForStats(t, q, Stats{Ongoing: 2, Queued: 4})

	close(release)
	wg.Wait()
	if err := <-done; err != nil {
		t.Fatalf("high priority work failed: %v", err)
	}
}

func TestQueue_FIFOOrder(t *testing.T) {
	q := New(Config{MaxConcurrent: 1, MaxQueued: 10}, nil)
	release := make(chan struct{})
	wg := blockN(t, q, 1, High, release)
	waitForStats(t, q, Stats{Ongoing: 1, Queued: 0})

	var mu sync.Mutex
	var order []int
	var all sync.WaitGroup
	for i := range 5 {
		all.Add(1)
		go func() {
			defer all.Done()
			_ = q.Do(context.Background(), Low, func(ctx context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}()
		waitForStats(t, q, Stats{Ongoing: 1, Queued: i + 1})
	}

	close(release)
	wg.Wait()
	all.Wait()

	for i, got := range order {
		if got != i {
			t.Fatalf("order = %v, want ascending", order)
		}
	}
}

func TestQueue_SlotReleasedOnError(t *testing.T) {
	q := New(Config{MaxConcurrent: 1, MaxQueued: 1}, nil)
	boom := errors.New("boom")

	err := q.Do(context.Background(), High, func(ctx context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if s := q.Stats(); s.Ongoing != 0 {
		t.Fatalf("slot leaked: %+v", s)
	}
}

func TestQueue_CancelWhileWaiting(t *testing.T) {
	q := New(Config{MaxConcurrent: 1, MaxQueued: 5}, nil)
	release := make(chan struct{})
	wg := blockN(t, q, 1, High, release)
	waitForStats(t, q, Stats{Ongoing: 1, Queued: 0})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- q.Do(ctx, Low, func(ctx context.Context) error {
			t.Error("cancelled work must not run")
			return nil
		})
	}()
	waitForStats(t, q, Stats{Ongoing: 1, Queued: 1})

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	waitForStats(t, q, Stats{Ongoing: 1, Queued: 0})

	close(release)
	wg.Wait()
}

func TestRun_ReturnsValue(t *testing.T) {
	q := New(Config{}, nil)
	got, err := Run(context.Background(), q, Low, func(ctx context.Context) (int, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 42 {
		t.Fatalf("got %d, want 42", got)
	}
}

func TestQueue_CloseDrains(t *testing.T) {
	q := New(Config{MaxConcurrent: 1, MaxQueued: 5}, nil)
	release := make(chan struct{})
	wg := blockN(t, q, 2, High, release)
	waitForStats(t, q, Stats{Ongoing: 1, Queued: 1})

	closed := make(chan error, 1)
	go func() { closed <- q.Close(context.Background()) }()

	select {
	case <-closed:
		t.Fatal("close returned before work drained")
	case <-time.After(20 * time.Millisecond):
	}

	if err := q.Do(context.Background(), High, func(ctx context.Context) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}

	close(release)
	wg.Wait()
	if err := <-closed; err != nil {
		t.Fatalf("close: %v", err)
	}
}
