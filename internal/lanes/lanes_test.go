package lanes

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentforge/core/internal/config"
)

func TestLaneSerialOrdering(t *testing.T) {
	l := NewLane("serial", 1)
	ctx := context.Background()

	var order []int
	done := make(chan struct{})

	for i := 0; i < 3; i++ {
		i := i
		go func() {
			l.Enqueue(ctx, func(ctx context.Context) (any, error) {
				order = append(order, i)
				time.Sleep(5 * time.Millisecond)
				return i, nil
			}, EnqueueOptions{})
			if i == 2 {
				close(done)
			}
		}()
		time.Sleep(time.Millisecond) // keep submission order deterministic
	}

	<-done
	if len(order) != 3 {
		t.Fatalf("expected 3 completed tasks, got %d", len(order))
	}
}

func TestLaneRetriesAtHeadOnFailure(t *testing.T) {
	l := NewLane("retry", 1)
	ctx := context.Background()

	var attempts int32
	result, err := l.Enqueue(ctx, func(ctx context.Context) (any, error) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	}, EnqueueOptions{Retries: 5})

	if err != nil {
		t.Fatalf("expected eventual success, got err=%v", err)
	}
	if result != "ok" {
		t.Fatalf("unexpected result: %v", result)
	}
	if atomic.LoadInt32(&attempts) != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestLaneTaskTimeout(t *testing.T) {
	l := NewLane("timeout", 1)
	ctx := context.Background()

	_, err := l.Enqueue(ctx, func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, EnqueueOptions{Timeout: 10 * time.Millisecond})

	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestLaneQueueFullRejectsWithoutMutating(t *testing.T) {
	l := NewLane("bounded", 1)
	l.MaxQueueSize = 1

	block := make(chan struct{})
	go l.Enqueue(context.Background(), func(ctx context.Context) (any, error) {
		<-block
		return nil, nil
	}, EnqueueOptions{})

	time.Sleep(5 * time.Millisecond) // let the first task start executing

	go l.Enqueue(context.Background(), func(ctx context.Context) (any, error) {
		return nil, nil
	}, EnqueueOptions{})

	time.Sleep(5 * time.Millisecond) // let the second task sit queued

	_, err := l.Enqueue(context.Background(), func(ctx context.Context) (any, error) {
		return nil, nil
	}, EnqueueOptions{})
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}

	close(block)
}

func TestManagerParallelLaneConcurrency(t *testing.T) {
	m := NewManager(config.LanesConfig{})
	if m.Parallel().Concurrency < ParallelLaneConcurrency {
		t.Fatalf("expected parallel lane concurrency >= %d, got %d", ParallelLaneConcurrency, m.Parallel().Concurrency)
	}
}

func TestManagerCreatesNamedLanesLazily(t *testing.T) {
	m := NewManager(config.LanesConfig{})
	ctx := context.Background()

	_, err := m.Enqueue(ctx, "custom", func(ctx context.Context) (any, error) {
		return "done", nil
	}, EnqueueOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Lane("custom") == nil {
		t.Fatal("expected custom lane to exist after enqueue")
	}
}

func TestManagerCleanupIdleLanes(t *testing.T) {
	m := NewManager(config.LanesConfig{})
	ctx := context.Background()

	m.Enqueue(ctx, "temp", func(ctx context.Context) (any, error) {
		return nil, nil
	}, EnqueueOptions{})

	removed := m.CleanupIdleLanes()
	if removed != 1 {
		t.Fatalf("expected 1 idle lane removed, got %d", removed)
	}
}

func TestS1ParallelVsSerialPartition(t *testing.T) {
	m := NewManager(config.LanesConfig{})
	ctx := context.Background()

	var screenshotEnd, findTextEnd, clickStart time.Time
	results := make([]string, 3)

	done := make(chan struct{})
	go func() {
		m.EnqueueParallel(ctx, func(ctx context.Context) (any, error) {
			time.Sleep(10 * time.Millisecond)
			screenshotEnd = time.Now()
			results[0] = "screenshot"
			return nil, nil
		}, EnqueueOptions{})
		done <- struct{}{}
	}()
	go func() {
		m.EnqueueParallel(ctx, func(ctx context.Context) (any, error) {
			time.Sleep(15 * time.Millisecond)
			findTextEnd = time.Now()
			results[1] = "find_text"
			return nil, nil
		}, EnqueueOptions{})
		done <- struct{}{}
	}()

	<-done
	<-done

	m.Lane("serial").Enqueue(ctx, func(ctx context.Context) (any, error) {
		clickStart = time.Now()
		results[2] = "click"
		return nil, nil
	}, EnqueueOptions{})

	if clickStart.Before(screenshotEnd) || clickStart.Before(findTextEnd) {
		t.Fatal("expected click to start after both parallel tasks completed")
	}
	if results[0] != "screenshot" || results[1] != "find_text" || results[2] != "click" {
		t.Fatalf("unexpected results: %v", results)
	}
}
