package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/okian/tally/internal/domain/model"
)

func job(key string) Job {
	return Job{Key: key, Run: func(context.Context) error { return nil }}
}

func TestInMemoryQueue_BasicOperations(t *testing.T) {
	q := NewInMemoryQueue(WithCapacity(2), WithName("0"))
	ctx := context.Background()

	if l := q.Len(); l != 0 {
		t.Errorf("expected length 0, got %d", l)
	}
	if err := q.Enqueue(ctx, job("s1|t1|c1")); err != nil {
		t.Fatalf("expected enqueue to succeed, got %v", err)
	}
	if l := q.Len(); l != 1 {
		t.Errorf("expected length 1, got %d", l)
	}

	select {
	case j := <-q.Dequeue():
		if j.Key != "s1|t1|c1" {
			t.Errorf("unexpected job key %q", j.Key)
		}
		if j.Enqueued.IsZero() {
			t.Error("enqueue time not stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for job")
	}
}

func TestInMemoryQueue_Capacity(t *testing.T) {
	q := NewInMemoryQueue(WithCapacity(2))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := q.Enqueue(ctx, job(fmt.Sprint(i))); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	err := q.Enqueue(ctx, job("overflow"))
	if !errors.Is(err, ErrFull) || !errors.Is(err, model.ErrBackpressure) {
		t.Errorf("expected backpressure when full, got %v", err)
	}
	if l := q.Len(); l != 2 {
		t.Errorf("expected length 2, got %d", l)
	}
}

func TestInMemoryQueue_CancelledContext(t *testing.T) {
	q := NewInMemoryQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := q.Enqueue(ctx, job("k")); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context error, got %v", err)
	}
}

func TestInMemoryQueue_FIFO(t *testing.T) {
	q := NewInMemoryQueue(WithCapacity(100))
	ctx := context.Background()
	var wg sync.WaitGroup
	got := make([]string, 0, 50)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := range q.Dequeue() {
			got = append(got, j.Key)
		}
	}()
	for i := 0; i < 50; i++ {
		if err := q.Enqueue(ctx, job(fmt.Sprint(i))); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	_ = q.Close()
	wg.Wait()
	for i, k := range got {
		if k != fmt.Sprint(i) {
			t.Fatalf("order broken at %d: %s", i, k)
		}
	}
	if len(got) != 50 {
		t.Errorf("expected 50 jobs, got %d", len(got))
	}
}

func TestInMemoryQueue_GracefulShutdown(t *testing.T) {
	q := NewInMemoryQueue(WithCapacity(10))
	ctx := context.Background()

	if err := q.Enqueue(ctx, job("a")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if q.IsClosed() {
		t.Error("expected queue to be open initially")
	}
	if err := q.Close(); err != nil {
		t.Errorf("expected close to succeed, got error: %v", err)
	}
	if !q.IsClosed() {
		t.Error("expected queue to be closed after Close()")
	}
	if err := q.Enqueue(ctx, job("b")); !errors.Is(err, ErrClosed) {
		t.Errorf("expected closed error, got %v", err)
	}

	// queued work drains before the channel reports closed
	if j, ok := <-q.Dequeue(); !ok || j.Key != "a" {
		t.Errorf("expected queued job to drain, got %v %v", j.Key, ok)
	}
	if _, ok := <-q.Dequeue(); ok {
		t.Error("expected dequeue channel to be closed")
	}
	if err := q.Close(); err != nil {
		t.Errorf("expected second close to succeed, got error: %v", err)
	}
}
