package gpu

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAcquireSerializes(t *testing.T) {
	l := NewLock(nil)
	release, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		rel, err := l.Acquire(context.Background())
		if err != nil {
			t.Errorf("second Acquire() error = %v", err)
			return
		}
		close(acquired)
		rel()
	}()

	select {
	case <-acquired:
		t.Fatal("second Acquire() succeeded while the lock was held")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second Acquire() never completed after release")
	}
}

func TestAcquireHonorsContext(t *testing.T) {
	l := NewLock(nil)
	release, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Acquire() error = %v, want deadline exceeded", err)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	l := NewLock(nil)
	release, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	release()
	release()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	again, err := l.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() after double release error = %v", err)
	}
	again()
}
