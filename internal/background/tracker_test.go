package background

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func TestWaitDrainsTasks(t *testing.T) {
	tracker := NewTracker(time.Second, zaptest.NewLogger(t))

	var done atomic.Int32
	for i := 0; i < 3; i++ {
		tracker.WaitUntil("persist", func(ctx context.Context) error {
			time.Sleep(10 * time.Millisecond)
			done.Add(1)
			return nil
		})
	}

	if err := tracker.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := done.Load(); got != 3 {
		t.Fatalf("expected 3 settled tasks, got %d", got)
	}
}

func TestFailedTaskDoesNotFailLaterWaits(t *testing.T) {
	tracker := NewTracker(time.Second, zaptest.NewLogger(t))

	tracker.WaitUntil("fails", func(ctx context.Context) error { return errors.New("transient db error") })
	if err := tracker.Wait(context.Background()); err != nil {
		t.Fatalf("task failures must not surface from Wait, got %v", err)
	}

	var ran atomic.Bool
	tracker.WaitUntil("succeeds", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	if err := tracker.Wait(context.Background()); err != nil {
		t.Fatalf("Wait after only successful tasks: %v", err)
	}
	if !ran.Load() {
		t.Fatal("expected the second task to run")
	}
}

func TestTaskContextHasDeadline(t *testing.T) {
	tracker := NewTracker(20*time.Millisecond, zaptest.NewLogger(t))

	taskErr := make(chan error, 1)
	tracker.WaitUntil("slow", func(ctx context.Context) error {
		<-ctx.Done()
		taskErr <- ctx.Err()
		return ctx.Err()
	})

	if err := tracker.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if err := <-taskErr; !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded inside the task, got %v", err)
	}
}

func TestWaitGivesUpWithContext(t *testing.T) {
	// The blocked task settles after the test returns, so it must not log through t.
	tracker := NewTracker(time.Second, zap.NewNop())
	release := make(chan struct{})
	defer close(release)

	tracker.WaitUntil("blocked", func(ctx context.Context) error {
		<-release
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := tracker.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
