package background

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Tracker keeps work scheduled after a response alive until it settles. The server
// drains it on shutdown so in-flight persistence is not dropped.
type Tracker struct {
	group   errgroup.Group
	timeout time.Duration
	logger  *zap.Logger
}

func NewTracker(timeout time.Duration, logger *zap.Logger) *Tracker {
	return &Tracker{timeout: timeout, logger: logger}
}

// WaitUntil runs task in the background with its own deadline, detached from any
// request context. Task failures are logged here and do not surface from Wait.
func (t *Tracker) WaitUntil(name string, task func(ctx context.Context) error) {
	t.group.Go(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
		defer cancel()

		start := time.Now()
		if err := task(ctx); err != nil {
			t.logger.Error("background task failed", zap.String("task", name), zap.Error(err))
		} else {
			t.logger.Debug("background task settled", zap.String("task", name), zap.Duration("took", time.Since(start)))
		}
		return nil
	})
}

// Wait blocks until every scheduled task has returned. It only fails when ctx is done
// first.
func (t *Tracker) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.group.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
