package worker

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// Runner is a long-lived loop stopped through its context.
type Runner interface {
	Run(ctx context.Context) error
}

// OutboxWorker runs the outbox dispatcher in the background.
type OutboxWorker struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// StartOutboxWorker launches runner in a goroutine. A nil runner yields a worker
// whose Stop is a no-op.
func StartOutboxWorker(ctx context.Context, runner Runner, logger *zap.Logger) *OutboxWorker {
	w := &OutboxWorker{done: make(chan struct{})}
	if runner == nil {
		close(w.done)
		return w
	}
	ctx, w.cancel = context.WithCancel(ctx)
	go func() {
		defer close(w.done)
		if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("outbox worker exited", zap.Error(err))
		}
	}()
	return w
}

// Stop cancels the loop and waits for it to return.
func (w *OutboxWorker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	<-w.done
}
