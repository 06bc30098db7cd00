package events

import (
	"context"
	"errors"
	"log/slog"

	"odmflush/pkg/platform/circuit"
)

// ErrBufferFull is returned by Channel.Publish when the worker has fallen behind.
var ErrBufferFull = errors.New("event buffer full")

// Worker drains an inbox into a publisher. A failed delivery is logged and the
// worker keeps going; flush outcomes are already settled by then.
//
// With a breaker, repeated failures open the circuit and every event that then
// fails is handed to the fallback (a dead-letter sink) instead of being dropped.
type Worker struct {
	sink     Publisher
	inbox    <-chan Event
	logger   *slog.Logger
	breaker  *circuit.Breaker
	fallback Publisher
}

type WorkerOption func(*Worker)

func WithBreaker(b *circuit.Breaker) WorkerOption {
	return func(w *Worker) {
		w.breaker = b
	}
}

// WithFallback receives events that fail while the circuit is open.
func WithFallback(p Publisher) WorkerOption {
	return func(w *Worker) {
		w.fallback = p
	}
}

func NewWorker(sink Publisher, inbox <-chan Event, logger *slog.Logger, opts ...WorkerOption) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{sink: sink, inbox: inbox, logger: logger}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run delivers events until ctx is cancelled or the inbox is closed.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.inbox:
			if !ok {
				return nil
			}
			w.deliver(ctx, event)
		}
	}
}

func (w *Worker) deliver(ctx context.Context, event Event) {
	err := w.sink.Publish(ctx, event)
	if err == nil {
		if w.breaker != nil {
			if _, change := w.breaker.RecordSuccess(); change.Closed {
				w.logger.InfoContext(ctx, "flush event sink recovered", "breaker", w.breaker.Name())
			}
		}
		return
	}

	w.logger.WarnContext(ctx, "flush event delivery failed",
		"root", event.Collection+"/"+event.RootID,
		"kind", string(event.Kind),
		"error", err)
	if w.breaker == nil {
		return
	}
	useFallback, change := w.breaker.RecordFailure()
	if change.Opened {
		w.logger.ErrorContext(ctx, "flush event sink circuit opened", "breaker", w.breaker.Name())
	}
	if useFallback && w.fallback != nil {
		if err := w.fallback.Publish(ctx, event); err != nil {
			w.logger.ErrorContext(ctx, "flush event fallback failed",
				"root", event.Collection+"/"+event.RootID,
				"error", err)
		}
	}
}

// Healthy reports an error while the breaker is open.
func (w *Worker) Healthy(context.Context) error {
	if w.breaker != nil && w.breaker.IsOpen() {
		return errors.New("event sink circuit " + w.breaker.Name() + " is open")
	}
	return nil
}
