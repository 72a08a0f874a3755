package es

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type (
	// Handler processes one event delivered by a Consumer.
	Handler interface {
		Handle(msgCtx MsgCtx) error
	}
	HandlerLifecycleStart interface {
		Start(ctx context.Context) error
	}
	HandlerLifecycleShutdown interface {
		Shutdown(ctx context.Context) error
	}
	HandleFunc        func(msgCtx MsgCtx) error
	HandlerMiddleware func(next Handler) Handler
)

func (f HandleFunc) Handle(msgCtx MsgCtx) error { return f(msgCtx) }

func Handle(f HandleFunc) HandleFunc { return f }

// wrapper is implemented by middlewares so the Consumer can reach the
// checkpoint and lifecycle hooks of the handlers they wrap.
type wrapper interface {
	Unwrap() Handler
}

// find returns the outermost handler in the chain implementing T.
func find[T any](h Handler) (T, bool) {
	for h != nil {
		if t, ok := h.(T); ok {
			return t, true
		}
		w, ok := h.(wrapper)
		if !ok {
			break
		}
		h = w.Unwrap()
	}
	var zero T
	return zero, false
}

func applyMiddlewares(h Handler, middlewares []HandlerMiddleware) Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

type middlewareFunc struct {
	next Handler
	fn   func(msgCtx MsgCtx, next Handler) error
}

func (m *middlewareFunc) Handle(msgCtx MsgCtx) error { return m.fn(msgCtx, m.next) }
func (m *middlewareFunc) Unwrap() Handler            { return m.next }

// MiddlewareHandle builds a middleware from a function that decides whether
// and how to call next.
func MiddlewareHandle(fn func(msgCtx MsgCtx, next Handler) error) HandlerMiddleware {
	return func(next Handler) Handler {
		return &middlewareFunc{next: next, fn: fn}
	}
}

// NewLogMiddleware logs every handled event, failures at error level.
func NewLogMiddleware(attrs ...any) HandlerMiddleware {
	return MiddlewareHandle(func(msgCtx MsgCtx, next Handler) error {
		start := time.Now()
		log := msgCtx.Log().With(attrs...).With(slog.Bool("live", msgCtx.Live()))

		err := next.Handle(msgCtx)
		if err != nil {
			log.Error("failed", slog.Any("error", err), slog.Duration("duration", time.Since(start)))
			return err
		}
		log.Debug("handled", slog.Duration("duration", time.Since(start)))
		return nil
	})
}

// NewRecoverMiddleware turns a panicking handler into a failed event.
func NewRecoverMiddleware() HandlerMiddleware {
	return MiddlewareHandle(func(msgCtx MsgCtx, next Handler) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panicked on event %s (seq %d): %v", msgCtx.Envelope().ID, msgCtx.Seq(), r)
			}
		}()
		return next.Handle(msgCtx)
	})
}

// NewRetryMiddleware retries a failing event with the backoff returned by
// newBackOff before reporting the failure.
func NewRetryMiddleware(newBackOff func() backoff.BackOff) HandlerMiddleware {
	return MiddlewareHandle(func(msgCtx MsgCtx, next Handler) error {
		attempts := 0
		return backoff.Retry(func() error {
			attempts++
			err := next.Handle(msgCtx)
			if err != nil {
				msgCtx.Log().Warn("handler failed", slog.Int("attempt", attempts), slog.Any("error", err))
			}
			return err
		}, backoff.WithContext(newBackOff(), msgCtx.Context()))
	})
}

// checkpointHandler skips events at or before the stored checkpoint and
// advances it after every handled event. Once an event fails the checkpoint
// stays before it, so the next start redelivers it. Later events are still
// handled and are redelivered as well.
type checkpointHandler struct {
	cp   CpStore
	next Handler
	// seq of the first failed event, 0 if none; the Consumer calls Handle
	// from one goroutine
	failedAt uint64
}

func (c *checkpointHandler) GetLastSeq(ctx context.Context) (uint64, error) { return c.cp.Get(ctx) }
func (c *checkpointHandler) Unwrap() Handler                                { return c.next }

func (c *checkpointHandler) Handle(msgCtx MsgCtx) error {
	last, err := c.cp.Get(msgCtx.Context())
	if err != nil {
		return fmt.Errorf("read checkpoint: %w", err)
	}
	if msgCtx.Seq() <= last {
		msgCtx.Log().Debug("already processed", slog.Uint64("checkpoint", last))
		return nil
	}

	if err := c.next.Handle(msgCtx); err != nil {
		if c.failedAt == 0 {
			c.failedAt = msgCtx.Seq()
			msgCtx.Log().Error("checkpoint held before failed event", slog.Uint64("checkpoint", last))
		}
		return err
	}
	if c.failedAt != 0 {
		return nil
	}
	if err := c.cp.Set(msgCtx.Context(), msgCtx.Seq()); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

var (
	_ Handler    = (*checkpointHandler)(nil)
	_ Checkpoint = (*checkpointHandler)(nil)
)

// NewCheckpointMiddleware records the sequence of the last handled event in
// cp. The Consumer resumes after it, wherever the middleware sits in the chain.
func NewCheckpointMiddleware(cp CpStore) HandlerMiddleware {
	return func(next Handler) Handler {
		return &checkpointHandler{cp: cp, next: next}
	}
}
