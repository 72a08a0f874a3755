package es

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Checkpoint is implemented by handlers that track their processing progress.
// The Consumer resumes after the returned sequence.
type Checkpoint interface {
	GetLastSeq(ctx context.Context) (uint64, error)
}

// Decoder turns a stored envelope into its payload. Registry implements it.
type Decoder interface {
	DecodeEvent(e Envelope) (any, error)
}

// MsgCtx provides context for handling a single event: the envelope, its
// decoded payload and whether the consumer already caught up with the store.
type MsgCtx struct {
	ctx  context.Context
	log  *slog.Logger
	ev   Envelope
	evt  any
	live bool
}

func (c MsgCtx) Log() *slog.Logger        { return c.log }
func (c MsgCtx) Context() context.Context { return c.ctx }
func (c MsgCtx) Event() any               { return c.evt }
func (c MsgCtx) Live() bool               { return c.live }

func (c MsgCtx) Seq() uint64            { return c.ev.Seq }
func (c MsgCtx) Envelope() Envelope     { return c.ev }
func (c MsgCtx) EntityID() uuid.UUID    { return c.ev.EntityID }
func (c MsgCtx) EntityTypeName() string { return c.ev.EntityTypeName }
func (c MsgCtx) Value() json.RawMessage { return c.ev.Value }
func (c MsgCtx) TypeName() string       { return c.ev.TypeName }
func (c MsgCtx) CreatedAt() time.Time   { return c.ev.CreatedAt }
func (c MsgCtx) Key() EntityKey         { return c.ev.Key() }

// Consumer subscribes to a store and hands every appended event to a
// Handler. With a checkpoint middleware it resumes where it left off.
type Consumer struct {
	store           Stream
	decoder         Decoder
	handler         Handler
	log             *slog.Logger
	live            chan struct{}
	isLive          atomic.Bool
	closeChan       chan struct{}
	closeOnce       sync.Once
	done            chan struct{}
	shutdownTimeout time.Duration
	name            string
	metrics         ESMetrics
	filters         []SubscribeFilter
}

func (c *Consumer) handle(ctx context.Context, ev Envelope) error {
	live := c.isLive.Load()

	defer c.metrics.ConsumerEventDuration(ev.TypeName, live).ObserveDuration()

	var (
		evt any
		err error
	)
	if !ev.Tombstoned() {
		if evt, err = c.decoder.DecodeEvent(ev); err != nil {
			c.metrics.ConsumerEventProcessed(ev.TypeName, live, false)
			return fmt.Errorf("failed to decode event: %w", err)
		}
	}
	msgCtx := MsgCtx{
		ctx:  ctx,
		ev:   ev,
		evt:  evt,
		live: live,
		log:  c.log.With(ev.logAttrs()),
	}
	if err := c.handler.Handle(msgCtx); err != nil {
		c.metrics.ConsumerEventProcessed(ev.TypeName, live, false)
		return fmt.Errorf("failed to handle event: %w", err)
	}
	c.metrics.ConsumerEventProcessed(ev.TypeName, live, true)
	return nil
}

// Start subscribes and blocks until the consumer caught up with every event
// stored at subscription time. Processing continues in the background until
// ctx is done or Stop is called.
func (c *Consumer) Start(ctx context.Context) error {
	c.log.Info("starting event consumer", slog.String("handler", fmt.Sprintf("%T", c.handler)))

	if lc, ok := find[HandlerLifecycleStart](c.handler); ok {
		if err := lc.Start(ctx); err != nil {
			return fmt.Errorf("failed to start consumer lifecycle: %w", err)
		}
		c.log.Debug("handler started")
	}

	var lastSeenSeq uint64
	if cp, ok := find[Checkpoint](c.handler); ok {
		var err error
		if lastSeenSeq, err = cp.GetLastSeq(ctx); err != nil {
			return err
		}
	}

	c.log.Info("subscribing", slog.Uint64("last_seen_seq", lastSeenSeq))

	sub, err := c.store.Subscribe(
		ctx,
		WithDeliverPolicy(DeliverAllPolicy),
		WithStartSequence(lastSeenSeq+1),
		WithFilters(c.filters...),
	)
	if err != nil {
		return err
	}

	liveAt := sub.MaxSequence()
	if liveAt == 0 || liveAt <= lastSeenSeq {
		c.isLive.Store(true)
		close(c.live)
	}

	go func() {
		defer func() {
			sub.Cancel()
			if lc, ok := find[HandlerLifecycleShutdown](c.handler); ok {
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.shutdownTimeout)
				defer cancel()
				if err := lc.Shutdown(shutdownCtx); err != nil {
					c.log.Error("failed to shutdown consumer lifecycle", slog.Any("error", err))
				}
			}
			c.log.Info("stopped")
			close(c.done)
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case <-c.closeChan:
				return

			case ev := <-sub.Chan():
				if err := c.handle(ctx, ev); err != nil {
					c.log.Error("event handler failed", slog.Any("error", err))
				}
				if !c.isLive.Load() && ev.Seq >= liveAt {
					c.isLive.Store(true)
					close(c.live)
				}
				if liveAt > ev.Seq {
					c.metrics.ConsumerLag(c.name, int64(liveAt-ev.Seq))
				} else {
					c.metrics.ConsumerLag(c.name, 0)
				}
			}
		}
	}()

	c.log.Debug("started, waiting until live")
	select {
	case <-c.live:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.log.Debug("became live")

	return nil
}

func (c *Consumer) Live() bool { return c.isLive.Load() }

func (c *Consumer) Stop() {
	c.closeOnce.Do(func() {
		close(c.closeChan)
		<-c.done
	})
}

func NewConsumer(
	store Stream,
	decoder Decoder,
	handler Handler,
	opts ...ConsumerOption,
) *Consumer {
	options := newConsumerOpts(opts...)
	log := options.log.With(slog.String("consumer", options.name))

	return &Consumer{
		log:             log,
		store:           store,
		decoder:         decoder,
		closeChan:       make(chan struct{}),
		done:            make(chan struct{}),
		live:            make(chan struct{}),
		handler:         applyMiddlewares(handler, options.mws),
		shutdownTimeout: options.shutdownTimeout,
		name:            options.name,
		metrics:         options.metrics,
		filters:         options.filters,
	}
}
