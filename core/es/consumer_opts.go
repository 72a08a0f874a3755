package es

import (
	"fmt"
	"log/slog"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

type (
	consumerOpts struct {
		mws             []HandlerMiddleware
		log             *slog.Logger
		name            string
		metrics         ESMetrics
		shutdownTimeout time.Duration
		filters         []SubscribeFilter
	}

	ConsumerOption interface {
		applyToConsumerOpts(*consumerOpts)
	}

	ConsumerNameOption    valueOption[string]
	MiddlewareOption      valueOption[[]HandlerMiddleware]
	ShutdownTimeoutOption valueOption[time.Duration]
	ConsumerFiltersOption valueOption[[]SubscribeFilter]
	ConsumerOptions       MultiOption[ConsumerOption]
)

func (o ConsumerNameOption) applyToConsumerOpts(opts *consumerOpts) { opts.name = o.v }
func (o MiddlewareOption) applyToConsumerOpts(opts *consumerOpts) {
	opts.mws = append(opts.mws, o.v...)
}
func (o LogOption) applyToConsumerOpts(opts *consumerOpts)             { opts.log = o.l }
func (o ESMetricsOption) applyToConsumerOpts(opts *consumerOpts)       { opts.metrics = o.m }
func (o ShutdownTimeoutOption) applyToConsumerOpts(opts *consumerOpts) { opts.shutdownTimeout = o.v }
func (o ConsumerFiltersOption) applyToConsumerOpts(opts *consumerOpts) { opts.filters = o.v }
func (o ConsumerOptions) applyToConsumerOpts(opts *consumerOpts) {
	for _, opt := range o.opts {
		opt.applyToConsumerOpts(opts)
	}
}

// WithMiddlewares wraps the handler. The first middleware is the outermost.
func WithMiddlewares(mws ...HandlerMiddleware) MiddlewareOption {
	return MiddlewareOption{v: mws}
}
func WithConsumerOpts(opts ...ConsumerOption) ConsumerOptions { return ConsumerOptions{opts: opts} }
func WithConsumerName(name string) ConsumerNameOption         { return ConsumerNameOption{v: name} }
func WithShutdownTimeout(d time.Duration) ShutdownTimeoutOption {
	return ShutdownTimeoutOption{v: d}
}

// WithConsumerFilters restricts the consumer to matching entities.
func WithConsumerFilters(filters ...SubscribeFilter) ConsumerFiltersOption {
	return ConsumerFiltersOption{v: filters}
}

func newConsumerOpts(opts ...ConsumerOption) consumerOpts {
	options := consumerOpts{
		log:             slog.Default(),
		name:            fmt.Sprintf("consumer-%s", gonanoid.Must(6)),
		metrics:         NopESMetrics(),
		shutdownTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt.applyToConsumerOpts(&options)
	}
	return options
}
