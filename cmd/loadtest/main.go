// Command loadtest dispatches blog commands against a chosen backend and
// reports throughput while the projections keep the read models current.
//
// Every setting is read from CQRS_* environment variables, e.g.
//
//	CQRS_BACKEND=nats CQRS_N=20000 CQRS_POSTS=50 go run ./cmd/loadtest
//
// Run NATS with: docker run --net=host nats:latest -js
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/codewandler/cqrs-go/adapters/kafka"
	"github.com/codewandler/cqrs-go/adapters/nats"
	promadapter "github.com/codewandler/cqrs-go/adapters/prometheus"
	"github.com/codewandler/cqrs-go/adapters/sqlite"
	"github.com/codewandler/cqrs-go/core/app"
	"github.com/codewandler/cqrs-go/core/es"
	"github.com/codewandler/cqrs-go/core/es/estests/domain"
	"github.com/codewandler/cqrs-go/core/es/proj"
	"github.com/codewandler/cqrs-go/ports/kv"
)

// === Config ===

type config struct {
	App app.Config

	LogLevel    slog.Level    `env:"LOG_LEVEL" envDefault:"info"`
	Backend     string        `env:"BACKEND" envDefault:"memory"`
	N           int           `env:"N" envDefault:"10000"`
	Posts       int           `env:"POSTS" envDefault:"100"`
	Concurrency int           `env:"CONCURRENCY" envDefault:"16"`
	ReportEvery int           `env:"REPORT_EVERY" envDefault:"1000"`
	Timeout     time.Duration `env:"TIMEOUT" envDefault:"5m"`
	MetricsAddr string        `env:"METRICS_ADDR" envDefault:":2112"`
	// Consumer projects through the store's stream instead of after every
	// command.
	Consumer bool `env:"CONSUMER" envDefault:"false"`
	Kafka    bool `env:"KAFKA" envDefault:"false"`

	SQLite      sqlite.Config      `envPrefix:"SQLITE_"`
	NATS        nats.ConnectConfig `envPrefix:"NATS_"`
	KafkaConfig kafka.Config       `envPrefix:"KAFKA_"`
}

type backend struct {
	store       es.EventStore
	snapshotter es.Snapshotter
	readModels  proj.ReadModelStore
	checkpoints kv.Store
	close       func()
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var cfg config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: app.EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}

	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, cfg.Timeout)
	defer cancelTimeout()

	// === metrics ===

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := promadapter.NewESMetrics(promReg)

	if cfg.MetricsAddr != "" {
		promMux := http.NewServeMux()
		promMux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: promMux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		defer func() { _ = srv.Close() }()
		log.Info("serving metrics", slog.String("addr", cfg.MetricsAddr))
	}

	// === wire ===

	b, err := openBackend(cfg, log)
	if err != nil {
		return err
	}
	defer b.close()

	registry, err := domain.NewRegistry()
	if err != nil {
		return err
	}

	opts := []app.Option{
		app.WithLog(log),
		app.WithConfig(cfg.App),
		app.WithSnapshotter(b.snapshotter),
		app.WithMetrics(metrics),
		app.WithCheckpoints(b.checkpoints),
	}
	if cfg.Kafka {
		notifier, err := kafka.NewNotifier(cfg.KafkaConfig, log)
		if err != nil {
			return err
		}
		defer func() { _ = notifier.Close() }()
		opts = append(opts, app.WithNotifier(notifier))
	}

	a, err := app.New(b.store, registry, domain.Projections(registry), b.readModels, opts...)
	if err != nil {
		return err
	}
	if cfg.Consumer {
		if err := a.Start(ctx); err != nil {
			return err
		}
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
		defer cancel()
		if err := a.Shutdown(shutdownCtx); err != nil {
			log.Error("shutdown failed", slog.Any("error", err))
		}
	}()

	return load(ctx, cfg, a, log)
}

func openBackend(cfg config, log *slog.Logger) (*backend, error) {
	switch cfg.Backend {
	case "memory":
		return &backend{
			store:       es.NewInMemoryStore(),
			snapshotter: es.NewInMemorySnapshotter(),
			readModels:  proj.NewInMemoryStore(),
			checkpoints: kv.NewMemStore(),
			close:       func() {},
		}, nil

	case "sqlite":
		db, err := sqlite.Open(cfg.SQLite, log)
		if err != nil {
			return nil, err
		}
		return &backend{
			store:       db.EventStore(),
			snapshotter: db.Snapshotter(),
			readModels:  db.ReadModels(),
			checkpoints: db.KV(),
			close:       func() { _ = db.Close() },
		}, nil

	case "nats":
		connect := nats.ReuseConnection(nats.Connect(cfg.NATS))
		store, err := nats.NewEventStore(nats.EventStoreConfig{
			Connect:       connect,
			Log:           log,
			SubjectPrefix: "cqrs.loadtest",
			StreamName:    "CQRS_LOADTEST",
		})
		if err != nil {
			return nil, err
		}
		snapshotter, err := nats.NewSnapshotter(nats.KvConfig{Connect: connect, Bucket: "loadtest_snapshots"})
		if err != nil {
			return nil, err
		}
		readModels, err := nats.NewReadModelStore(nats.KvConfig{Connect: connect, Bucket: "loadtest_read_models"})
		if err != nil {
			return nil, err
		}
		checkpoints, err := nats.NewKvStore(nats.KvConfig{Connect: connect, Bucket: "loadtest_checkpoints"})
		if err != nil {
			return nil, err
		}
		return &backend{
			store:       store,
			snapshotter: snapshotter,
			readModels:  readModels,
			checkpoints: checkpoints,
			close: func() {
				_ = checkpoints.Close()
				_ = readModels.Close()
				_ = snapshotter.Close()
				_ = store.Close()
			},
		}, nil
	}
	return nil, fmt.Errorf("unknown backend %q (memory, sqlite, nats)", cfg.Backend)
}

// === Load ===

func load(ctx context.Context, cfg config, a *app.App, log *slog.Logger) error {
	log.Info(
		"starting",
		slog.String("backend", cfg.Backend),
		slog.Int("n", cfg.N),
		slog.Int("posts", cfg.Posts),
		slog.Int("concurrency", cfg.Concurrency),
		slog.Bool("consumer", cfg.Consumer),
	)

	authorID := uuid.New()
	if _, err := a.Dispatch(ctx, app.Meta{}, func(_ context.Context, r *es.Register) error {
		r.Events(domain.AuthorRegistered{AuthorID: authorID, Handle: "loadtest", DisplayName: "Load Test"})
		return nil
	}); err != nil {
		return err
	}

	posts := make([]uuid.UUID, cfg.Posts)
	for i := range posts {
		posts[i] = uuid.New()
		if _, err := a.Dispatch(ctx, app.Meta{}, func(_ context.Context, r *es.Register) error {
			r.Events(domain.PostCreated{PostID: posts[i], Title: "post 0", Author: "loadtest", Tags: []string{"loadtest"}})
			return nil
		}); err != nil {
			return err
		}
	}

	var (
		done     atomic.Int64
		startAt  = time.Now()
		lastAt   atomic.Int64
		g, gctx  = errgroup.WithContext(ctx)
		reportAt = int64(max(cfg.ReportEvery, 1))
	)
	lastAt.Store(startAt.UnixNano())
	g.SetLimit(max(cfg.Concurrency, 1))

	for i := range cfg.N {
		g.Go(func() error {
			id := posts[i%len(posts)]
			_, err := a.Dispatch(gctx, app.Meta{}, func(_ context.Context, r *es.Register) error {
				r.Events(domain.PostTitleChanged{PostID: id, Title: fmt.Sprintf("post %d", i+1)})
				return nil
			})
			if err != nil {
				return err
			}
			if n := done.Add(1); n%reportAt == 0 {
				now := time.Now()
				took := now.Sub(time.Unix(0, lastAt.Swap(now.UnixNano())))
				mu := getMemUsage()
				fmt.Printf(
					" | %7d commands | %6d ms | %7d commands/s | (%d / %d) MiB mem (sys) |\n",
					n, took.Milliseconds(), int(float64(reportAt)/took.Seconds()), mu.Alloc/1024/1024, mu.Sys/1024/1024,
				)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	took := time.Since(startAt)
	runtime.GC()

	fmt.Println("==========================================")
	fmt.Printf("  total runtime: %.3f seconds\n", took.Seconds())
	fmt.Printf("avg. commands/s: %d\n", int(float64(cfg.N)/took.Seconds()))

	return verify(ctx, cfg, a, posts)
}

// verify waits until every post read model reflects its last title change.
func verify(ctx context.Context, cfg config, a *app.App, posts []uuid.UUID) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	edits := 0
	for _, id := range posts {
		entity, err := es.Load[domain.Post](ctx, a.Snapshots(), id)
		if err != nil {
			return err
		}
		for {
			rm, version, err := proj.Get[domain.PostReadModel](ctx, a.ReadModels(), id.String())
			if err != nil {
				return err
			}
			if rm != nil && rm.Edits == entity.Edits {
				edits += rm.Edits
				break
			}
			// consumer mode projects asynchronously
			select {
			case <-ctx.Done():
				return fmt.Errorf("read model %s stuck at version %d: %w", id, version, ctx.Err())
			case <-time.After(50 * time.Millisecond):
			}
		}
	}
	fmt.Printf("  projected edits: %d of %d\n", edits, cfg.N)
	return nil
}

// === stats helpers ===

type MemUsage struct {
	Alloc      uint64 // bytes allocated and not yet freed (heap)
	TotalAlloc uint64 // cumulative bytes allocated
	Sys        uint64 // total bytes obtained from OS
	NumGC      uint32 // gc cycles
}

func getMemUsage() MemUsage {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return MemUsage{
		Alloc:      m.Alloc,
		TotalAlloc: m.TotalAlloc,
		Sys:        m.Sys,
		NumGC:      m.NumGC,
	}
}
