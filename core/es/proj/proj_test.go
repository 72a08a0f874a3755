package proj

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/cqrs-go/core/es"
)

type (
	article struct {
		ID      uuid.UUID `json:"id"`
		Title   string    `json:"title"`
		Tags    []string  `json:"tags"`
		Deleted bool      `json:"deleted"`
	}

	articleView struct {
		Title string `json:"title"`
		Seen  int    `json:"seen"`
	}

	tagIndex struct {
		Tag      string   `json:"tag"`
		Articles []string `json:"articles"`
	}
)

func (tagIndex) ReadModelType() string { return "tag_index" }

func byArticleID() JoinKey[article] {
	return By("article_id", func(a *article) string { return a.ID.String() })
}

func viewProjection() *Projection {
	return New(byArticleID(), func(a *article, _ string, cur *articleView) (Result[articleView], error) {
		if a.Deleted {
			return Delete[articleView](), nil
		}
		next := articleView{Title: a.Title}
		if cur != nil {
			next.Seen = cur.Seen
		}
		next.Seen++
		return Set(&next), nil
	})
}

func tagProjection() *Projection {
	return New(ByEach("tags", func(a *article) []string { return a.Tags }),
		func(a *article, tag string, cur *tagIndex) (Result[tagIndex], error) {
			next := tagIndex{Tag: tag}
			if cur != nil {
				next = *cur
			}
			for _, id := range next.Articles {
				if id == a.ID.String() {
					return Nothing[tagIndex](), nil
				}
			}
			next.Articles = append(next.Articles, a.ID.String())
			return Set(&next), nil
		})
}

func newRegistry(t *testing.T, projections ...*Projection) *Registry {
	t.Helper()
	entities := es.NewRegistry()
	es.RegisterEntity[article](entities)
	r := NewRegistry(entities).Add(projections...)
	require.NoError(t, r.Validate())
	return r
}

func entityOf(a *article) *es.Entity {
	return &es.Entity{TypeName: "article", ID: a.ID, Value: a, Seq: 1, At: time.Now()}
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryInitialInterval = time.Millisecond
	cfg.RetryMaxInterval = 2 * time.Millisecond
	return cfg
}

func TestJoinKey_Targets(t *testing.T) {
	a := &article{ID: uuid.New(), Tags: []string{"go", "", "es", "go"}}

	require.Equal(t, []string{a.ID.String()}, byArticleID().targets(a))
	require.Equal(t, []string{"go", "es"}, ByEach("tags", func(a *article) []string { return a.Tags }).targets(a))
	require.Equal(t, []string{"go", "", "es", "go"}, a.Tags, "source slice untouched")
	require.Empty(t, By("none", func(*article) string { return "" }).targets(a))
}

func TestResult_Outcome(t *testing.T) {
	require.Equal(t, OutcomeValue, Set(&articleView{}).Outcome())
	require.Equal(t, OutcomeNothing, Set[articleView](nil).Outcome())
	require.Equal(t, OutcomeDelete, Delete[articleView]().Outcome())
	require.Equal(t, OutcomeNothing, Nothing[articleView]().Outcome())
	require.Equal(t, OutcomeNothing, Result[articleView]{}.Outcome())
}

func TestRegistry_Validate(t *testing.T) {
	entities := es.NewRegistry()
	es.RegisterEntity[article](entities)

	r := NewRegistry(entities).Add(viewProjection(), viewProjection())
	require.ErrorIs(t, r.Validate(), es.ErrInvalidConfiguration)
	require.Len(t, r.For("article"), 1)

	type unknown struct{}
	r = NewRegistry(entities).Add(New(By("id", func(*unknown) string { return "x" }),
		func(*unknown, string, *articleView) (Result[articleView], error) { return Nothing[articleView](), nil }))
	require.ErrorIs(t, r.Validate(), es.ErrUnknownType)
}

func TestEngine_ValueThenUpdate(t *testing.T) {
	var (
		store  = NewInMemoryStore()
		engine = NewEngine(store, newRegistry(t, viewProjection()), WithConfig(fastConfig()))
		a      = &article{ID: uuid.New(), Title: "Hello"}
	)

	require.NoError(t, engine.Project(t.Context(), entityOf(a)))
	v, version, err := Get[articleView](t.Context(), store, a.ID.String())
	require.NoError(t, err)
	require.Equal(t, es.Version(1), version)
	require.Equal(t, &articleView{Title: "Hello", Seen: 1}, v)

	a.Title = "Hello, world"
	require.NoError(t, engine.Project(t.Context(), entityOf(a)))
	v, version, err = Get[articleView](t.Context(), store, a.ID.String())
	require.NoError(t, err)
	require.Equal(t, es.Version(2), version)
	require.Equal(t, &articleView{Title: "Hello, world", Seen: 2}, v)
}

func TestEngine_NothingAndUndefined(t *testing.T) {
	var (
		store  = NewInMemoryStore()
		calls  atomic.Int32
		engine = NewEngine(store, newRegistry(t, New(byArticleID(),
			func(*article, string, *articleView) (Result[articleView], error) {
				calls.Add(1)
				return Nothing[articleView](), nil
			})))
		a = &article{ID: uuid.New()}
	)

	require.NoError(t, engine.Project(t.Context(), entityOf(a)))
	require.NoError(t, engine.Project(t.Context(), nil))
	require.NoError(t, engine.Project(t.Context(), &es.Entity{TypeName: "article", ID: a.ID}))
	require.Equal(t, int32(1), calls.Load())
	require.Zero(t, store.Len("articleView"))
}

func TestEngine_Delete(t *testing.T) {
	var (
		store   = NewInMemoryStore()
		changes []Change
		engine  = NewEngine(store, newRegistry(t, viewProjection()),
			WithNotifier(NotifierFunc(func(_ context.Context, c Change) error {
				changes = append(changes, c)
				return nil
			})))
		a = &article{ID: uuid.New(), Title: "Hello"}
	)

	require.NoError(t, engine.Project(t.Context(), entityOf(a)))
	require.Equal(t, 1, store.Len("articleView"))

	a.Deleted = true
	require.NoError(t, engine.Project(t.Context(), entityOf(a)))
	require.Zero(t, store.Len("articleView"))

	// deleting again is a no-op
	require.NoError(t, engine.Project(t.Context(), entityOf(a)))

	require.Len(t, changes, 2)
	require.False(t, changes[0].Deleted)
	require.JSONEq(t, `{"title":"Hello","seen":1}`, string(changes[0].Value))
	require.True(t, changes[1].Deleted)
	require.Equal(t, es.Version(1), changes[1].Version)
}

func TestEngine_FanOut(t *testing.T) {
	var (
		store  = NewInMemoryStore()
		engine = NewEngine(store, newRegistry(t, viewProjection(), tagProjection()))
		a      = &article{ID: uuid.New(), Title: "A", Tags: []string{"go", "es", "go"}}
		b      = &article{ID: uuid.New(), Title: "B", Tags: []string{"go"}}
	)

	require.NoError(t, engine.Project(t.Context(), entityOf(a)))
	require.NoError(t, engine.Project(t.Context(), entityOf(b)))
	require.NoError(t, engine.Project(t.Context(), entityOf(a)))

	require.Equal(t, 2, store.Len("tag_index"))
	require.Equal(t, 2, store.Len("articleView"))

	goIdx, version, err := Get[tagIndex](t.Context(), store, "go")
	require.NoError(t, err)
	require.Equal(t, es.Version(2), version, "third projection of a changed nothing")
	require.Equal(t, []string{a.ID.String(), b.ID.String()}, goIdx.Articles)

	esIdx, _, err := Get[tagIndex](t.Context(), store, "es")
	require.NoError(t, err)
	require.Equal(t, []string{a.ID.String()}, esIdx.Articles)
}

// racingStore lets a concurrent writer win between the first fetch and the
// first store of every read model.
type racingStore struct {
	*InMemoryStore
	once sync.Once
}

func (s *racingStore) Store(ctx context.Context, rm ReadModel, expected es.Version) error {
	s.once.Do(func() {
		cur, err := s.InMemoryStore.Fetch(ctx, rm.TypeName, rm.ID)
		var v es.Version
		if err == nil {
			v = cur.Version
		}
		_ = s.InMemoryStore.Store(ctx, ReadModel{
			TypeName: rm.TypeName,
			ID:       rm.ID,
			Version:  v.Next(),
			Value:    []byte(`{"title":"other","seen":10}`),
		}, v)
	})
	return s.InMemoryStore.Store(ctx, rm, expected)
}

func TestEngine_ConflictRetry(t *testing.T) {
	var (
		store  = &racingStore{InMemoryStore: NewInMemoryStore()}
		engine = NewEngine(store, newRegistry(t, viewProjection()), WithConfig(fastConfig()))
		a      = &article{ID: uuid.New(), Title: "mine"}
	)

	require.NoError(t, engine.Project(t.Context(), entityOf(a)))

	v, version, err := Get[articleView](t.Context(), store, a.ID.String())
	require.NoError(t, err)
	require.Equal(t, es.Version(2), version)
	require.Equal(t, &articleView{Title: "mine", Seen: 11}, v, "recomputed on top of the winner")
}

func TestEngine_ConcurrentWriters(t *testing.T) {
	var (
		store = NewInMemoryStore()
		a     = &article{ID: uuid.New(), Title: "x"}
		cfg   = fastConfig()
		wg    sync.WaitGroup
	)
	cfg.MaxRetries = 50
	engine := NewEngine(store, newRegistry(t, viewProjection()), WithConfig(cfg))

	const writers = 8
	errs := make([]error, writers)
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = engine.Project(context.Background(), entityOf(a))
		}()
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	v, version, err := Get[articleView](t.Context(), store, a.ID.String())
	require.NoError(t, err)
	require.Equal(t, es.Version(writers), version)
	require.Equal(t, writers, v.Seen, "no lost update")
}

type conflictingStore struct {
	*InMemoryStore
	stores atomic.Int32
}

func (s *conflictingStore) Store(context.Context, ReadModel, es.Version) error {
	s.stores.Add(1)
	return es.ErrConcurrencyConflict
}

func TestEngine_RetriesExhausted(t *testing.T) {
	var (
		store = &conflictingStore{InMemoryStore: NewInMemoryStore()}
		cfg   = fastConfig()
	)
	cfg.MaxRetries = 3
	engine := NewEngine(store, newRegistry(t, viewProjection()), WithConfig(cfg))

	err := engine.Project(t.Context(), entityOf(&article{ID: uuid.New()}))
	require.ErrorIs(t, err, ErrRetriesExhausted)
	require.ErrorIs(t, err, ErrProjection)
	require.ErrorIs(t, err, es.ErrConcurrencyConflict)
	require.Equal(t, int32(4), store.stores.Load())

	var pe *ProjectionError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, 4, pe.Attempts)
	require.Equal(t, "articleView", pe.ReadModelType)
}

func TestEngine_ErrorIsolation(t *testing.T) {
	boom := errors.New("boom")
	failing := New(By("article_id", func(a *article) string { return a.ID.String() }),
		func(*article, string, *tagIndex) (Result[tagIndex], error) {
			return Result[tagIndex]{}, boom
		})
	panicking := New(By("title", func(a *article) string { return a.Title }),
		func(*article, string, *tagIndex) (Result[tagIndex], error) {
			panic("unexpected")
		})

	var (
		store  = NewInMemoryStore()
		engine = NewEngine(store, newRegistry(t, failing, viewProjection(), panicking))
		a      = &article{ID: uuid.New(), Title: "kept"}
	)

	err := engine.Project(t.Context(), entityOf(a))
	require.ErrorIs(t, err, boom)
	require.ErrorIs(t, err, ErrProjectionPanic)
	require.True(t, strings.Contains(err.Error(), "join key title"))

	v, _, err := Get[articleView](t.Context(), store, a.ID.String())
	require.NoError(t, err)
	require.Equal(t, "kept", v.Title)
}

func TestEngine_JoinKeyPanic(t *testing.T) {
	type owned struct {
		Owner *string
	}
	byOwner := New(By("owner", func(a *article) string {
		var o owned
		return *o.Owner
	}), func(a *article, _ string, _ *tagIndex) (Result[tagIndex], error) {
		return Set(&tagIndex{Tag: a.Title}), nil
	})

	var (
		store  = NewInMemoryStore()
		engine = NewEngine(store, newRegistry(t, byOwner, viewProjection()))
		a      = &article{ID: uuid.New(), Title: "kept"}
	)

	var err error
	require.NotPanics(t, func() { err = engine.Project(t.Context(), entityOf(a)) })
	require.ErrorIs(t, err, ErrProjectionPanic)
	require.ErrorContains(t, err, "join key owner")

	var pe *ProjectionError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, "tag_index", pe.ReadModelType)
	require.Equal(t, "owner", pe.JoinKey)

	v, _, err := Get[articleView](t.Context(), store, a.ID.String())
	require.NoError(t, err)
	require.Equal(t, "kept", v.Title)
}

func TestEngine_Retract(t *testing.T) {
	var (
		store   = NewInMemoryStore()
		changes []Change
		mu      sync.Mutex
		engine  = NewEngine(store, newRegistry(t, viewProjection(), tagProjection()),
			WithNotifier(NotifierFunc(func(_ context.Context, c Change) error {
				mu.Lock()
				defer mu.Unlock()
				changes = append(changes, c)
				return nil
			})))
		a     = &article{ID: uuid.New(), Title: "secret", Tags: []string{"go", "es"}}
		other = &article{ID: uuid.New(), Title: "other", Tags: []string{"rust"}}
	)

	require.NoError(t, engine.Project(t.Context(), entityOf(a)))
	require.NoError(t, engine.Project(t.Context(), entityOf(other)))
	require.Equal(t, 2, store.Len("articleView"))
	require.Equal(t, 3, store.Len("tag_index"))

	mu.Lock()
	changes = nil
	mu.Unlock()

	require.NoError(t, engine.Retract(t.Context(), entityOf(a)))

	_, _, err := Get[articleView](t.Context(), store, a.ID.String())
	require.ErrorIs(t, err, ErrReadModelNotFound)
	_, _, err = Get[tagIndex](t.Context(), store, "go")
	require.ErrorIs(t, err, ErrReadModelNotFound)
	require.Equal(t, 1, store.Len("articleView"))
	require.Equal(t, 1, store.Len("tag_index"))

	mu.Lock()
	require.Len(t, changes, 3)
	for _, c := range changes {
		require.True(t, c.Deleted)
	}
	mu.Unlock()

	require.NoError(t, engine.Retract(t.Context(), entityOf(a)), "retracting twice is a no-op")
	require.NoError(t, engine.Retract(t.Context(), nil))
}

func TestEngine_NotifierFailureIsIgnored(t *testing.T) {
	var (
		store  = NewInMemoryStore()
		engine = NewEngine(store, newRegistry(t, viewProjection()),
			WithNotifier(Notifiers{NotifierFunc(func(context.Context, Change) error {
				return errors.New("broker down")
			})}))
		a = &article{ID: uuid.New(), Title: "x"}
	)

	require.NoError(t, engine.Project(t.Context(), entityOf(a)))
	require.Equal(t, 1, store.Len("articleView"))
}

func TestEngine_Cancelled(t *testing.T) {
	var (
		store  = NewInMemoryStore()
		engine = NewEngine(store, newRegistry(t, viewProjection()))
	)
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	err := engine.Project(ctx, entityOf(&article{ID: uuid.New()}))
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, store.Len("articleView"))
}

func TestInMemoryStore_OCC(t *testing.T) {
	var (
		ctx   = t.Context()
		store = NewInMemoryStore()
		rm    = ReadModel{TypeName: "t", ID: "1", Version: 1, Value: []byte(`{}`)}
	)

	_, err := store.Fetch(ctx, "t", "1")
	require.ErrorIs(t, err, ErrReadModelNotFound)

	require.NoError(t, store.Store(ctx, rm, 0))
	require.ErrorIs(t, store.Store(ctx, rm, 0), es.ErrConcurrencyConflict)

	rm.Version = 2
	require.NoError(t, store.Store(ctx, rm, 1))
	require.ErrorIs(t, store.Delete(ctx, "t", "1", 1), es.ErrConcurrencyConflict)
	require.NoError(t, store.Delete(ctx, "t", "1", 2))
	require.NoError(t, store.Delete(ctx, "t", "1", 2), "absent")

	got, version, err := Get[articleView](ctx, store, "1")
	require.NoError(t, err)
	require.Nil(t, got)
	require.Zero(t, version)
}
