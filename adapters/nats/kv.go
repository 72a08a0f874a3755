package nats

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/codewandler/cqrs-go/ports/kv"
)

type KvConfig struct {
	Connect Connector // If nil, ConnectURL(natsgo.DefaultURL) is used.
	Bucket  string
	// History is the number of revisions kept per key (default: 1, max: 64).
	History  uint8
	TTL      time.Duration
	MaxBytes int64
}

type bucket struct {
	kv      jetstream.KeyValue
	closeNc closeFunc
}

func openBucket(cfg KvConfig) (*bucket, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}

	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectURL(natsgo.DefaultURL)
	}

	nc, closeNc, err := doConnect()
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		closeNc()
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:   cfg.Bucket,
		History:  max(cfg.History, 1),
		TTL:      cfg.TTL,
		MaxBytes: cmp.Or(cfg.MaxBytes, -1),
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		closeNc()
		return nil, fmt.Errorf("ensure bucket %s: %w", cfg.Bucket, err)
	}

	return &bucket{kv: kv, closeNc: closeNc}, nil
}

func (b *bucket) Close() error {
	b.closeNc()
	return nil
}

// KvStore implements kv.Store on a JetStream key/value bucket. Per-key TTLs
// are not supported; use KvConfig.TTL for bucket wide expiry.
type KvStore struct {
	*bucket
}

func NewKvStore(cfg KvConfig) (*KvStore, error) {
	b, err := openBucket(cfg)
	if err != nil {
		return nil, err
	}
	return &KvStore{bucket: b}, nil
}

func (k *KvStore) Put(ctx context.Context, key string, entry kv.Entry, _ kv.PutOptions) error {
	if _, err := k.kv.Put(ctx, key, entry.Data); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (k *KvStore) Get(ctx context.Context, key string) (kv.Entry, error) {
	v, err := k.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return kv.Entry{}, kv.ErrNotFound
	}
	if err != nil {
		return kv.Entry{}, fmt.Errorf("get %s: %w", key, err)
	}
	return kv.Entry{Data: v.Value()}, nil
}

func (k *KvStore) Delete(ctx context.Context, key string) error {
	err := k.kv.Delete(ctx, key)
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

var _ kv.Store = (*KvStore)(nil)
