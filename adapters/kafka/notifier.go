// Package kafka publishes read model changes to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/codewandler/cqrs-go/core/es/proj"
)

const (
	hdrReadModelType = "x-read-model-type"
	hdrVersion       = "x-version"
	hdrDeleted       = "x-deleted"
)

// Config is read from CQRS_KAFKA_* environment variables by app-level
// configuration.
type Config struct {
	Brokers      []string      `env:"BROKERS" envSeparator:"," envDefault:"127.0.0.1:9092"`
	Topic        string        `env:"TOPIC" envDefault:"cqrs.read-models"`
	BatchTimeout time.Duration `env:"BATCH_TIMEOUT" envDefault:"10ms"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Notifier writes one message per read model change. Messages are keyed by
// <type>/<id>, so the changes of one read model stay ordered within their
// partition.
type Notifier struct {
	writer messageWriter
	log    *slog.Logger
}

func NewNotifier(cfg Config, log *slog.Logger) (*Notifier, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic is required")
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           cfg.BatchTimeout,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return newNotifier(writer, log), nil
}

func newNotifier(writer messageWriter, log *slog.Logger) *Notifier {
	if log == nil {
		log = slog.Default()
	}
	return &Notifier{writer: writer, log: log.With(slog.String("notifier", "kafka"))}
}

func (n *Notifier) Notify(ctx context.Context, change proj.Change) error {
	data, err := json.Marshal(change)
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Key:   []byte(change.TypeName + "/" + change.ID),
		Value: data,
		Time:  change.ChangedAt,
		Headers: []kafka.Header{
			{Key: hdrReadModelType, Value: []byte(change.TypeName)},
			{Key: hdrVersion, Value: []byte(strconv.FormatUint(change.Version.Uint64(), 10))},
			{Key: hdrDeleted, Value: []byte(strconv.FormatBool(change.Deleted))},
		},
	}
	if err := n.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish change %s/%s: %w", change.TypeName, change.ID, err)
	}

	n.log.Debug(
		"published change",
		slog.String("type", change.TypeName),
		slog.String("id", change.ID),
		change.Version.SlogAttr(),
		slog.Bool("deleted", change.Deleted),
	)
	return nil
}

func (n *Notifier) Close() error {
	return n.writer.Close()
}

var _ proj.Notifier = (*Notifier)(nil)
