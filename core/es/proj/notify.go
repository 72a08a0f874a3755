package proj

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/codewandler/cqrs-go/core/es"
)

// Change describes a committed read model write.
type Change struct {
	TypeName  string          `json:"type"`
	ID        string          `json:"id"`
	Version   es.Version      `json:"version"`
	Deleted   bool            `json:"deleted,omitempty"`
	Value     json.RawMessage `json:"value,omitempty"`
	ChangedAt time.Time       `json:"changed_at"`
}

// Notifier publishes read model changes after they were stored. Notification
// failures never undo or fail the write.
type Notifier interface {
	Notify(ctx context.Context, change Change) error
}

type NotifierFunc func(ctx context.Context, change Change) error

func (f NotifierFunc) Notify(ctx context.Context, change Change) error { return f(ctx, change) }

// Notifiers fans a change out to every notifier.
type Notifiers []Notifier

func (n Notifiers) Notify(ctx context.Context, change Change) error {
	var errs []error
	for _, notifier := range n {
		if err := notifier.Notify(ctx, change); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ Notifier = Notifiers(nil)
