// Package es provides the event sourcing core: an append-only event log,
// entity reconstruction by folding events through reducers, snapshots that
// bound the replay cost, and the Register that collects the events of one
// command.
//
// # Registry
//
// Entities, events and reducers are registered once at startup. Reducers are
// pure functions from an event and the current entity to the next entity:
//
//	reg := es.NewRegistry()
//	es.RegisterEntity[Post](reg)
//	es.On(reg, func(ev *PostCreated, _ *Post) (*Post, error) {
//	    return &Post{ID: ev.PostID, Title: ev.Title}, nil
//	})
//	if err := reg.Validate(); err != nil { ... }
//
// Payload schemas evolve with [WithMigration]; stored payloads are upgraded on
// read.
//
// # Reconstruction
//
// [SnapshotManager.Reconstruct] loads the latest snapshot, folds the events
// appended after it and, once [Config.SnapshotThreshold] events had to be
// folded, writes a new snapshot. Snapshot writes are best effort. [AsOf]
// reconstructs the state at a point in time and never writes snapshots.
//
// # Register
//
// A [Register] accumulates events in call order. [Register.Flush] persists
// them; [Execute] runs a handler and flushes what is left when it returns:
//
//	err := es.Execute(ctx, es.NewRegister(store, reg), func(ctx context.Context, r *es.Register) error {
//	    r.Events(&PostCreated{PostID: id, Title: "Hello"})
//	    return nil
//	})
//
// # Stores
//
// [InMemoryStore] and [InMemorySnapshotter] implement the storage contracts
// for tests. Durable implementations live in adapters/sqlite and adapters/nats.
//
// # Consumer
//
// [Consumer] follows a [Stream] and hands appended events to a [Handler].
// Wrap the handler with [NewCheckpointMiddleware] to resume after restarts.
package es
