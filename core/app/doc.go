// Package app wires the event sourcing runtime into a command pipeline.
//
// A command runs against an [es.Register]; once its events are durable every
// touched entity is reconstructed once and its projections are applied:
//
//	a, err := app.New(store, registry, projections, readModels,
//	    app.WithSnapshotter(snapshotter),
//	    app.WithConfig(cfg),
//	)
//	_, err = a.Dispatch(ctx, app.Meta{CurrentUser: user}, func(ctx context.Context, r *es.Register) error {
//	    r.Events(&PostCreated{PostID: id, Title: "Hello"})
//	    return nil
//	})
//
// Entities are processed in parallel, the commits of one entity in order.
//
// # Consumer mode
//
// [App.Start] moves projections off the command path: a consumer follows the
// store's stream, projects each appended event and checkpoints its position
// in a kv.Store (see [WithCheckpoints]).
//
// # Configuration
//
// [LoadConfig] reads CQRS_* environment variables:
//
//	CQRS_SNAPSHOT_THRESHOLD=5
//	CQRS_PROJECTION_MAX_RETRIES=5
//	CQRS_PROJECTION_TIMEOUT=10s
package app
