// Package cache provides an in-process cache with an LRU and a no-op
// implementation.
//
// The snapshot manager keeps the latest snapshot of hot entities here so live
// reconstructions skip the snapshot store. [KeepNewest] stops a slow load from
// replacing a snapshot that was saved meanwhile:
//
//	snapshots := cache.NewTyped(
//		cache.NewLRU(cache.LRUOpts{Size: 1024}),
//		cache.KeepNewest(func(cached, s *es.Snapshot) bool { return s.CutoffSeq >= cached.CutoffSeq }),
//	)
//
// Entries written with [WithTTL] expire lazily on access.
package cache
