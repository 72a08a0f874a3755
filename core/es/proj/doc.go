// Package proj keeps read models in sync with entities.
//
// A [Projection] maps an entity to the ids of the read models it feeds, using
// a join key built with [By] or [ByEach], and computes each read model from
// the entity and the read model's current value:
//
//	titles := proj.New(proj.By("post_id", func(p *Post) string { return p.ID.String() }),
//	    func(p *Post, id string, cur *PostTitle) (proj.Result[PostTitle], error) {
//	        if p.Deleted {
//	            return proj.Delete[PostTitle](), nil
//	        }
//	        return proj.Set(&PostTitle{Title: p.Title}), nil
//	    })
//
// The [Engine] stores results in a [ReadModelStore] with optimistic
// concurrency: a write only succeeds against the version it was computed
// from, and conflicts are recomputed with backoff until
// [Config.MaxRetries] is exhausted.
package proj
