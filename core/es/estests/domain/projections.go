package domain

import (
	"slices"

	"github.com/codewandler/cqrs-go/core/es"
	"github.com/codewandler/cqrs-go/core/es/proj"
)

type (
	PostReadModel struct {
		Title  string   `json:"title"`
		Author string   `json:"author"`
		Tags   []string `json:"tags,omitempty"`
		Edits  int      `json:"edits"`
	}

	// TagReadModel lists the posts carrying a tag.
	TagReadModel struct {
		Tag   string   `json:"tag"`
		Posts []string `json:"posts"`
	}

	// AuthorCard is fed by both authors and their posts.
	AuthorCard struct {
		Handle      string   `json:"handle"`
		DisplayName string   `json:"display_name,omitempty"`
		Posts       []string `json:"posts,omitempty"`
	}
)

func (PostReadModel) ReadModelType() string { return "post" }
func (TagReadModel) ReadModelType() string  { return "tag" }
func (AuthorCard) ReadModelType() string    { return "author_card" }

var (
	PostProjection = proj.New(
		proj.By("post_id", func(p *Post) string { return p.ID.String() }),
		func(p *Post, _ string, _ *PostReadModel) (proj.Result[PostReadModel], error) {
			if p.Deleted {
				return proj.Delete[PostReadModel](), nil
			}
			return proj.Set(&PostReadModel{Title: p.Title, Author: p.Author, Tags: p.Tags, Edits: p.Edits}), nil
		},
	)

	TagProjection = proj.New(
		proj.ByEach("tags", func(p *Post) []string { return p.Tags }),
		func(p *Post, tag string, cur *TagReadModel) (proj.Result[TagReadModel], error) {
			next := TagReadModel{Tag: tag}
			if cur != nil {
				next.Posts = slices.Clone(cur.Posts)
			}
			id := p.ID.String()
			has := slices.Contains(next.Posts, id)
			switch {
			case p.Deleted && has:
				next.Posts = slices.DeleteFunc(next.Posts, func(s string) bool { return s == id })
				if len(next.Posts) == 0 {
					return proj.Delete[TagReadModel](), nil
				}
				return proj.Set(&next), nil
			case p.Deleted || has:
				return proj.Nothing[TagReadModel](), nil
			}
			next.Posts = append(next.Posts, id)
			return proj.Set(&next), nil
		},
	)

	AuthorCardFromAuthor = proj.New(
		proj.By("handle", func(a *Author) string { return a.Handle }),
		func(a *Author, handle string, cur *AuthorCard) (proj.Result[AuthorCard], error) {
			next := AuthorCard{Handle: handle}
			if cur != nil {
				next = *cur
			}
			if next.DisplayName == a.DisplayName {
				return proj.Nothing[AuthorCard](), nil
			}
			next.DisplayName = a.DisplayName
			return proj.Set(&next), nil
		},
	)

	AuthorCardFromPost = proj.New(
		proj.By("author", func(p *Post) string { return p.Author }),
		func(p *Post, handle string, cur *AuthorCard) (proj.Result[AuthorCard], error) {
			next := AuthorCard{Handle: handle}
			if cur != nil {
				next = *cur
			}
			if p.Deleted || slices.Contains(next.Posts, p.ID.String()) {
				return proj.Nothing[AuthorCard](), nil
			}
			next.Posts = append(slices.Clone(next.Posts), p.ID.String())
			return proj.Set(&next), nil
		},
	)
)

// Projections returns the blog's projections bound to reg.
func Projections(reg *es.Registry) *proj.Registry {
	return proj.NewRegistry(reg).Add(
		PostProjection,
		TagProjection,
		AuthorCardFromAuthor,
		AuthorCardFromPost,
	)
}
