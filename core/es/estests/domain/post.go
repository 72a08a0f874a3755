// Package domain is a small blog used by the runtime's tests and load test.
package domain

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/codewandler/cqrs-go/core/es"
)

type (
	Post struct {
		ID      uuid.UUID `json:"id"`
		Title   string    `json:"title"`
		Author  string    `json:"author"`
		Tags    []string  `json:"tags,omitempty"`
		Edits   int       `json:"edits"`
		Deleted bool      `json:"deleted,omitempty"`
	}

	Author struct {
		ID          uuid.UUID `json:"id"`
		Handle      string    `json:"handle"`
		DisplayName string    `json:"display_name"`
	}
)

type (
	// PostCreated v1 carried the title as "name".
	PostCreated struct {
		PostID uuid.UUID `json:"post_id"`
		Title  string    `json:"title"`
		Author string    `json:"author"`
		Tags   []string  `json:"tags,omitempty"`
	}

	PostTitleChanged struct {
		PostID uuid.UUID `json:"post_id"`
		Title  string    `json:"title"`
	}

	PostTagged struct {
		PostID uuid.UUID `json:"post_id"`
		Tags   []string  `json:"tags"`
	}

	PostDeleted struct {
		PostID uuid.UUID `json:"post_id"`
	}

	AuthorRegistered struct {
		AuthorID    uuid.UUID `json:"author_id"`
		Handle      string    `json:"handle"`
		DisplayName string    `json:"display_name"`
	}
)

func (e PostCreated) EntityID() uuid.UUID      { return e.PostID }
func (e PostTitleChanged) EntityID() uuid.UUID { return e.PostID }
func (e PostTagged) EntityID() uuid.UUID       { return e.PostID }
func (e PostDeleted) EntityID() uuid.UUID      { return e.PostID }
func (e AuthorRegistered) EntityID() uuid.UUID { return e.AuthorID }

// RenameNameToTitle upgrades PostCreated from version 1.
func RenameNameToTitle(old json.RawMessage) (json.RawMessage, error) {
	var m map[string]any
	if err := json.Unmarshal(old, &m); err != nil {
		return nil, err
	}
	if name, ok := m["name"]; ok {
		m["title"] = name
		delete(m, "name")
	}
	return json.Marshal(m)
}

// Register binds the blog to reg.
func Register(reg *es.Registry) {
	es.RegisterEntity[Post](reg)
	es.RegisterEntity[Author](reg)
	es.RegisterEvent[PostCreated](reg, es.WithMigration(2, RenameNameToTitle))

	es.On(reg, func(ev *PostCreated, _ *Post) (*Post, error) {
		return &Post{ID: ev.PostID, Title: ev.Title, Author: ev.Author, Tags: ev.Tags}, nil
	})
	es.On(reg, func(ev *PostTitleChanged, p *Post) (*Post, error) {
		if p == nil {
			return nil, fmt.Errorf("post %s does not exist", ev.PostID)
		}
		next := *p
		next.Title = ev.Title
		next.Edits++
		return &next, nil
	})
	es.On(reg, func(ev *PostTagged, p *Post) (*Post, error) {
		if p == nil {
			return nil, fmt.Errorf("post %s does not exist", ev.PostID)
		}
		next := *p
		next.Tags = slices.Clone(p.Tags)
		for _, tag := range ev.Tags {
			if !slices.Contains(next.Tags, tag) {
				next.Tags = append(next.Tags, tag)
			}
		}
		return &next, nil
	})
	es.On(reg, func(ev *PostDeleted, p *Post) (*Post, error) {
		if p == nil {
			return nil, nil
		}
		next := *p
		next.Deleted = true
		return &next, nil
	})
	es.On(reg, func(ev *AuthorRegistered, _ *Author) (*Author, error) {
		return &Author{ID: ev.AuthorID, Handle: ev.Handle, DisplayName: ev.DisplayName}, nil
	})
}

// NewRegistry returns a validated registry for the blog.
func NewRegistry() (*es.Registry, error) {
	reg := es.NewRegistry()
	Register(reg)
	return reg, reg.Validate()
}
