// Package kb is the agent's knowledge base: scope-indexed CRUD plus
// search. Scopes partition items per agent so one agent's notes can be
// copied into another's.
package kb

import (
	"context"
	"time"
)

// Error codes returned by knowledge-base operations.
const (
	CodeIngestFailed = "kb.ingest_failed"
	CodeSearchFailed = "kb.search_failed"
	CodeNotFound     = "kb.not_found"
	CodeCopyFailed   = "kb.copy_failed"
)

// Item is one knowledge-base entry.
type Item struct {
	ID        string    `json:"id"`
	Scope     string    `json:"scope"`
	Title     string    `json:"title,omitempty"`
	Content   string    `json:"content"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is the scope-indexed CRUD + search contract the agent consumes.
type Store interface {
	// Ingest adds an item to a scope and returns its id.
	Ingest(ctx context.Context, scope, title, content string, tags []string) (string, error)
	// Get returns one item by id.
	Get(ctx context.Context, id string) (*Item, error)
	// Items lists a scope's items, newest first.
	Items(ctx context.Context, scope string, limit int) ([]*Item, error)
	// Search matches query against title and content within a scope.
	Search(ctx context.Context, scope, query string, limit int) ([]*Item, error)
	// Delete removes one item by id.
	Delete(ctx context.Context, id string) error
	// CopyFrom copies all items of srcScope into dstScope, returning the
	// number copied. Copies get fresh ids.
	CopyFrom(ctx context.Context, srcScope, dstScope string) (int, error)
	// Close releases the backing store.
	Close() error
}
