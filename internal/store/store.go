// Package store abstracts the shared real-time document store the clients
// coordinate through: keyed JSON documents grouped into collections, plus a
// change feed per collection. Replication mechanics live behind this
// interface; callers only rely on create/update/get/delete and the feed.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var ErrNotFound = errors.New("document not found")

// ChangeType discriminates entries in a collection change feed.
type ChangeType int

const (
	Added ChangeType = iota
	Modified
	Removed
)

func (t ChangeType) String() string {
	switch t {
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	}
	return "unknown"
}

// Change is one entry of a collection change feed. Data is the full document
// body after the change (empty for Removed).
type Change struct {
	Type ChangeType
	ID   string
	Data json.RawMessage
}

// Filter is an equality predicate on one top-level string field of the
// document body. A nil filter matches every document.
type Filter struct {
	Field  string
	Equals string
}

func (f *Filter) matches(data json.RawMessage) bool {
	if f == nil {
		return true
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return false
	}
	raw, ok := m[f.Field]
	if !ok {
		return false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return false
	}
	return s == f.Equals
}

// Handler consumes one change; invoked sequentially per subscription in the
// order the store reports them.
type Handler func(Change)

// CancelFunc detaches a subscription. Safe to call more than once.
type CancelFunc func()

// Store is the shared mutable resource of the whole system. Implementations
// must deliver an Added change for every document that exists at Subscribe
// time, then follow with live changes.
type Store interface {
	// Create writes a new document. An empty id asks the store to assign one.
	Create(ctx context.Context, collection, id string, doc any) (string, error)
	// Update merges fields into an existing document.
	Update(ctx context.Context, collection, id string, fields map[string]any) error
	Get(ctx context.Context, collection, id string, out any) error
	Delete(ctx context.Context, collection, id string) error
	Subscribe(ctx context.Context, collection string, filter *Filter, fn Handler) (CancelFunc, error)
	// ServerTimestamp returns the store's notion of "now" for document fields.
	ServerTimestamp() time.Time
}
