package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is a threadsafe in-process Store. It backs the single-binary demo
// mode and every test; all clients sharing one MemStore observe each other
// exactly like clients sharing one remote store.
type MemStore struct {
	mu     sync.Mutex
	cols   map[string]map[string]json.RawMessage
	subs   map[string]map[int]*memSub
	nextID int
}

type memSub struct {
	filter *Filter
	fn     Handler
}

func NewMemStore() *MemStore {
	return &MemStore{
		cols: make(map[string]map[string]json.RawMessage),
		subs: make(map[string]map[int]*memSub),
	}
}

func (s *MemStore) Create(_ context.Context, collection, id string, doc any) (string, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal doc: %w", err)
	}
	if id == "" {
		id = uuid.NewString()
	}

	s.mu.Lock()
	col, ok := s.cols[collection]
	if !ok {
		col = make(map[string]json.RawMessage)
		s.cols[collection] = col
	}
	col[id] = data
	targets := s.matchingSubsLocked(collection, data)
	s.mu.Unlock()

	// Handlers run outside the lock so they may call back into the store.
	deliver(targets, Change{Type: Added, ID: id, Data: data})
	return id, nil
}

func (s *MemStore) Update(_ context.Context, collection, id string, fields map[string]any) error {
	s.mu.Lock()
	col := s.cols[collection]
	prev, ok := col[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	var m map[string]any
	if err := json.Unmarshal(prev, &m); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("decode doc %s/%s: %w", collection, id, err)
	}
	for k, v := range fields {
		m[k] = v
	}
	data, err := json.Marshal(m)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("merge doc %s/%s: %w", collection, id, err)
	}
	col[id] = data
	targets := s.matchingSubsLocked(collection, data)
	s.mu.Unlock()

	deliver(targets, Change{Type: Modified, ID: id, Data: data})
	return nil
}

func (s *MemStore) Get(_ context.Context, collection, id string, out any) error {
	s.mu.Lock()
	data, ok := s.cols[collection][id]
	s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	return json.Unmarshal(data, out)
}

func (s *MemStore) Delete(_ context.Context, collection, id string) error {
	s.mu.Lock()
	col := s.cols[collection]
	_, ok := col[id]
	if ok {
		delete(col, id)
	}
	targets := s.matchingSubsLocked(collection, nil)
	s.mu.Unlock()

	if ok {
		deliver(targets, Change{Type: Removed, ID: id})
	}
	return nil
}

func (s *MemStore) Subscribe(_ context.Context, collection string, filter *Filter, fn Handler) (CancelFunc, error) {
	s.mu.Lock()
	subs, ok := s.subs[collection]
	if !ok {
		subs = make(map[int]*memSub)
		s.subs[collection] = subs
	}
	key := s.nextID
	s.nextID++
	subs[key] = &memSub{filter: filter, fn: fn}

	// Snapshot of documents that already exist, replayed as Added.
	type pending struct {
		id   string
		data json.RawMessage
	}
	var replay []pending
	for id, data := range s.cols[collection] {
		if filter.matches(data) {
			replay = append(replay, pending{id: id, data: data})
		}
	}
	s.mu.Unlock()

	for _, p := range replay {
		fn(Change{Type: Added, ID: p.id, Data: p.data})
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs[collection], key)
			s.mu.Unlock()
		})
	}
	return cancel, nil
}

func (s *MemStore) ServerTimestamp() time.Time { return time.Now() }

func (s *MemStore) matchingSubsLocked(collection string, data json.RawMessage) []Handler {
	var out []Handler
	for _, sub := range s.subs[collection] {
		// Removed changes carry no body; they go to every subscriber of the
		// collection, matching how a change feed reports deletions.
		if data == nil || sub.filter.matches(data) {
			out = append(out, sub.fn)
		}
	}
	return out
}

func deliver(targets []Handler, ch Change) {
	for _, fn := range targets {
		fn(ch)
	}
}
