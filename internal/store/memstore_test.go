package store

import (
	"context"
	"encoding/json"
	"testing"
)

type testDoc struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

func TestMemStoreCreateGetDelete(t *testing.T) {
	ctx := context.Background()
	st := NewMemStore()

	id, err := st.Create(ctx, "msgs", "", testDoc{To: "a", Body: "hi"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id == "" {
		t.Fatal("expected assigned id")
	}

	var got testDoc
	if err := st.Get(ctx, "msgs", id, &got); err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Body != "hi" {
		t.Fatalf("got body %q", got.Body)
	}

	if err := st.Delete(ctx, "msgs", id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := st.Get(ctx, "msgs", id, &got); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	// Deleting again is harmless.
	if err := st.Delete(ctx, "msgs", id); err != nil {
		t.Fatalf("second delete: %v", err)
	}
}

func TestMemStoreUpdateMergesFields(t *testing.T) {
	ctx := context.Background()
	st := NewMemStore()

	if _, err := st.Create(ctx, "docs", "d1", testDoc{To: "a", Body: "one"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := st.Update(ctx, "docs", "d1", map[string]any{"body": "two"}); err != nil {
		t.Fatalf("update: %v", err)
	}

	var got testDoc
	if err := st.Get(ctx, "docs", "d1", &got); err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.To != "a" || got.Body != "two" {
		t.Fatalf("merge lost fields: %+v", got)
	}

	if err := st.Update(ctx, "docs", "missing", map[string]any{"body": "x"}); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemStoreSubscribeReplaysAndFilters(t *testing.T) {
	ctx := context.Background()
	st := NewMemStore()

	if _, err := st.Create(ctx, "msgs", "m1", testDoc{To: "a", Body: "early"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := st.Create(ctx, "msgs", "m2", testDoc{To: "b", Body: "other"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	var seen []Change
	cancel, err := st.Subscribe(ctx, "msgs", &Filter{Field: "to", Equals: "a"}, func(ch Change) {
		seen = append(seen, ch)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	if len(seen) != 1 || seen[0].ID != "m1" || seen[0].Type != Added {
		t.Fatalf("replay mismatch: %+v", seen)
	}

	if _, err := st.Create(ctx, "msgs", "m3", testDoc{To: "a", Body: "live"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(seen) != 2 || seen[1].ID != "m3" {
		t.Fatalf("live delivery mismatch: %+v", seen)
	}

	var doc testDoc
	if err := json.Unmarshal(seen[1].Data, &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc.Body != "live" {
		t.Fatalf("got %q", doc.Body)
	}

	// Non-matching docs stay invisible.
	if _, err := st.Create(ctx, "msgs", "m4", testDoc{To: "b", Body: "hidden"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(seen) != 2 {
		t.Fatalf("filter leak: %+v", seen)
	}
}

func TestMemStoreRemovedGoesToAllSubscribers(t *testing.T) {
	ctx := context.Background()
	st := NewMemStore()

	if _, err := st.Create(ctx, "msgs", "m1", testDoc{To: "a"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	var got []Change
	cancel, err := st.Subscribe(ctx, "msgs", &Filter{Field: "to", Equals: "zzz"}, func(ch Change) {
		got = append(got, ch)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	if err := st.Delete(ctx, "msgs", "m1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(got) != 1 || got[0].Type != Removed || got[0].ID != "m1" {
		t.Fatalf("expected removal entry, got %+v", got)
	}
}

func TestMemStoreCancelStopsDelivery(t *testing.T) {
	ctx := context.Background()
	st := NewMemStore()

	count := 0
	cancel, err := st.Subscribe(ctx, "msgs", nil, func(Change) { count++ })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := st.Create(ctx, "msgs", "", testDoc{To: "a"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	cancel()
	cancel() // safe twice
	if _, err := st.Create(ctx, "msgs", "", testDoc{To: "a"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if count != 1 {
		t.Fatalf("delivery after cancel: %d", count)
	}
}

func TestMemStoreHandlerMayCallBack(t *testing.T) {
	ctx := context.Background()
	st := NewMemStore()

	// Mailbox pattern: the handler deletes what it consumed.
	_, err := st.Subscribe(ctx, "msgs", nil, func(ch Change) {
		if ch.Type == Added {
			if err := st.Delete(ctx, "msgs", ch.ID); err != nil {
				t.Errorf("delete from handler: %v", err)
			}
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	id, err := st.Create(ctx, "msgs", "", testDoc{To: "a"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	var out testDoc
	if err := st.Get(ctx, "msgs", id, &out); err != ErrNotFound {
		t.Fatalf("doc should be consumed, got %v", err)
	}
}
