// Package presence maintains the authoritative view of who is in the room.
// It rebuilds the participant map on every change-feed entry and emits diffs;
// the diffs, not raw snapshots, drive peer-session creation and destruction.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/store"
)

// Snapshot is the recomputed aggregate view after one feed entry.
type Snapshot struct {
	Participants map[domain.UserID]domain.Participant
	OnlineCount  int
	HostOnline   bool
}

// Diff lists identity transitions since the previous snapshot.
type Diff struct {
	Joined      []domain.UserID
	Left        []domain.UserID
	WentOffline []domain.UserID
}

func (d Diff) Empty() bool {
	return len(d.Joined) == 0 && len(d.Left) == 0 && len(d.WentOffline) == 0
}

// Tracker watches one room's participant set and heartbeats the local record.
type Tracker struct {
	st       store.Store
	room     domain.RoomCode
	me       domain.UserID
	interval time.Duration

	onSnapshot func(Snapshot, Diff)

	mu     sync.Mutex
	parts  map[domain.UserID]domain.Participant
	status domain.Status

	cancel store.CancelFunc
	hbStop chan struct{}
}

func NewTracker(st store.Store, room domain.RoomCode, me domain.UserID, heartbeat time.Duration) *Tracker {
	return &Tracker{
		st:       st,
		room:     room,
		me:       me,
		interval: heartbeat,
		parts:    make(map[domain.UserID]domain.Participant),
		status:   domain.StatusOnline,
	}
}

func (t *Tracker) collection() string {
	return fmt.Sprintf("rooms/%s/participants", t.room)
}

// Start subscribes to the participant feed and begins heartbeating. fn runs
// once per feed entry that changes the view.
func (t *Tracker) Start(ctx context.Context, fn func(Snapshot, Diff)) error {
	t.onSnapshot = fn
	cancel, err := t.st.Subscribe(ctx, t.collection(), nil, func(ch store.Change) {
		t.apply(ch)
	})
	if err != nil {
		return fmt.Errorf("subscribe participants: %w", err)
	}
	t.cancel = cancel

	t.hbStop = make(chan struct{})
	go t.heartbeatLoop(ctx)
	return nil
}

// Stop detaches the feed and stops the heartbeat. Idempotent.
func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	if t.hbStop != nil {
		close(t.hbStop)
		t.hbStop = nil
	}
}

func (t *Tracker) apply(ch store.Change) {
	t.mu.Lock()
	prev := t.parts
	next := make(map[domain.UserID]domain.Participant, len(prev)+1)
	for id, p := range prev {
		next[id] = p
	}

	switch ch.Type {
	case store.Added, store.Modified:
		var p domain.Participant
		if err := json.Unmarshal(ch.Data, &p); err != nil {
			// Keep the previous known state; the next successful entry
			// converges the view.
			t.mu.Unlock()
			log.Error().Err(err).Str("module", "presence").Str("doc", ch.ID).Msg("bad participant doc")
			return
		}
		next[p.UserID] = p
	case store.Removed:
		delete(next, domain.UserID(ch.ID))
	}

	diff := diffSets(prev, next)
	t.parts = next
	t.mu.Unlock()

	snap := Snapshot{Participants: next}
	for _, p := range next {
		if p.IsOnline {
			snap.OnlineCount++
			if p.IsCreator {
				snap.HostOnline = true
			}
		}
	}

	// The callback runs unlocked: it is allowed to write to the store, which
	// may deliver further feed entries before it returns.
	if t.onSnapshot != nil {
		t.onSnapshot(snap, diff)
	}
}

func diffSets(prev, next map[domain.UserID]domain.Participant) Diff {
	var d Diff
	for id, p := range next {
		old, knew := prev[id]
		switch {
		case p.IsOnline && (!knew || !old.IsOnline):
			d.Joined = append(d.Joined, id)
		case !p.IsOnline && knew && old.IsOnline:
			d.WentOffline = append(d.WentOffline, id)
		}
	}
	for id := range prev {
		if _, ok := next[id]; !ok {
			d.Left = append(d.Left, id)
		}
	}
	sortIDs(d.Joined)
	sortIDs(d.Left)
	sortIDs(d.WentOffline)
	return d
}

func sortIDs(ids []domain.UserID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

// heartbeatLoop re-asserts the local participant's online status so its
// lastSeen stays fresh. Failed writes are logged; the next tick retries.
func (t *Tracker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	stop := t.hbStop
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			t.mu.Lock()
			online := t.status == domain.StatusOnline
			t.mu.Unlock()
			if online {
				t.writeStatus(ctx, domain.StatusOnline)
			}
		}
	}
}

// SetAway marks the local participant away (focus lost).
func (t *Tracker) SetAway(ctx context.Context) { t.setStatus(ctx, domain.StatusAway) }

// SetOnline marks the local participant back online (focus regained).
func (t *Tracker) SetOnline(ctx context.Context) { t.setStatus(ctx, domain.StatusOnline) }

func (t *Tracker) setStatus(ctx context.Context, s domain.Status) {
	t.mu.Lock()
	t.status = s
	t.mu.Unlock()
	t.writeStatus(ctx, s)
}

func (t *Tracker) writeStatus(ctx context.Context, s domain.Status) {
	err := t.st.Update(ctx, t.collection(), string(t.me), map[string]any{
		"status":   s,
		"lastSeen": t.st.ServerTimestamp(),
	})
	if err != nil {
		log.Warn().Err(err).Str("module", "presence").Str("status", string(s)).Msg("status update failed")
		return
	}
	log.Debug().Str("module", "presence").Str("status", string(s)).Msg("status updated")
}
