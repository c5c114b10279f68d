package presence

import (
	"context"
	"sync"
	"time"

	"github.com/carewire/carewire/internal/bus"
	"github.com/carewire/carewire/internal/wire"
	"go.uber.org/zap"
)

// Querier answers presence questions over the fallback request path. The
// production implementation is the REST client.
type Querier interface {
	QueryPresence(ctx context.Context, userIDs []string) ([]wire.PresenceUpdate, error)
}

// Entry is one participant's presence as currently known.
type Entry struct {
	Online     bool
	LastActive int64 // unix ms, server clock
}

// Tracker merges presence reports last-write-wins on the last-active
// timestamp, so delayed or reordered reports can never regress a
// participant to an older state. While the push connection is down it
// polls the fallback path instead.
type Tracker struct {
	bus          *bus.Bus
	log          *zap.Logger
	querier      Querier
	pollInterval time.Duration

	mu         sync.RWMutex
	entries    map[string]Entry
	cancelPoll context.CancelFunc
}

// NewTracker creates an empty presence tracker.
func NewTracker(b *bus.Bus, q Querier, pollInterval time.Duration, logger *zap.Logger) *Tracker {
	return &Tracker{
		bus:          b,
		log:          logger,
		querier:      q,
		pollInterval: pollInterval,
		entries:      make(map[string]Entry),
	}
}

// Apply merges one presence report. Reports older than the current entry
// (by last-active timestamp) are dropped. Returns the resulting entry and
// whether anything changed.
func (t *Tracker) Apply(u wire.PresenceUpdate) (Entry, bool) {
	t.mu.Lock()
	cur, ok := t.entries[u.UserID]
	if ok && u.LastActive <= cur.LastActive {
		t.mu.Unlock()
		return cur, false
	}
	entry := Entry{Online: u.Online, LastActive: u.LastActive}
	t.entries[u.UserID] = entry
	t.mu.Unlock()

	t.bus.Emit(bus.KindPresenceChanged, u)
	return entry, true
}

// Get returns the known presence for a user.
func (t *Tracker) Get(userID string) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[userID]
	return e, ok
}

// Snapshot returns a copy of the whole presence map.
func (t *Tracker) Snapshot() map[string]Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Entry, len(t.entries))
	for k, v := range t.entries {
		out[k] = v
	}
	return out
}

// StartPolling begins periodic fallback queries for the users returned by
// subjects. Called when the push connection drops; an already running loop
// is replaced. Results merge through Apply, so a poll racing a push can
// never regress an entry.
func (t *Tracker) StartPolling(subjects func() []string) {
	ctx, cancel := context.WithCancel(context.Background())

	t.mu.Lock()
	if t.cancelPoll != nil {
		t.cancelPoll()
	}
	t.cancelPoll = cancel
	t.mu.Unlock()

	go t.pollLoop(ctx, subjects)
}

// StopPolling cancels the poll loop. Called when the push connection is
// back; presence flows from server pushes again.
func (t *Tracker) StopPolling() {
	t.mu.Lock()
	if t.cancelPoll != nil {
		t.cancelPoll()
		t.cancelPoll = nil
	}
	t.mu.Unlock()
}

func (t *Tracker) pollLoop(ctx context.Context, subjects func() []string) {
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids := subjects()
			if len(ids) == 0 {
				continue
			}
			updates, err := t.querier.QueryPresence(ctx, ids)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				t.log.Warn("presence poll failed", zap.Error(err))
				continue
			}
			for _, u := range updates {
				t.Apply(u)
			}
		}
	}
}
