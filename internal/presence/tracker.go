package presence

import (
	"context"
	"sync"

	"github.com/lumenhq/messenger/internal/bus"
	"github.com/lumenhq/messenger/internal/status"
	"github.com/lumenhq/messenger/internal/transport"
	"go.uber.org/zap"
)

// Tracker maintains the set of currently-online user ids from transport
// events. Presence is advisory: nothing about message delivery depends on it.
//
// Snapshot-then-delta ordering is mandatory. A delta arriving before its
// snapshot is buffered and replayed once the snapshot lands, otherwise
// presence can desync after reconnect races.
type Tracker struct {
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc

	mu           sync.RWMutex
	online       map[string]struct{}
	snapshotSeen bool
	pending      []*transport.PresenceDelta
}

// NewTracker creates a new presence tracker.
func NewTracker(b *bus.Bus, logger *zap.Logger) *Tracker {
	return &Tracker{
		bus:    b,
		logger: logger,
		online: make(map[string]struct{}),
	}
}

// Start subscribes to inbound presence events and connection state changes.
func (t *Tracker) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	wireCh, unsubWire := t.bus.Subscribe("wire.presence", 64)
	statusCh, unsubStatus := t.bus.Subscribe("session.", 16)

	go func() {
		defer unsubWire()
		defer unsubStatus()
		for {
			select {
			case evt := <-wireCh:
				t.handleWire(evt)
			case evt := <-statusCh:
				t.handleStatus(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the tracker.
func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
}

// IsOnline reports whether the given user is currently online.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.online[userID]
	return ok
}

// Snapshot returns a copy of the current online set.
func (t *Tracker) Snapshot() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.online))
	for id := range t.online {
		ids = append(ids, id)
	}
	return ids
}

func (t *Tracker) handleWire(evt bus.Event) {
	switch evt.Kind {
	case bus.KindWirePresenceSnapshot:
		snap, ok := evt.Payload.(*transport.PresenceSnapshot)
		if !ok {
			return
		}
		t.applySnapshot(snap)
	case bus.KindWirePresenceDelta:
		delta, ok := evt.Payload.(*transport.PresenceDelta)
		if !ok {
			return
		}
		t.applyDelta(delta)
	}
}

// handleStatus resets snapshot tracking on disconnect so the next
// connection's snapshot starts a fresh epoch; deltas racing ahead of it get
// buffered again. The cached set is kept for the degraded read-only view.
func (t *Tracker) handleStatus(evt bus.Event) {
	change, ok := evt.Payload.(status.StatusChange)
	if !ok {
		return
	}
	if change.To == status.Disconnected {
		t.mu.Lock()
		t.snapshotSeen = false
		t.mu.Unlock()
	}
}

func (t *Tracker) applySnapshot(snap *transport.PresenceSnapshot) {
	t.mu.Lock()
	before := t.online
	t.online = make(map[string]struct{}, len(snap.OnlineUserIDs))
	for _, id := range snap.OnlineUserIDs {
		t.online[id] = struct{}{}
	}
	t.snapshotSeen = true
	replay := t.pending
	t.pending = nil
	// Buffered deltas are replayed on top of the snapshot: the delta wins.
	t.applyDeltasLocked(replay)

	// Announce only state flips relative to the pre-replace set. A user the
	// replacing snapshot no longer lists went offline while we could not
	// observe it.
	changed := make(map[string]bool)
	for id := range t.online {
		if _, was := before[id]; !was {
			changed[id] = true
		}
	}
	for id := range before {
		if _, still := t.online[id]; !still {
			changed[id] = false
		}
	}
	t.mu.Unlock()

	t.logger.Debug("presence snapshot applied",
		zap.Int("online", len(snap.OnlineUserIDs)),
		zap.Int("replayed", len(replay)))
	t.publish(changed)
}

func (t *Tracker) applyDelta(delta *transport.PresenceDelta) {
	t.mu.Lock()
	if !t.snapshotSeen {
		t.pending = append(t.pending, delta)
		t.mu.Unlock()
		return
	}
	changed := t.applyDeltasLocked([]*transport.PresenceDelta{delta})
	t.mu.Unlock()
	t.publish(changed)
}

// applyDeltasLocked mutates the online set and returns the ids whose state
// is worth announcing. Caller holds t.mu.
func (t *Tracker) applyDeltasLocked(deltas []*transport.PresenceDelta) map[string]bool {
	changed := make(map[string]bool)
	for _, d := range deltas {
		if d.Online {
			t.online[d.UserID] = struct{}{}
		} else {
			delete(t.online, d.UserID)
		}
		changed[d.UserID] = d.Online
	}
	return changed
}

func (t *Tracker) publish(changed map[string]bool) {
	for id, online := range changed {
		t.bus.Emit(bus.KindPresenceChanged, bus.PresenceChanged{UserID: id, Online: online})
	}
}
