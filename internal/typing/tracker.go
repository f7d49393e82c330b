package typing

import (
	"context"
	"sync"
	"time"

	"github.com/lumenhq/messenger/internal/bus"
	"github.com/lumenhq/messenger/internal/transport"
	"go.uber.org/zap"
)

// DefaultExpiry is how long an inbound typing-start stays valid without a
// refresh. Stop signals can be lost, so expiry is a correctness requirement,
// not an optimization.
const DefaultExpiry = 3 * time.Second

const sweepInterval = 250 * time.Millisecond

// Tracker converts inbound typing signals into a per-peer expiring boolean.
// Signals are processed in arrival order; out-of-order delivery from the
// transport is mitigated only by the expiry deadline.
type Tracker struct {
	bus    *bus.Bus
	expiry time.Duration
	logger *zap.Logger
	cancel context.CancelFunc

	mu        sync.Mutex
	deadlines map[string]time.Time
}

// NewTracker creates an inbound typing tracker with the given expiry.
func NewTracker(b *bus.Bus, expiry time.Duration, logger *zap.Logger) *Tracker {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	return &Tracker{
		bus:       b,
		expiry:    expiry,
		logger:    logger,
		deadlines: make(map[string]time.Time),
	}
}

// Start subscribes to inbound typing signals and runs the expiry sweep.
func (t *Tracker) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	ch, unsub := t.bus.Subscribe(bus.KindWireTyping, 64)

	go func() {
		defer unsub()
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case evt := <-ch:
				sig, ok := evt.Payload.(*transport.Typing)
				if !ok {
					continue
				}
				t.handle(sig)
			case <-ticker.C:
				t.sweep()
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

// IsTyping reports whether the peer is currently typing. Reads between
// sweeps still honor the deadline.
func (t *Tracker) IsTyping(peerID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	deadline, ok := t.deadlines[peerID]
	return ok && time.Now().Before(deadline)
}

func (t *Tracker) handle(sig *transport.Typing) {
	t.mu.Lock()
	_, was := t.deadlines[sig.SenderID]
	if sig.IsTyping {
		t.deadlines[sig.SenderID] = time.Now().Add(t.expiry)
	} else {
		delete(t.deadlines, sig.SenderID)
	}
	t.mu.Unlock()

	if sig.IsTyping && !was {
		t.bus.Emit(bus.KindTypingChanged, bus.TypingChanged{PeerID: sig.SenderID, IsTyping: true})
	}
	if !sig.IsTyping && was {
		t.bus.Emit(bus.KindTypingChanged, bus.TypingChanged{PeerID: sig.SenderID, IsTyping: false})
	}
}

// sweep clears entries whose deadline has passed even when the stop signal
// never arrived.
func (t *Tracker) sweep() {
	now := time.Now()
	var expired []string
	t.mu.Lock()
	for peer, deadline := range t.deadlines {
		if now.After(deadline) {
			delete(t.deadlines, peer)
			expired = append(expired, peer)
		}
	}
	t.mu.Unlock()

	for _, peer := range expired {
		t.bus.Emit(bus.KindTypingChanged, bus.TypingChanged{PeerID: peer, IsTyping: false})
	}
}
