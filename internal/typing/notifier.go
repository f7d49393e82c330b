package typing

import (
	"sync"
	"time"

	"github.com/lumenhq/messenger/internal/transport"
	"go.uber.org/zap"
)

// DefaultIdleTimeout is how long after the last keystroke the outbound side
// waits before emitting typing-stop. It must stay under the inbound expiry
// so one dropped stop signal cannot cause indicator flicker on the peer.
const DefaultIdleTimeout = 2 * time.Second

// Emitter sends a wire event. Satisfied by *transport.Session.
type Emitter interface {
	Emit(t transport.EventType, data any)
}

// Notifier converts local keystroke activity into debounced typing-start and
// typing-stop signals, one small state machine per conversation:
// idle -> typing(deadline) -> idle. Sending or tearing down a composer emits
// the stop immediately; the peer has no other way to learn typing stopped.
type Notifier struct {
	emitter Emitter
	idle    time.Duration
	logger  *zap.Logger

	mu     sync.Mutex
	timers map[string]*peerTimer
}

// peerTimer is one armed idle timer. gen invalidates a fire that lost the
// race against a keystroke rearming the timer: the stale callback compares
// its captured generation and gives up instead of emitting a spurious stop.
type peerTimer struct {
	timer *time.Timer
	gen   uint64
}

// NewNotifier creates an outbound typing notifier with the given idle timeout.
func NewNotifier(emitter Emitter, idle time.Duration, logger *zap.Logger) *Notifier {
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	return &Notifier{
		emitter: emitter,
		idle:    idle,
		logger:  logger,
		timers:  make(map[string]*peerTimer),
	}
}

// Activity records a qualifying keystroke for the conversation with peerID.
// The first keystroke emits typing-start and arms the idle timer; subsequent
// keystrokes only rearm it.
func (n *Notifier) Activity(peerID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if pt, ok := n.timers[peerID]; ok {
		pt.timer.Stop()
		pt.gen++
		gen := pt.gen
		pt.timer = time.AfterFunc(n.idle, func() { n.idleFired(peerID, gen) })
		return
	}
	pt := &peerTimer{gen: 1}
	pt.timer = time.AfterFunc(n.idle, func() { n.idleFired(peerID, 1) })
	n.timers[peerID] = pt
	n.emitter.Emit(transport.TypeTyping, transport.Typing{ReceiverID: peerID, IsTyping: true})
}

// Sent must be called when a message is sent: the stop coincides with the
// send instead of trailing it by the idle timeout.
func (n *Notifier) Sent(peerID string) {
	n.stopNow(peerID)
}

// Teardown must be called when the composer for peerID goes away (navigating
// off the conversation or switching peers) while typing may be in flight.
func (n *Notifier) Teardown(peerID string) {
	n.stopNow(peerID)
}

// stopNow and idleFired emit while holding the mutex, like Activity, so the
// start/stop signal order matches the state changes that caused them.
func (n *Notifier) stopNow(peerID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	pt, ok := n.timers[peerID]
	if !ok {
		return
	}
	pt.timer.Stop()
	delete(n.timers, peerID)
	n.emitter.Emit(transport.TypeTyping, transport.Typing{ReceiverID: peerID, IsTyping: false})
}

func (n *Notifier) idleFired(peerID string, gen uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	pt, ok := n.timers[peerID]
	if !ok || pt.gen != gen {
		// Lost the race against an explicit stop or a rearming keystroke.
		return
	}
	delete(n.timers, peerID)
	n.emitter.Emit(transport.TypeTyping, transport.Typing{ReceiverID: peerID, IsTyping: false})
}
