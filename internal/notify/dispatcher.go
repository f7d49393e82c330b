// Package notify decides, per inbound message, which notification effects
// fire: the audio cue and the unread hint for the floating widget.
package notify

import (
	"context"
	"sync"

	"github.com/lumenhq/messenger/internal/bus"
	"github.com/lumenhq/messenger/internal/store"
	"go.uber.org/zap"
)

// CuePlayer plays the incoming-message sound. The daemon default only logs;
// a surface wires a real player.
type CuePlayer interface {
	Play()
}

// LogCue is the headless CuePlayer.
type LogCue struct {
	Logger *zap.Logger
}

func (c *LogCue) Play() {
	c.Logger.Info("notification cue")
}

// Dispatcher observes store mutations and turns them into notification
// effects. Surfaces report their mount and pin state; everything else is
// derived from bus events.
type Dispatcher struct {
	bus    *bus.Bus
	focus  *store.Focus
	cue    CuePlayer
	logger *zap.Logger

	mu      sync.Mutex
	mounted map[string]bool
	pinned  map[string]bool
	sound   bool

	cancel context.CancelFunc
}

// NewDispatcher creates a dispatcher. soundEnabled is the initial mute state.
func NewDispatcher(b *bus.Bus, focus *store.Focus, cue CuePlayer, soundEnabled bool, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		bus:     b,
		focus:   focus,
		cue:     cue,
		logger:  logger,
		mounted: make(map[string]bool),
		pinned:  make(map[string]bool),
		sound:   soundEnabled,
	}
}

// Start subscribes to store mutations and typing changes.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	msgs, unsubMsgs := d.bus.Subscribe(bus.KindMessageUpserted, 128)
	typing, unsubTyping := d.bus.Subscribe(bus.KindTypingChanged, 64)

	go func() {
		defer unsubMsgs()
		defer unsubTyping()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-msgs:
				if m, ok := ev.Payload.(bus.MessageUpserted); ok {
					d.onMessage(m)
				}
			case ev := <-typing:
				if tc, ok := ev.Payload.(bus.TypingChanged); ok {
					d.onTyping(tc)
				}
			}
		}
	}()
}

// Stop stops the dispatcher.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
}

// MountSurface records that a full chat surface for the conversation is
// open. A mounted conversation never produces widget unread hints.
func (d *Dispatcher) MountSurface(conversationID string) {
	d.mu.Lock()
	d.mounted[conversationID] = true
	d.mu.Unlock()
}

// UnmountSurface records that the conversation's surface closed.
func (d *Dispatcher) UnmountSurface(conversationID string) {
	d.mu.Lock()
	delete(d.mounted, conversationID)
	d.mu.Unlock()
}

// SetPinned records whether the conversation's surface is pinned, meaning
// visibly in the foreground rather than merely open.
func (d *Dispatcher) SetPinned(conversationID string, pinned bool) {
	d.mu.Lock()
	if pinned {
		d.pinned[conversationID] = true
	} else {
		delete(d.pinned, conversationID)
	}
	d.mu.Unlock()
}

// SetSoundEnabled toggles the audio cue.
func (d *Dispatcher) SetSoundEnabled(enabled bool) {
	d.mu.Lock()
	d.sound = enabled
	d.mu.Unlock()
}

// onMessage applies the notification rules to one store mutation. Only
// confirmed inbound messages notify: own echoes and optimistic rows are
// silent, and replays of already-cached messages arrive as upserts with
// unchanged content so the store never re-publishes them.
func (d *Dispatcher) onMessage(m bus.MessageUpserted) {
	if !m.Inbound || m.DeliveryState != store.DeliveryConfirmed {
		return
	}

	focusedID, focused := d.focus.Current()

	d.mu.Lock()
	mounted := d.mounted[m.ConversationID]
	// The cue is suppressed only when the user is actively looking at this
	// conversation. Focused-but-unpinned still cues.
	visible := focused && focusedID == m.ConversationID && d.pinned[m.ConversationID]
	sound := d.sound
	d.mu.Unlock()

	if sound && !visible {
		d.cue.Play()
	}
	if !mounted {
		d.bus.Emit(bus.KindWidgetUnread, m)
	}
	d.logger.Debug("notification decision",
		zap.String("conversation_id", m.ConversationID),
		zap.Bool("cued", sound && !visible),
		zap.Bool("widget_unread", !mounted))
}

// onTyping relays typing state to the widget header for conversations
// without a mounted surface.
func (d *Dispatcher) onTyping(tc bus.TypingChanged) {
	d.mu.Lock()
	mounted := d.mounted[tc.PeerID]
	d.mu.Unlock()
	if !mounted {
		d.bus.Emit(bus.KindWidgetTyping, tc)
	}
}
