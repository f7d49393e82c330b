package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lumenhq/messenger/internal/bus"
	"github.com/lumenhq/messenger/internal/status"
	"go.uber.org/zap"
)

// Config holds transport connection settings.
type Config struct {
	URL     string        // websocket endpoint, e.g. wss://host/ws
	MinWait time.Duration // initial reconnect backoff
	MaxWait time.Duration // backoff ceiling
}

// Session owns the single persistent bidirectional channel for the lifetime
// of an authenticated session. Inbound envelopes are decoded into the closed
// wire.* event set and published on the bus; Emit is fire-and-forget. Bus
// subscriptions survive reconnects, so consumers never re-register handlers.
type Session struct {
	cfg     Config
	bus     *bus.Bus
	machine *status.Machine
	logger  *zap.Logger
	dialer  *websocket.Dialer

	send chan []byte

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewSession creates a new transport session.
func NewSession(cfg Config, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *Session {
	if cfg.MinWait <= 0 {
		cfg.MinWait = time.Second
	}
	if cfg.MaxWait < cfg.MinWait {
		cfg.MaxWait = 30 * time.Second
	}
	return &Session{
		cfg:     cfg,
		bus:     b,
		machine: machine,
		logger:  logger,
		dialer:  websocket.DefaultDialer,
		send:    make(chan []byte, 256),
	}
}

// Connect starts the connection loop with the given identity token. An
// invalid identity is never surfaced as an error; the session lands in
// Disconnected, observable via session.status_changed.
func (s *Session) Connect(identity string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.run(ctx, identity)
}

// Close terminates the session. Terminal: the machine enters Closed and the
// session cannot be reused.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	_ = s.machine.Transition(status.Closed)
}

// Emit queues an outbound envelope. Fire-and-forget: no acknowledgement is
// guaranteed, and the envelope is dropped if the send buffer is full (for
// example while disconnected). Acknowledgement, where needed, is layered on
// top by the caller.
func (s *Session) Emit(t EventType, data any) {
	env, err := NewEnvelope(t, data)
	if err != nil {
		s.logger.Error("encode outbound envelope", zap.Error(err), zap.String("type", string(t)))
		return
	}
	raw, err := json.Marshal(env)
	if err != nil {
		s.logger.Error("marshal outbound envelope", zap.Error(err))
		return
	}
	select {
	case s.send <- raw:
	default:
		s.logger.Warn("outbound buffer full, dropping envelope", zap.String("type", string(t)))
	}
}

// run is the connection loop: dial, pump until the connection drops, back
// off and retry. Backoff doubles up to the configured ceiling and resets on
// a successful connect.
func (s *Session) run(ctx context.Context, identity string) {
	wait := s.cfg.MinWait
	header := http.Header{}
	header.Set("Authorization", "Bearer "+identity)

	for {
		if err := s.machine.Transition(status.Connecting); err != nil {
			return // machine moved to Closed under us
		}

		conn, resp, err := s.dialer.DialContext(ctx, s.cfg.URL, header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("dial failed", zap.Error(err), zap.Duration("retry_in", wait))
			_ = s.machine.Transition(status.Disconnected)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			}
			wait = min(wait*2, s.cfg.MaxWait)
			continue
		}

		wait = s.cfg.MinWait
		_ = s.machine.Transition(status.Connected)
		s.logger.Info("transport connected", zap.String("url", s.cfg.URL))

		s.pump(ctx, conn)
		_ = conn.Close()

		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("transport disconnected")
		_ = s.machine.Transition(status.Disconnected)
	}
}

// pump runs the write loop in a goroutine and reads until the connection
// drops or the context is cancelled.
func (s *Session) pump(ctx context.Context, conn *websocket.Conn) {
	done := make(chan struct{})
	defer close(done)

	go func() {
		ping := time.NewTicker(30 * time.Second)
		defer ping.Stop()
		for {
			select {
			case raw := <-s.send:
				if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
					return
				}
			case <-ping.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-done:
				return
			case <-ctx.Done():
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("read error", zap.Error(err))
			}
			return
		}
		s.handleRaw(raw)
	}
}

func (s *Session) handleRaw(raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.logger.Warn("malformed envelope", zap.Error(err))
		return
	}
	s.handleEnvelope(&env)
}

// handleEnvelope decodes a wire envelope and publishes the typed event.
func (s *Session) handleEnvelope(env *Envelope) {
	switch env.Type {
	case TypePresenceSnapshot:
		var p PresenceSnapshot
		if err := json.Unmarshal(env.Data, &p); err != nil {
			s.logger.Warn("bad presence snapshot", zap.Error(err))
			return
		}
		s.bus.Emit(bus.KindWirePresenceSnapshot, &p)
	case TypePresenceDelta:
		var p PresenceDelta
		if err := json.Unmarshal(env.Data, &p); err != nil {
			s.logger.Warn("bad presence delta", zap.Error(err))
			return
		}
		s.bus.Emit(bus.KindWirePresenceDelta, &p)
	case TypeTyping:
		var p Typing
		if err := json.Unmarshal(env.Data, &p); err != nil {
			s.logger.Warn("bad typing signal", zap.Error(err))
			return
		}
		s.bus.Emit(bus.KindWireTyping, &p)
	case TypeMessageNew:
		var m Message
		if err := json.Unmarshal(env.Data, &m); err != nil {
			s.logger.Warn("bad message push", zap.Error(err))
			return
		}
		s.bus.Emit(bus.KindWireMessage, &m)
	default:
		s.logger.Debug("unknown envelope type", zap.String("type", string(env.Type)))
	}
}
