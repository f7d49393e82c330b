// Package ingest moves server-confirmed messages into the conversation
// store: live pushes from the transport, fetched history pages, and the
// conversation list. All writes are idempotent, keyed by message id.
package ingest

import (
	"context"
	"fmt"

	"github.com/lumenhq/messenger/internal/bus"
	"github.com/lumenhq/messenger/internal/rest"
	"github.com/lumenhq/messenger/internal/status"
	"github.com/lumenhq/messenger/internal/store"
	"github.com/lumenhq/messenger/internal/transport"
	"go.uber.org/zap"
)

const historyPageSize = 50

// API is the slice of the persistence client the engine consumes.
type API interface {
	History(ctx context.Context, partnerID string, beforeTs int64, limit int) ([]rest.Message, error)
	Conversations(ctx context.Context) ([]rest.ConversationSummary, error)
}

// Engine ingests confirmed messages into the store. It subscribes to
// wire.message pushes on the bus and serves Select requests from the chat
// surfaces, tagging each history fetch with the focus generation so a
// superseded fetch merges the cache but never touches the UI.
type Engine struct {
	db     *store.DB
	focus  *store.Focus
	api    API
	bus    *bus.Bus
	selfID string
	logger *zap.Logger
	cancel context.CancelFunc
}

// NewEngine creates a new ingest engine.
func NewEngine(db *store.DB, focus *store.Focus, api API, b *bus.Bus, selfID string, logger *zap.Logger) *Engine {
	return &Engine{
		db:     db,
		focus:  focus,
		api:    api,
		bus:    b,
		selfID: selfID,
		logger: logger,
	}
}

// Start subscribes to inbound pushes and refreshes the conversation list on
// every (re)connect.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	wireCh, unsubWire := e.bus.Subscribe(bus.KindWireMessage, 256)
	statusCh, unsubStatus := e.bus.Subscribe("session.", 16)

	go func() {
		defer unsubWire()
		defer unsubStatus()
		for {
			select {
			case evt := <-wireCh:
				msg, ok := evt.Payload.(*transport.Message)
				if !ok {
					continue
				}
				if err := e.IngestMessage(msg); err != nil {
					e.logger.Error("failed to ingest message", zap.Error(err), zap.String("msg_id", msg.ID))
				}
			case evt := <-statusCh:
				change, ok := evt.Payload.(status.StatusChange)
				if ok && change.To == status.Connected {
					go e.RefreshConversations(ctx)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

// IngestMessage processes a single confirmed message into the store
// (idempotent). The push for a message this client sent itself arrives here
// too; the upsert replaces the already-reconciled row in place.
func (e *Engine) IngestMessage(m *transport.Message) error {
	sm := wireToStore(m)
	if err := e.db.UpsertConversation(&store.Conversation{
		PartnerID:          sm.ConversationID,
		LastMessageAt:      sm.CreatedAt,
		LastMessagePreview: store.Preview(sm),
	}); err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	if err := e.db.UpsertMessage(sm); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}

	e.bus.Emit(bus.KindMessageUpserted, bus.MessageUpserted{
		ConversationID: sm.ConversationID,
		MsgID:          sm.MsgID,
		SenderID:       sm.SenderID,
		DeliveryState:  sm.DeliveryState,
		Inbound:        sm.SenderID != e.selfID,
	})
	return nil
}

// Select focuses the conversation with partnerID and fetches its history.
// The fetch runs asynchronously; when it lands, conversation.selected is
// published only if no newer Select for the same partner has superseded it.
func (e *Engine) Select(ctx context.Context, partnerID string) {
	gen := e.focus.Select(partnerID)
	go e.fetchHistory(ctx, partnerID, gen)
}

func (e *Engine) fetchHistory(ctx context.Context, partnerID string, gen uint64) {
	msgs, err := e.api.History(ctx, partnerID, 0, historyPageSize)
	if err != nil {
		// Degraded: the surface falls back to whatever is cached.
		e.logger.Warn("history fetch failed", zap.Error(err), zap.String("partner", partnerID))
	} else if err := e.mergeHistory(msgs); err != nil {
		e.logger.Error("history merge failed", zap.Error(err), zap.String("partner", partnerID))
	}

	if !e.focus.IsCurrent(partnerID, gen) {
		// A newer Select superseded this fetch; the cache merge above is
		// kept, the UI effect is discarded.
		e.logger.Debug("stale history fetch discarded", zap.String("partner", partnerID), zap.Uint64("gen", gen))
		return
	}
	e.bus.Emit(bus.KindConversationSelected, bus.ConversationSelected{
		ConversationID: partnerID,
		Generation:     gen,
	})
}

func (e *Engine) mergeHistory(msgs []rest.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	batch := make([]*store.Message, 0, len(msgs))
	for i := range msgs {
		batch = append(batch, restToStore(&msgs[i]))
	}
	return e.db.MergeHistory(batch)
}

// RefreshConversations pulls the conversation list and folds it into the
// cache, including each conversation's last message.
func (e *Engine) RefreshConversations(ctx context.Context) {
	convs, err := e.api.Conversations(ctx)
	if err != nil {
		e.logger.Warn("conversation list refresh failed", zap.Error(err))
		return
	}
	for _, c := range convs {
		conv := &store.Conversation{
			PartnerID:        c.Partner.ID,
			PartnerName:      c.Partner.DisplayName,
			PartnerAvatarURL: c.Partner.AvatarURL,
		}
		if c.LastMessage != nil {
			sm := restToStore(c.LastMessage)
			conv.LastMessageAt = sm.CreatedAt
			conv.LastMessagePreview = store.Preview(sm)
			if err := e.db.UpsertMessage(sm); err != nil {
				e.logger.Error("failed to cache last message", zap.Error(err), zap.String("partner", c.Partner.ID))
			}
		}
		if err := e.db.UpsertConversation(conv); err != nil {
			e.logger.Error("failed to cache conversation", zap.Error(err), zap.String("partner", c.Partner.ID))
		}
	}
	e.logger.Info("conversation list refreshed", zap.Int("count", len(convs)))
}

func wireToStore(m *transport.Message) *store.Message {
	return &store.Message{
		ConversationID: m.ConversationID,
		MsgID:          m.ID,
		SenderID:       m.SenderID,
		ReceiverID:     m.ReceiverID,
		Body:           m.Text,
		ImageURL:       m.ImageURL,
		DeliveryState:  store.DeliveryConfirmed,
		CreatedAt:      m.CreatedAt,
	}
}

func restToStore(m *rest.Message) *store.Message {
	return &store.Message{
		ConversationID: m.ConversationID,
		MsgID:          m.ID,
		SenderID:       m.SenderID,
		ReceiverID:     m.ReceiverID,
		Body:           m.Text,
		ImageURL:       m.ImageURL,
		DeliveryState:  store.DeliveryConfirmed,
		CreatedAt:      m.CreatedAt,
	}
}
