// Package outbox reconciles locally-optimistic sends against server state.
// A send is visible in the cache immediately; the network round trip later
// replaces it with the confirmed record, or marks it failed for a retry.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lumenhq/messenger/internal/bus"
	"github.com/lumenhq/messenger/internal/rest"
	"github.com/lumenhq/messenger/internal/store"
	"go.uber.org/zap"
)

// ErrEmptyPayload is returned when a send carries neither text nor an image.
// Rejected synchronously, before any network attempt.
var ErrEmptyPayload = errors.New("message needs text or an image")

// ErrUnknownSend is returned by Retry for an id with no failed send attempt.
var ErrUnknownSend = errors.New("no failed send with that id")

// Sender is the slice of the persistence client the reconciler consumes.
type Sender interface {
	Send(ctx context.Context, req rest.SendRequest) (*rest.Message, error)
}

// TypingNotifier lets the reconciler stop the typing indicator exactly when
// a send happens.
type TypingNotifier interface {
	Sent(peerID string)
}

// Reconciler implements optimistic sends. Concurrent sends for the same
// conversation are independent and settle in whatever order their responses
// arrive; the store's replace-by-id semantics make that safe.
type Reconciler struct {
	db     *store.DB
	api    Sender
	bus    *bus.Bus
	typing TypingNotifier
	selfID string
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewReconciler creates a new send reconciler. typing may be nil.
func NewReconciler(db *store.DB, api Sender, b *bus.Bus, typing TypingNotifier, selfID string, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		db:     db,
		api:    api,
		bus:    b,
		typing: typing,
		selfID: selfID,
		logger: logger,
	}
}

// Start re-attempts sends that never settled in a previous run: still
// queued, or stuck in 'sending' because the process died mid-call.
func (r *Reconciler) Start(ctx context.Context) {
	r.ctx, r.cancel = context.WithCancel(ctx)

	pending, err := r.db.PendingOutbox()
	if err != nil {
		r.logger.Error("failed to read outbox", zap.Error(err))
		return
	}
	for _, entry := range pending {
		r.logger.Info("re-attempting unsettled send", zap.String("temp_id", entry.TempID))
		go r.deliver(entry.TempID)
	}
}

// Stop stops the reconciler. In-flight calls are cancelled via context; the
// outbox rows keep them retryable on the next run.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

// Send validates the payload, appends an optimistic message to the cache,
// and starts the network call. Returns the temporary message id.
func (r *Reconciler) Send(receiverID, text, imageURL string) (string, error) {
	if text == "" && imageURL == "" {
		return "", ErrEmptyPayload
	}

	tempID := "tmp-" + uuid.New().String()
	now := time.Now().UnixMilli()
	msg := &store.Message{
		ConversationID: receiverID,
		MsgID:          tempID,
		SenderID:       r.selfID,
		ReceiverID:     receiverID,
		Body:           text,
		ImageURL:       imageURL,
		DeliveryState:  store.DeliveryOptimistic,
		CreatedAt:      now,
	}

	if err := r.db.UpsertConversation(&store.Conversation{
		PartnerID:          receiverID,
		LastMessageAt:      now,
		LastMessagePreview: store.Preview(msg),
	}); err != nil {
		return "", fmt.Errorf("upsert conversation: %w", err)
	}
	if err := r.db.UpsertMessage(msg); err != nil {
		return "", fmt.Errorf("optimistic insert: %w", err)
	}
	if err := r.db.QueueOutbox(&store.OutboxEntry{
		TempID:         tempID,
		ConversationID: receiverID,
		ReceiverID:     receiverID,
		Body:           text,
		ImageURL:       imageURL,
	}); err != nil {
		return "", fmt.Errorf("queue outbox: %w", err)
	}

	r.publishUpserted(msg)
	if r.typing != nil {
		// The stop signal coincides with the send.
		r.typing.Sent(receiverID)
	}

	go r.deliver(tempID)
	return tempID, nil
}

// Retry re-attempts a failed send with identical content. On success there
// is exactly one confirmed message: the retry reuses the same temp id, so
// the confirmation replaces the same cached row.
func (r *Reconciler) Retry(tempID string) error {
	entry, err := r.db.GetOutboxEntry(tempID)
	if err != nil {
		return fmt.Errorf("read outbox entry: %w", err)
	}
	if entry == nil || entry.Status != store.OutboxFailed {
		return ErrUnknownSend
	}

	if err := r.db.MarkOutboxQueued(tempID); err != nil {
		return fmt.Errorf("requeue: %w", err)
	}
	if err := r.db.SetDeliveryState(entry.ConversationID, tempID, store.DeliveryOptimistic); err != nil {
		return fmt.Errorf("reset delivery state: %w", err)
	}
	r.bus.Emit(bus.KindMessageUpserted, bus.MessageUpserted{
		ConversationID: entry.ConversationID,
		MsgID:          tempID,
		SenderID:       r.selfID,
		DeliveryState:  store.DeliveryOptimistic,
	})

	go r.deliver(tempID)
	return nil
}

// deliver runs the network call for one outbox entry and reconciles the
// result into the cache.
func (r *Reconciler) deliver(tempID string) {
	ctx := r.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	entry, err := r.db.GetOutboxEntry(tempID)
	if err != nil || entry == nil {
		r.logger.Error("outbox entry missing for delivery", zap.Error(err), zap.String("temp_id", tempID))
		return
	}
	if err := r.db.MarkOutboxSending(tempID); err != nil {
		r.logger.Error("failed to mark sending", zap.Error(err), zap.String("temp_id", tempID))
		return
	}

	resp, err := r.api.Send(ctx, rest.SendRequest{
		ReceiverID: entry.ReceiverID,
		Text:       entry.Body,
		ImageURL:   entry.ImageURL,
	})
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown cancelled the call mid-flight. Left in 'sending' so
			// the next run's drain re-attempts it instead of parking it as
			// failed behind a manual retry.
			r.logger.Warn("send interrupted by shutdown", zap.String("temp_id", tempID))
			return
		}
		r.logger.Error("send failed", zap.Error(err), zap.String("temp_id", tempID))
		_ = r.db.MarkOutboxFailed(tempID, err.Error())
		// Kept in the cache as failed, never silently dropped: the user must
		// be able to see and retry it.
		if err := r.db.SetDeliveryState(entry.ConversationID, tempID, store.DeliveryFailed); err != nil {
			r.logger.Error("failed to mark message failed", zap.Error(err), zap.String("temp_id", tempID))
		}
		r.bus.Emit(bus.KindMessageSendFailed, bus.SendResult{
			ConversationID: entry.ConversationID,
			TempID:         tempID,
			Err:            err.Error(),
		})
		return
	}

	confirmed := &store.Message{
		ConversationID: entry.ConversationID,
		MsgID:          resp.ID,
		SenderID:       r.selfID,
		ReceiverID:     entry.ReceiverID,
		Body:           entry.Body,
		ImageURL:       entry.ImageURL,
		DeliveryState:  store.DeliveryConfirmed,
		CreatedAt:      resp.CreatedAt,
	}
	if err := r.db.ReplaceMessage(tempID, confirmed); err != nil {
		r.logger.Error("failed to reconcile confirmed message", zap.Error(err), zap.String("temp_id", tempID))
		return
	}
	if err := r.db.UpsertConversation(&store.Conversation{
		PartnerID:          entry.ConversationID,
		LastMessageAt:      confirmed.CreatedAt,
		LastMessagePreview: store.Preview(confirmed),
	}); err != nil {
		r.logger.Error("failed to refresh conversation recency", zap.Error(err))
	}
	if err := r.db.MarkOutboxSent(tempID, resp.ID); err != nil {
		r.logger.Error("failed to mark sent", zap.Error(err), zap.String("temp_id", tempID))
	}

	r.logger.Info("send confirmed", zap.String("temp_id", tempID), zap.String("server_msg_id", resp.ID))
	r.bus.Emit(bus.KindMessageSendAck, bus.SendResult{
		ConversationID: entry.ConversationID,
		TempID:         tempID,
		ServerMsgID:    resp.ID,
	})
	r.publishUpserted(confirmed)
}

func (r *Reconciler) publishUpserted(m *store.Message) {
	r.bus.Emit(bus.KindMessageUpserted, bus.MessageUpserted{
		ConversationID: m.ConversationID,
		MsgID:          m.MsgID,
		SenderID:       m.SenderID,
		DeliveryState:  m.DeliveryState,
	})
}
