package ingest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/lumenhq/messenger/internal/bus"
	"github.com/lumenhq/messenger/internal/rest"
	"github.com/lumenhq/messenger/internal/store"
	"github.com/lumenhq/messenger/internal/transport"
	"go.uber.org/zap"
)

// fakeAPI serves canned history and conversation pages.
type fakeAPI struct {
	history map[string][]rest.Message
	convs   []rest.ConversationSummary
	err     error
}

func (f *fakeAPI) History(_ context.Context, partnerID string, _ int64, _ int) ([]rest.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.history[partnerID], nil
}

func (f *fakeAPI) Conversations(_ context.Context) ([]rest.ConversationSummary, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.convs, nil
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testEngine(t *testing.T, api API) (*Engine, *store.DB, *bus.Bus, *store.Focus) {
	t.Helper()
	db := testDB(t)
	b := bus.New()
	focus := store.NewFocus()
	e := NewEngine(db, focus, api, b, "alice", zap.NewNop())
	return e, db, b, focus
}

func TestIngestMessage(t *testing.T) {
	e, db, b, _ := testEngine(t, &fakeAPI{})

	ch, unsub := b.Subscribe("message.", 10)
	defer unsub()

	if err := e.IngestMessage(&transport.Message{
		ID: "m1", ConversationID: "bob", SenderID: "bob", ReceiverID: "alice",
		Text: "hello", CreatedAt: 1000,
	}); err != nil {
		t.Fatal(err)
	}

	// Conversation auto-created with recency columns.
	conv, err := db.GetConversation("bob")
	if err != nil {
		t.Fatal(err)
	}
	if conv == nil || conv.LastMessageAt != 1000 || conv.LastMessagePreview != "hello" {
		t.Errorf("conversation = %+v", conv)
	}

	msgs, _ := db.ListMessages("bob", 0, 10)
	if len(msgs) != 1 || msgs[0].DeliveryState != store.DeliveryConfirmed {
		t.Errorf("messages = %+v, want one confirmed", msgs)
	}

	select {
	case evt := <-ch:
		up, ok := evt.Payload.(bus.MessageUpserted)
		if !ok {
			t.Fatalf("payload = %T", evt.Payload)
		}
		if !up.Inbound {
			t.Error("message from bob marked outbound")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message.upserted")
	}
}

func TestIngestOwnEchoMarkedOutbound(t *testing.T) {
	e, _, b, _ := testEngine(t, &fakeAPI{})

	ch, unsub := b.Subscribe("message.", 10)
	defer unsub()

	// Server push of a message this identity sent (e.g. from another tab).
	if err := e.IngestMessage(&transport.Message{
		ID: "m2", ConversationID: "bob", SenderID: "alice", ReceiverID: "bob",
		Text: "mine", CreatedAt: 2000,
	}); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-ch:
		if evt.Payload.(bus.MessageUpserted).Inbound {
			t.Error("own echo marked inbound")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout")
	}
}

func TestIngestIdempotent(t *testing.T) {
	e, db, _, _ := testEngine(t, &fakeAPI{})

	msg := &transport.Message{ID: "m1", ConversationID: "bob", SenderID: "bob", Text: "v1", CreatedAt: 1000}
	if err := e.IngestMessage(msg); err != nil {
		t.Fatal(err)
	}
	msg.Text = "v2"
	if err := e.IngestMessage(msg); err != nil {
		t.Fatal(err)
	}

	msgs, _ := db.ListMessages("bob", 0, 10)
	if len(msgs) != 1 || msgs[0].Body != "v2" {
		t.Errorf("messages = %+v, want one with body v2", msgs)
	}
}

func TestBusSubscription(t *testing.T) {
	e, db, b, _ := testEngine(t, &fakeAPI{})
	e.Start(context.Background())
	defer e.Stop()

	b.Emit(bus.KindWireMessage, &transport.Message{
		ID: "m1", ConversationID: "bob", SenderID: "bob", Text: "from bus", CreatedAt: 1000,
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		msgs, _ := db.ListMessages("bob", 0, 10)
		if len(msgs) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("pushed message never reached the store")
}

func TestFetchHistoryMergesAndSelects(t *testing.T) {
	api := &fakeAPI{history: map[string][]rest.Message{
		"bob": {
			{ID: "m1", ConversationID: "bob", SenderID: "bob", Text: "one", CreatedAt: 1000},
			{ID: "m2", ConversationID: "bob", SenderID: "alice", Text: "two", CreatedAt: 2000},
		},
	}}
	e, db, b, focus := testEngine(t, api)

	ch, unsub := b.Subscribe(bus.KindConversationSelected, 10)
	defer unsub()

	gen := focus.Select("bob")
	e.fetchHistory(context.Background(), "bob", gen)

	msgs, _ := db.ListMessages("bob", 0, 10)
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}

	select {
	case evt := <-ch:
		sel := evt.Payload.(bus.ConversationSelected)
		if sel.ConversationID != "bob" || sel.Generation != gen {
			t.Errorf("selected = %+v", sel)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for conversation.selected")
	}
}

// A fetch superseded by a newer Select merges the cache but stays silent.
func TestStaleFetchIsSilent(t *testing.T) {
	api := &fakeAPI{history: map[string][]rest.Message{
		"bob": {{ID: "m1", ConversationID: "bob", SenderID: "bob", Text: "one", CreatedAt: 1000}},
	}}
	e, db, b, focus := testEngine(t, api)

	ch, unsub := b.Subscribe(bus.KindConversationSelected, 10)
	defer unsub()

	stale := focus.Select("bob")
	_ = focus.Select("bob") // newer select supersedes

	e.fetchHistory(context.Background(), "bob", stale)

	// Cache merge still happened.
	msgs, _ := db.ListMessages("bob", 0, 10)
	if len(msgs) != 1 {
		t.Fatalf("stale fetch did not merge cache")
	}
	// But no UI effect.
	select {
	case evt := <-ch:
		t.Errorf("stale fetch published %v", evt)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRefreshConversations(t *testing.T) {
	api := &fakeAPI{convs: []rest.ConversationSummary{
		{
			Partner:     rest.UserRef{ID: "bob", DisplayName: "Bob", AvatarURL: "http://x/bob.png"},
			LastMessage: &rest.Message{ID: "m9", ConversationID: "bob", SenderID: "bob", Text: "latest", CreatedAt: 9000},
		},
		{Partner: rest.UserRef{ID: "carol", DisplayName: "Carol"}},
	}}
	e, db, _, _ := testEngine(t, api)

	e.RefreshConversations(context.Background())

	convs, err := db.ListConversations(10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 2 {
		t.Fatalf("got %d conversations, want 2", len(convs))
	}
	if convs[0].PartnerID != "bob" || convs[0].PartnerName != "Bob" || convs[0].LastMessagePreview != "latest" {
		t.Errorf("first conversation = %+v", convs[0])
	}

	// The last message is cached as a real message row too.
	msgs, _ := db.ListMessages("bob", 0, 10)
	if len(msgs) != 1 || msgs[0].MsgID != "m9" {
		t.Errorf("messages = %+v, want cached m9", msgs)
	}
}
