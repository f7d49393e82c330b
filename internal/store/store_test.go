package store

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := testDB(t)

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
}

func TestConversationUpsertAndList(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertConversation(&Conversation{PartnerID: "bob", PartnerName: "Bob", LastMessageAt: 1000, LastMessagePreview: "hello"}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertConversation(&Conversation{PartnerID: "carol", PartnerName: "Carol", LastMessageAt: 2000, LastMessagePreview: "hey"}); err != nil {
		t.Fatal(err)
	}

	convs, err := db.ListConversations(10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 2 {
		t.Fatalf("got %d conversations, want 2", len(convs))
	}
	// Recency order: carol first.
	if convs[0].PartnerID != "carol" || convs[1].PartnerID != "bob" {
		t.Errorf("order = %s, %s; want carol, bob", convs[0].PartnerID, convs[1].PartnerID)
	}

	// An older message must not move the conversation backwards.
	if err := db.UpsertConversation(&Conversation{PartnerID: "carol", LastMessageAt: 500, LastMessagePreview: "stale"}); err != nil {
		t.Fatal(err)
	}
	c, err := db.GetConversation("carol")
	if err != nil {
		t.Fatal(err)
	}
	if c.LastMessageAt != 2000 || c.LastMessagePreview != "hey" {
		t.Errorf("conversation = %+v, want recency kept at 2000/hey", c)
	}
	if c.PartnerName != "Carol" {
		t.Errorf("name = %q, want Carol (empty update must not erase)", c.PartnerName)
	}
}

func TestGetConversationMissing(t *testing.T) {
	db := testDB(t)
	c, err := db.GetConversation("nobody")
	if err != nil {
		t.Fatal(err)
	}
	if c != nil {
		t.Errorf("expected nil for missing conversation")
	}
}

func TestMessageUpsertIdempotent(t *testing.T) {
	db := testDB(t)

	msg := &Message{ConversationID: "bob", MsgID: "m1", SenderID: "bob", Body: "hello", DeliveryState: DeliveryConfirmed, CreatedAt: 1000}
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}
	// Same id again: replaced in place, never duplicated.
	msg.Body = "hello updated"
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("bob", 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].Body != "hello updated" {
		t.Errorf("body = %q, want hello updated", msgs[0].Body)
	}
}

func TestMessageRequiresTextOrImage(t *testing.T) {
	db := testDB(t)
	err := db.UpsertMessage(&Message{ConversationID: "bob", MsgID: "m1", DeliveryState: DeliveryConfirmed, CreatedAt: 1})
	if err == nil {
		t.Fatal("upsert with neither body nor image_url succeeded")
	}
}

func TestListMessagesDisplayOrder(t *testing.T) {
	db := testDB(t)

	// Insert out of order.
	for _, m := range []*Message{
		{ConversationID: "bob", MsgID: "m3", Body: "three", DeliveryState: DeliveryConfirmed, CreatedAt: 3000},
		{ConversationID: "bob", MsgID: "m1", Body: "one", DeliveryState: DeliveryConfirmed, CreatedAt: 1000},
		{ConversationID: "bob", MsgID: "m2", Body: "two", DeliveryState: DeliveryConfirmed, CreatedAt: 2000},
	} {
		if err := db.UpsertMessage(m); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := db.ListMessages("bob", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i-1].CreatedAt > msgs[i].CreatedAt {
			t.Errorf("messages not ascending by created_at: %v", msgs)
		}
	}

	// Keyset window: everything before m3, newest window, still ascending.
	window, err := db.ListMessages("bob", 3000, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(window) != 1 || window[0].MsgID != "m2" {
		t.Errorf("window = %+v, want just m2", window)
	}
}

func TestReplaceMessageDiscardsTempID(t *testing.T) {
	db := testDB(t)

	temp := &Message{ConversationID: "bob", MsgID: "tmp-1", SenderID: "alice", Body: "hi", DeliveryState: DeliveryOptimistic, CreatedAt: 1000}
	if err := db.UpsertMessage(temp); err != nil {
		t.Fatal(err)
	}

	confirmed := &Message{ConversationID: "bob", MsgID: "m-42", SenderID: "alice", Body: "hi", DeliveryState: DeliveryConfirmed, CreatedAt: 1010}
	if err := db.ReplaceMessage("tmp-1", confirmed); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("bob", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 after replace", len(msgs))
	}
	if msgs[0].MsgID != "m-42" || msgs[0].DeliveryState != DeliveryConfirmed {
		t.Errorf("message = %+v, want confirmed m-42", msgs[0])
	}
	gone, err := db.GetMessage("bob", "tmp-1")
	if err != nil {
		t.Fatal(err)
	}
	if gone != nil {
		t.Error("temp id still present after replace")
	}
}

// The server push for a message we already reconciled must not duplicate it.
func TestReplaceThenPushSameServerID(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertMessage(&Message{ConversationID: "bob", MsgID: "tmp-1", Body: "hi", DeliveryState: DeliveryOptimistic, CreatedAt: 1000}); err != nil {
		t.Fatal(err)
	}
	confirmed := &Message{ConversationID: "bob", MsgID: "m-42", Body: "hi", DeliveryState: DeliveryConfirmed, CreatedAt: 1010}
	if err := db.ReplaceMessage("tmp-1", confirmed); err != nil {
		t.Fatal(err)
	}
	// Echo from the server arrives afterwards.
	if err := db.UpsertMessage(confirmed); err != nil {
		t.Fatal(err)
	}

	msgs, _ := db.ListMessages("bob", 0, 10)
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
}

func TestDeleteMessageRollback(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertMessage(&Message{ConversationID: "bob", MsgID: "tmp-1", Body: "hi", DeliveryState: DeliveryOptimistic, CreatedAt: 1000}); err != nil {
		t.Fatal(err)
	}
	if err := db.DeleteMessage("bob", "tmp-1"); err != nil {
		t.Fatal(err)
	}
	msgs, _ := db.ListMessages("bob", 0, 10)
	if len(msgs) != 0 {
		t.Errorf("got %d messages, want 0 after rollback", len(msgs))
	}
}

func TestSetDeliveryState(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertMessage(&Message{ConversationID: "bob", MsgID: "tmp-1", Body: "hi", DeliveryState: DeliveryOptimistic, CreatedAt: 1000}); err != nil {
		t.Fatal(err)
	}
	if err := db.SetDeliveryState("bob", "tmp-1", DeliveryFailed); err != nil {
		t.Fatal(err)
	}
	m, _ := db.GetMessage("bob", "tmp-1")
	if m == nil || m.DeliveryState != DeliveryFailed {
		t.Errorf("message = %+v, want failed", m)
	}

	if err := db.SetDeliveryState("bob", "missing", DeliveryFailed); err == nil {
		t.Error("SetDeliveryState on missing message = nil, want error")
	}
}

func TestMergeHistoryIdempotent(t *testing.T) {
	db := testDB(t)

	batch := []*Message{
		{ConversationID: "bob", MsgID: "m1", Body: "one", DeliveryState: DeliveryConfirmed, CreatedAt: 1000},
		{ConversationID: "bob", MsgID: "m2", Body: "two", DeliveryState: DeliveryConfirmed, CreatedAt: 2000},
		{ConversationID: "carol", MsgID: "m3", Body: "three", DeliveryState: DeliveryConfirmed, CreatedAt: 3000},
	}
	if err := db.MergeHistory(batch); err != nil {
		t.Fatal(err)
	}
	if err := db.MergeHistory(batch); err != nil {
		t.Fatal(err)
	}

	bobMsgs, _ := db.ListMessages("bob", 0, 10)
	carolMsgs, _ := db.ListMessages("carol", 0, 10)
	if len(bobMsgs) != 2 || len(carolMsgs) != 1 {
		t.Errorf("got %d+%d messages, want 2+1", len(bobMsgs), len(carolMsgs))
	}

	convs, _ := db.ListConversations(10, 0)
	if len(convs) != 2 {
		t.Fatalf("got %d conversations, want 2", len(convs))
	}
	if convs[0].PartnerID != "carol" {
		t.Errorf("first conversation = %s, want carol (most recent)", convs[0].PartnerID)
	}
}

func TestOutboxLifecycle(t *testing.T) {
	db := testDB(t)

	if err := db.QueueOutbox(&OutboxEntry{TempID: "tmp-1", ConversationID: "bob", ReceiverID: "bob", Body: "hi"}); err != nil {
		t.Fatal(err)
	}

	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].TempID != "tmp-1" {
		t.Fatalf("pending = %+v, want one tmp-1", pending)
	}

	if err := db.MarkOutboxSending("tmp-1"); err != nil {
		t.Fatal(err)
	}
	// A 'sending' row is still pending: a crash mid-call must be retried.
	pending, _ = db.PendingOutbox()
	if len(pending) != 1 {
		t.Fatalf("got %d pending, want 1 while sending", len(pending))
	}

	if err := db.MarkOutboxSent("tmp-1", "m-42"); err != nil {
		t.Fatal(err)
	}
	pending, _ = db.PendingOutbox()
	if len(pending) != 0 {
		t.Errorf("got %d pending, want 0 after sent", len(pending))
	}

	e, err := db.GetOutboxEntry("tmp-1")
	if err != nil {
		t.Fatal(err)
	}
	if e == nil || e.Status != OutboxSent || e.ServerMsgID != "m-42" {
		t.Errorf("entry = %+v, want sent with m-42", e)
	}
}

func TestOutboxFailedAndRequeue(t *testing.T) {
	db := testDB(t)

	if err := db.QueueOutbox(&OutboxEntry{TempID: "tmp-1", ConversationID: "bob", ReceiverID: "bob", Body: "hi"}); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkOutboxFailed("tmp-1", "network error"); err != nil {
		t.Fatal(err)
	}
	pending, _ := db.PendingOutbox()
	if len(pending) != 0 {
		t.Fatalf("failed entry still pending")
	}

	if err := db.MarkOutboxQueued("tmp-1"); err != nil {
		t.Fatal(err)
	}
	e, _ := db.GetOutboxEntry("tmp-1")
	if e.Status != OutboxQueued || e.ErrorMessage != "" {
		t.Errorf("entry = %+v, want requeued with cleared error", e)
	}
}

func TestFocusLastWriterWinsPerConversation(t *testing.T) {
	f := NewFocus()

	gen1 := f.Select("bob")
	if !f.IsCurrent("bob", gen1) {
		t.Fatal("first select not current")
	}

	// A newer select of the same conversation supersedes the old fetch.
	gen2 := f.Select("bob")
	if f.IsCurrent("bob", gen1) {
		t.Error("stale generation still current")
	}
	if !f.IsCurrent("bob", gen2) {
		t.Error("latest generation not current")
	}

	// Selecting another conversation moves focus but does not invalidate
	// bob's latest fetch generation: last-writer-wins is per conversation.
	f.Select("carol")
	if cur, _ := f.Current(); cur != "carol" {
		t.Errorf("current = %q, want carol", cur)
	}
	if !f.IsCurrent("bob", gen2) {
		t.Error("bob's latest generation invalidated by selecting carol")
	}
}

// A server-assigned timestamp ahead of the local clock must still land in
// the default read window; skew may reorder, never hide.
func TestListMessagesIncludesFutureTimestamps(t *testing.T) {
	db := testDB(t)

	future := time.Now().UnixMilli() + 60_000
	if err := db.UpsertMessage(&Message{
		ConversationID: "bob", MsgID: "m-skew", SenderID: "bob",
		Body: "from the future", DeliveryState: DeliveryConfirmed, CreatedAt: future,
	}); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("bob", 0, 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].MsgID != "m-skew" {
		t.Fatalf("future-skewed message missing from default window: %v", msgs)
	}
}

func TestPreviewTruncatesOnRuneBoundary(t *testing.T) {
	body := strings.Repeat("世", 40) // 120 bytes of 3-byte runes
	p := Preview(&Message{Body: body})
	if len(p) > 100 {
		t.Errorf("preview is %d bytes, want <= 100", len(p))
	}
	if !utf8.ValidString(p) {
		t.Errorf("preview is not valid UTF-8: %q", p)
	}
	if p != strings.Repeat("世", 33) {
		t.Errorf("preview cut mid-rune: %q", p)
	}
}

func TestPreviewImageOnly(t *testing.T) {
	p := Preview(&Message{ImageURL: "https://cdn.example.com/p.png"})
	if p != "[image]" {
		t.Errorf("preview = %q, want [image]", p)
	}
}
