package memory

import (
	"context"
	"testing"
	"time"

	"github.com/lucasreb/courier/internal/backend"
)

func TestInsertAssignsServerTimestamp(t *testing.T) {
	b := New()
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b.Now = func() time.Time { return fixed }

	id, err := b.InsertMessage(context.Background(), backend.Message{
		ConversationID: "c1",
		Type:           backend.TypeText,
		Text:           "hello",
		SenderID:       "u1",
		Status:         "sent",
		// Client timestamp must be overwritten by the server clock.
		Timestamp: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Fatal("InsertMessage returned empty id")
	}

	var got []backend.Message
	cancel, err := b.SubscribeMessages("c1", func(msgs []backend.Message) { got = msgs })
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	if len(got) != 1 {
		t.Fatalf("got %d messages, want 1", len(got))
	}
	if !got[0].Timestamp.Equal(fixed) {
		t.Errorf("timestamp = %v, want server clock %v", got[0].Timestamp, fixed)
	}
}

func TestSubscribeOrdersAscending(t *testing.T) {
	b := New()
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	i := 0
	b.Now = func() time.Time { i++; return ts.Add(time.Duration(i) * time.Second) }

	for _, text := range []string{"first", "second", "third"} {
		if _, err := b.InsertMessage(context.Background(), backend.Message{
			ConversationID: "c1", Type: backend.TypeText, Text: text, SenderID: "u1",
		}); err != nil {
			t.Fatal(err)
		}
	}

	var got []backend.Message
	cancel, err := b.SubscribeMessages("c1", func(msgs []backend.Message) { got = msgs })
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	want := []string{"first", "second", "third"}
	if len(got) != len(want) {
		t.Fatalf("got %d messages, want %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i].Text != w {
			t.Errorf("messages[%d].Text = %q, want %q", i, got[i].Text, w)
		}
	}
}

func TestSubscribeDeliversOnMutation(t *testing.T) {
	b := New()
	var snapshots [][]backend.Message
	cancel, err := b.SubscribeMessages("c1", func(msgs []backend.Message) {
		snapshots = append(snapshots, msgs)
	})
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	if _, err := b.InsertMessage(context.Background(), backend.Message{
		ConversationID: "c1", Type: backend.TypeText, Text: "hi", SenderID: "u1",
	}); err != nil {
		t.Fatal(err)
	}

	// Initial empty snapshot plus one for the insert.
	if len(snapshots) != 2 {
		t.Fatalf("got %d snapshots, want 2", len(snapshots))
	}
	if len(snapshots[1]) != 1 {
		t.Errorf("second snapshot has %d messages, want 1", len(snapshots[1]))
	}
}

func TestSubscribeCancelStopsDelivery(t *testing.T) {
	b := New()
	calls := 0
	cancel, err := b.SubscribeMessages("c1", func([]backend.Message) { calls++ })
	if err != nil {
		t.Fatal(err)
	}
	cancel()

	if _, err := b.InsertMessage(context.Background(), backend.Message{
		ConversationID: "c1", Type: backend.TypeText, Text: "hi", SenderID: "u1",
	}); err != nil {
		t.Fatal(err)
	}

	if calls != 1 { // initial snapshot only
		t.Errorf("calls = %d, want 1 (initial only)", calls)
	}
}

func TestMarkMessagesReadUnions(t *testing.T) {
	b := New()
	ctx := context.Background()
	id, err := b.InsertMessage(ctx, backend.Message{
		ConversationID: "c1", Type: backend.TypeText, Text: "hi", SenderID: "u1", Status: "sent",
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := b.MarkMessagesRead(ctx, "c1", []string{id}, "u2"); err != nil {
		t.Fatal(err)
	}
	if err := b.MarkMessagesRead(ctx, "c1", []string{id}, "u3"); err != nil {
		t.Fatal(err)
	}
	// Repeat must not duplicate.
	if err := b.MarkMessagesRead(ctx, "c1", []string{id}, "u2"); err != nil {
		t.Fatal(err)
	}

	var got []backend.Message
	cancel, _ := b.SubscribeMessages("c1", func(msgs []backend.Message) { got = msgs })
	defer cancel()

	if got[0].Status != "read" {
		t.Errorf("status = %q, want read", got[0].Status)
	}
	if len(got[0].ReadBy) != 2 {
		t.Fatalf("readBy = %v, want exactly {u2, u3}", got[0].ReadBy)
	}
}

func TestConversationsOrderedByLastMessageDesc(t *testing.T) {
	b := New()
	ctx := context.Background()

	c1, _ := b.InsertConversation(ctx, backend.Conversation{
		Type: backend.OneOnOne, Participants: []string{"u1", "u2"}, CreatedBy: "u1",
	})
	c2, _ := b.InsertConversation(ctx, backend.Conversation{
		Type: backend.OneOnOne, Participants: []string{"u1", "u3"}, CreatedBy: "u1",
	})

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := b.SetLastMessage(ctx, c1, "older", backend.TypeText, base); err != nil {
		t.Fatal(err)
	}
	if err := b.SetLastMessage(ctx, c2, "newer", backend.TypeText, base.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}

	var got []backend.Conversation
	cancel, err := b.SubscribeConversations("u1", func(cs []backend.Conversation) { got = cs })
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	if len(got) != 2 {
		t.Fatalf("got %d conversations, want 2", len(got))
	}
	if got[0].ID != c2 || got[1].ID != c1 {
		t.Errorf("order = [%s %s], want [%s %s]", got[0].ID, got[1].ID, c2, c1)
	}
}

func TestTypingUpsertKeyedByUser(t *testing.T) {
	b := New()
	ctx := context.Background()

	if err := b.SetTyping(ctx, "c1", "u1", true); err != nil {
		t.Fatal(err)
	}
	if err := b.SetTyping(ctx, "c1", "u1", false); err != nil {
		t.Fatal(err)
	}
	if err := b.SetTyping(ctx, "c1", "u2", true); err != nil {
		t.Fatal(err)
	}

	var got []backend.TypingStatus
	cancel, err := b.SubscribeTyping("c1", func(ts []backend.TypingStatus) { got = ts })
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	if len(got) != 2 {
		t.Fatalf("got %d typing docs, want 2 (one per user)", len(got))
	}
	if got[0].UserID != "u1" || got[0].IsTyping {
		t.Errorf("u1 typing doc = %+v, want isTyping=false", got[0])
	}
	if got[1].UserID != "u2" || !got[1].IsTyping {
		t.Errorf("u2 typing doc = %+v, want isTyping=true", got[1])
	}
}
