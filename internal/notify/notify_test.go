package notify

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/lucasreb/courier/internal/backend"
	"github.com/lucasreb/courier/internal/backend/memory"
	"github.com/lucasreb/courier/internal/bus"
	"github.com/lucasreb/courier/internal/delivery"
	"github.com/lucasreb/courier/internal/store"
	sy "github.com/lucasreb/courier/internal/sync"
	"go.uber.org/zap"
)

func TestPreviewTruncation(t *testing.T) {
	long := strings.Repeat("a", 80)
	got := Preview("text", long, 50)
	if !strings.HasSuffix(got, "…") {
		t.Errorf("preview %q should end in ellipsis", got)
	}
	if n := utf8.RuneCountInString(got); n != 51 {
		t.Errorf("preview rune count = %d, want 50 + ellipsis", n)
	}

	short := "hey"
	if got := Preview("text", short, 50); got != short {
		t.Errorf("short preview = %q, want unchanged", got)
	}

	// Multibyte text must be cut on rune boundaries.
	emoji := strings.Repeat("é", 60)
	got = Preview("text", emoji, 50)
	if !utf8.ValidString(got) {
		t.Errorf("preview %q is not valid UTF-8", got)
	}
	if n := utf8.RuneCountInString(got); n != 51 {
		t.Errorf("multibyte preview rune count = %d, want 51", n)
	}
}

func TestPreviewImagePlaceholder(t *testing.T) {
	if got := Preview("image", "ignored body", 50); got != ImagePlaceholder {
		t.Errorf("image preview = %q, want %q", got, ImagePlaceholder)
	}
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

func snapshot(convID string, fromCache bool, msgs ...store.Message) bus.Event {
	return bus.Event{
		Kind:      "message.snapshot",
		Timestamp: time.Now(),
		Payload:   sy.MessageSnapshot{ConversationID: convID, Messages: msgs, FromCache: fromCache},
	}
}

func msg(id, sender, body string) store.Message {
	return store.Message{MsgID: id, Type: "text", Body: body, SenderID: sender, Status: "sent"}
}

func TestNotifierEmitsForForeignMessages(t *testing.T) {
	b := bus.New()
	db := testDB(t)
	if err := db.UpsertUser(&store.User{ID: "other", DisplayName: "Ada"}); err != nil {
		t.Fatal(err)
	}
	logger, _ := zap.NewDevelopment()
	n := NewNotifier(b, db, "me", 50, logger)
	n.Start(context.Background())
	defer n.Stop()

	ch, unsub := b.Subscribe("notification.show", 10)
	defer unsub()

	// Baseline snapshot: establishes the count, never notifies.
	b.Publish(snapshot("c1", false, msg("m1", "other", "old news")))
	// One new foreign message.
	b.Publish(snapshot("c1", false, msg("m1", "other", "old news"), msg("m2", "other", "hello there")))

	select {
	case evt := <-ch:
		nf := evt.Payload.(Notification)
		if nf.MessageID != "m2" {
			t.Errorf("notified for %s, want m2", nf.MessageID)
		}
		if nf.Title != "Ada" {
			t.Errorf("title = %q, want sender display name", nf.Title)
		}
		if nf.Body != "hello there" {
			t.Errorf("body = %q", nf.Body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for notification.show")
	}

	select {
	case evt := <-ch:
		t.Errorf("unexpected second notification: %+v", evt.Payload)
	case <-time.After(100 * time.Millisecond):
	}
}

// A reconnect snapshot can carry a foreign message that arrived while
// offline sorted before the user's freshly drained own message. The foreign
// message must still be notified even though it is not at the tail.
func TestNotifierSeesForeignMessageBehindOwn(t *testing.T) {
	b := bus.New()
	db := testDB(t)
	logger, _ := zap.NewDevelopment()
	n := NewNotifier(b, db, "me", 50, logger)
	n.Start(context.Background())
	defer n.Stop()

	ch, unsub := b.Subscribe("notification.show", 10)
	defer unsub()

	// Baseline: the pending provisional from an offline send.
	b.Publish(snapshot("c1", false, msg("temp_1_x", "me", "sent offline")))
	// Reconnect: foreign message first, drained own message last.
	b.Publish(snapshot("c1", false,
		msg("srv1", "other", "arrived while you were away"),
		msg("srv2", "me", "sent offline")))

	select {
	case evt := <-ch:
		nf := evt.Payload.(Notification)
		if nf.MessageID != "srv1" {
			t.Errorf("notified for %s, want srv1", nf.MessageID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for notification.show")
	}

	select {
	case evt := <-ch:
		t.Errorf("unexpected second notification: %+v", evt.Payload)
	case <-time.After(100 * time.Millisecond):
	}
}

// A snapshot that transiently shrinks (a provisional was dropped) and then
// regrows must not re-notify messages already seen.
func TestNotifierNoRenotifyAfterShrink(t *testing.T) {
	b := bus.New()
	logger, _ := zap.NewDevelopment()
	n := NewNotifier(b, testDB(t), "me", 50, logger)
	n.Start(context.Background())
	defer n.Stop()

	ch, unsub := b.Subscribe("notification.show", 10)
	defer unsub()

	b.Publish(snapshot("c1", false, msg("srv1", "other", "hi"), msg("temp_1_x", "me", "pending")))
	b.Publish(snapshot("c1", false, msg("srv1", "other", "hi")))
	b.Publish(snapshot("c1", false, msg("srv1", "other", "hi"), msg("srv2", "me", "pending")))

	select {
	case evt := <-ch:
		t.Errorf("unexpected notification: %+v", evt.Payload)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestNotifierSuppressesActiveAndOwn(t *testing.T) {
	b := bus.New()
	logger, _ := zap.NewDevelopment()
	n := NewNotifier(b, testDB(t), "me", 50, logger)
	n.SetActive("c1")
	n.Start(context.Background())
	defer n.Stop()

	ch, unsub := b.Subscribe("notification.show", 10)
	defer unsub()

	b.Publish(snapshot("c1", false))
	b.Publish(snapshot("c2", false))
	// New message in the open conversation: suppressed.
	b.Publish(snapshot("c1", false, msg("m1", "other", "hi")))
	// The user's own message elsewhere: suppressed.
	b.Publish(snapshot("c2", false, msg("m2", "me", "mine")))

	select {
	case evt := <-ch:
		t.Errorf("unexpected notification: %+v", evt.Payload)
	case <-time.After(200 * time.Millisecond):
	}
}

type recordingPush struct {
	mu     sync.Mutex
	tokens []string
	title  string
	body   string
	data   map[string]string
	calls  int
}

func (r *recordingPush) SendMulticast(_ context.Context, tokens []string, title, body string, data map[string]string) (backend.MulticastResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.tokens = tokens
	r.title = title
	r.body = body
	r.data = data
	return backend.MulticastResult{Success: len(tokens)}, nil
}

func TestPushRelayTargetsOtherParticipants(t *testing.T) {
	remote := memory.New()
	remote.SeedUser(backend.User{ID: "me", DisplayName: "Me", PushToken: "tok-me"})
	remote.SeedUser(backend.User{ID: "bob", DisplayName: "Bob", PushToken: "tok-bob"})
	remote.SeedUser(backend.User{ID: "carol", DisplayName: "Carol"}) // no token

	ctx := context.Background()
	convID, err := remote.InsertConversation(ctx, backend.Conversation{
		Type:         backend.Group,
		Name:         "book club",
		Participants: []string{"me", "bob", "carol"},
		CreatedBy:    "me",
	})
	if err != nil {
		t.Fatal(err)
	}

	b := bus.New()
	push := &recordingPush{}
	logger, _ := zap.NewDevelopment()
	relay := NewPushRelay(remote, remote, push, b, 50, logger)
	relay.Start(ctx)
	defer relay.Stop()

	b.Publish(bus.Event{
		Kind:      "message.send_ack",
		Timestamp: time.Now(),
		Payload: delivery.Ack{
			ProvisionalID: "temp_1_x",
			Message: backend.Message{
				ID: "m1", ConversationID: convID, Type: backend.TypeText,
				Text: "meeting moved to 8", SenderID: "me", Status: "sent",
			},
		},
	})

	deadline := time.Now().Add(2 * time.Second)
	for {
		push.mu.Lock()
		calls := push.calls
		push.mu.Unlock()
		if calls > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for multicast")
		}
		time.Sleep(5 * time.Millisecond)
	}

	push.mu.Lock()
	defer push.mu.Unlock()
	if len(push.tokens) != 1 || push.tokens[0] != "tok-bob" {
		t.Errorf("tokens = %v, want only bob's (sender excluded, tokenless skipped)", push.tokens)
	}
	if push.title != "Me in book club" {
		t.Errorf("title = %q, want sender in group form", push.title)
	}
	if push.body != "meeting moved to 8" {
		t.Errorf("body = %q", push.body)
	}
	if push.data["type"] != "new_message" || push.data["message_id"] != "m1" {
		t.Errorf("data = %v", push.data)
	}
}
