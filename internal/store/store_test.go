package store

import (
	"path/filepath"
	"slices"
	"testing"
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

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate; a second run must be a no-op.
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

func TestUpsertMessageIdempotent(t *testing.T) {
	db := testDB(t)

	m := &Message{ConversationID: "c1", MsgID: "m1", Type: "text", Body: "v1", SenderID: "u1", Status: "sent", Timestamp: 1000}
	if err := db.UpsertMessage(m); err != nil {
		t.Fatal(err)
	}
	m.Body = "v2"
	if err := db.UpsertMessage(m); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.Messages("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].Body != "v2" {
		t.Errorf("body = %q, want v2", msgs[0].Body)
	}
}

func TestUpsertMessageStatusNeverRegresses(t *testing.T) {
	db := testDB(t)

	m := &Message{ConversationID: "c1", MsgID: "m1", Type: "text", Body: "hi", SenderID: "u1", Status: "read", Timestamp: 1000}
	if err := db.UpsertMessage(m); err != nil {
		t.Fatal(err)
	}

	// A stale upsert carrying "sent" must not undo "read".
	m.Status = "sent"
	if err := db.UpsertMessage(m); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.Messages("c1")
	if err != nil {
		t.Fatal(err)
	}
	if msgs[0].Status != "read" {
		t.Errorf("status = %q, want read (no regression)", msgs[0].Status)
	}
}

func TestMessagesOrderedByTimestamp(t *testing.T) {
	db := testDB(t)

	for i, ts := range []int64{3000, 1000, 2000} {
		if err := db.UpsertMessage(&Message{
			ConversationID: "c1", MsgID: "m" + string(rune('a'+i)), Type: "text",
			Body: "x", SenderID: "u1", Status: "sent", Timestamp: ts,
		}); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := db.Messages("c1")
	if err != nil {
		t.Fatal(err)
	}
	var got []int64
	for _, m := range msgs {
		got = append(got, m.Timestamp)
	}
	want := []int64{1000, 2000, 3000}
	if !slices.Equal(got, want) {
		t.Errorf("timestamps = %v, want %v", got, want)
	}
}

func TestReplaceMessages(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertMessage(&Message{ConversationID: "c1", MsgID: "temp_1", Type: "text", Body: "old", SenderID: "u1", Status: "sending", Timestamp: 1000}); err != nil {
		t.Fatal(err)
	}

	snapshot := []Message{
		{MsgID: "s1", Type: "text", Body: "one", SenderID: "u1", Status: "sent", Timestamp: 1000},
		{MsgID: "s2", Type: "text", Body: "two", SenderID: "u2", Status: "sent", Timestamp: 2000},
	}
	if err := db.ReplaceMessages("c1", snapshot); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.Messages("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2 (provisional replaced)", len(msgs))
	}
	if msgs[0].MsgID != "s1" || msgs[1].MsgID != "s2" {
		t.Errorf("ids = [%s %s], want [s1 s2]", msgs[0].MsgID, msgs[1].MsgID)
	}
}

func TestReadByRoundTrip(t *testing.T) {
	db := testDB(t)

	m := &Message{ConversationID: "c1", MsgID: "m1", Type: "text", Body: "hi", SenderID: "u1",
		Status: "read", ReadBy: []string{"u2", "u3"}, Timestamp: 1000}
	if err := db.UpsertMessage(m); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.Messages("c1")
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(msgs[0].ReadBy, []string{"u2", "u3"}) {
		t.Errorf("readBy = %v, want [u2 u3]", msgs[0].ReadBy)
	}
}

func TestQueueInsertionOrder(t *testing.T) {
	db := testDB(t)

	for _, id := range []string{"q1", "q2", "q3"} {
		if err := db.Enqueue(&QueuedMessage{ClientMsgID: id, ConversationID: "c1", Type: "text", Body: id, SenderID: "u1", Timestamp: 1000}); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := db.Queue()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	for i, want := range []string{"q1", "q2", "q3"} {
		if entries[i].ClientMsgID != want {
			t.Errorf("entries[%d] = %s, want %s", i, entries[i].ClientMsgID, want)
		}
	}

	if err := db.Dequeue("q2"); err != nil {
		t.Fatal(err)
	}
	entries, err = db.Queue()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].ClientMsgID != "q1" || entries[1].ClientMsgID != "q3" {
		t.Errorf("after dequeue: %+v, want [q1 q3]", entries)
	}
}

func TestIncrementRetryPersists(t *testing.T) {
	db := testDB(t)

	if err := db.Enqueue(&QueuedMessage{ClientMsgID: "q1", ConversationID: "c1", Type: "text", Body: "x", SenderID: "u1", Timestamp: 1000}); err != nil {
		t.Fatal(err)
	}

	n, err := db.IncrementRetry("q1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("first increment = %d, want 1", n)
	}
	n, err = db.IncrementRetry("q1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("second increment = %d, want 2", n)
	}

	entries, _ := db.Queue()
	if entries[0].RetryCount != 2 {
		t.Errorf("persisted retry_count = %d, want 2", entries[0].RetryCount)
	}
}

func TestIncrementRetryMissingEntry(t *testing.T) {
	db := testDB(t)
	n, err := db.IncrementRetry("ghost")
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("IncrementRetry(ghost) = %d, want 0", n)
	}
}

func TestConversationsOrderedByLastMessageDesc(t *testing.T) {
	db := testDB(t)

	convs := []Conversation{
		{ID: "c1", Type: "oneOnOne", Participants: []string{"u1", "u2"}, LastMessageAt: 1000},
		{ID: "c2", Type: "group", Participants: []string{"u1", "u2", "u3"}, Name: "team", LastMessageAt: 3000},
		{ID: "c3", Type: "oneOnOne", Participants: []string{"u1", "u3"}, LastMessageAt: 2000},
	}
	if err := db.ReplaceConversations(convs); err != nil {
		t.Fatal(err)
	}

	got, err := db.Conversations()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"c2", "c3", "c1"}
	for i, w := range want {
		if got[i].ID != w {
			t.Errorf("conversations[%d] = %s, want %s", i, got[i].ID, w)
		}
	}
	if !slices.Equal(got[0].Participants, []string{"u1", "u2", "u3"}) {
		t.Errorf("participants = %v, want [u1 u2 u3]", got[0].Participants)
	}
}

func TestProfileRoundTrip(t *testing.T) {
	db := testDB(t)

	if p, err := db.Profile(); err != nil || p != nil {
		t.Fatalf("Profile() on empty db = (%v, %v), want (nil, nil)", p, err)
	}

	if err := db.SaveProfile(&User{ID: "u1", Email: "a@b.c", DisplayName: "Ana"}); err != nil {
		t.Fatal(err)
	}
	p, err := db.Profile()
	if err != nil {
		t.Fatal(err)
	}
	if p == nil || p.ID != "u1" {
		t.Fatalf("Profile() = %+v, want u1", p)
	}

	// Saving a different profile moves the mark.
	if err := db.SaveProfile(&User{ID: "u2", DisplayName: "Bo"}); err != nil {
		t.Fatal(err)
	}
	p, err = db.Profile()
	if err != nil {
		t.Fatal(err)
	}
	if p.ID != "u2" {
		t.Errorf("Profile() = %s, want u2", p.ID)
	}
}

// Re-saving the profile for a user already mirrored from the remote user
// list must not wipe the cached fields with the bare identity row.
func TestSaveProfileKeepsCachedFields(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertUser(&User{ID: "u1", Email: "a@b.c", DisplayName: "Ana", PushToken: "tok"}); err != nil {
		t.Fatal(err)
	}
	// A later daemon run passing only the user id.
	if err := db.SaveProfile(&User{ID: "u1"}); err != nil {
		t.Fatal(err)
	}

	p, err := db.Profile()
	if err != nil {
		t.Fatal(err)
	}
	if p == nil || p.ID != "u1" {
		t.Fatalf("Profile() = %+v, want u1", p)
	}
	if p.DisplayName != "Ana" || p.Email != "a@b.c" || p.PushToken != "tok" {
		t.Errorf("cached fields clobbered: %+v", p)
	}
}

func TestClear(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertMessage(&Message{ConversationID: "c1", MsgID: "m1", Type: "text", Body: "x", SenderID: "u1", Status: "sent", Timestamp: 1}); err != nil {
		t.Fatal(err)
	}
	if err := db.Enqueue(&QueuedMessage{ClientMsgID: "q1", ConversationID: "c1", Type: "text", SenderID: "u1", Timestamp: 1}); err != nil {
		t.Fatal(err)
	}

	if err := db.Clear(); err != nil {
		t.Fatal(err)
	}

	msgs, _ := db.Messages("c1")
	if len(msgs) != 0 {
		t.Errorf("messages after Clear = %d, want 0", len(msgs))
	}
	entries, _ := db.Queue()
	if len(entries) != 0 {
		t.Errorf("queue after Clear = %d, want 0", len(entries))
	}
}
