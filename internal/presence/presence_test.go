package presence

import (
	"context"
	"testing"
	"time"

	"github.com/lucasreb/courier/internal/backend"
	"github.com/lucasreb/courier/internal/backend/memory"
	"github.com/lucasreb/courier/internal/bus"
	"go.uber.org/zap"
)

func testTracker(t *testing.T, remote backend.PresenceStore, b *bus.Bus) *Tracker {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	return NewTracker(remote, b, "me", logger)
}

func TestAppStateMapsToPresence(t *testing.T) {
	remote := memory.New()
	b := bus.New()
	tr := testTracker(t, remote, b)
	ctx := context.Background()

	// Watch our own presence so writes become observable bus events.
	ch, unsub := b.Subscribe("presence.changed", 10)
	defer unsub()
	if err := tr.Watch("me"); err != nil {
		t.Fatal(err)
	}
	defer tr.Close()

	states := map[string]string{
		"active":     "online",
		"background": "offline",
		"inactive":   "offline",
	}
	for appState, want := range states {
		tr.HandleAppState(ctx, appState)
		select {
		case evt := <-ch:
			p := evt.Payload.(backend.Presence)
			if p.State != want {
				t.Errorf("app state %q -> presence %q, want %q", appState, p.State, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for presence after app state %q", appState)
		}
	}
}

func TestWatchIdempotentAndUnwatch(t *testing.T) {
	remote := memory.New()
	b := bus.New()
	tr := testTracker(t, remote, b)
	ctx := context.Background()

	ch, unsub := b.Subscribe("presence.changed", 10)
	defer unsub()

	if err := tr.Watch("bob"); err != nil {
		t.Fatal(err)
	}
	if err := tr.Watch("bob"); err != nil {
		t.Fatal(err)
	}

	if err := remote.SetPresence(ctx, backend.Presence{UserID: "bob", State: "online"}); err != nil {
		t.Fatal(err)
	}

	// One watch means one event per change.
	select {
	case evt := <-ch:
		p := evt.Payload.(backend.Presence)
		if p.UserID != "bob" || p.State != "online" {
			t.Errorf("presence = %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for presence.changed")
	}
	select {
	case evt := <-ch:
		t.Errorf("duplicate presence event: %+v", evt.Payload)
	case <-time.After(100 * time.Millisecond):
	}

	tr.Unwatch("bob")
	if err := remote.SetPresence(ctx, backend.Presence{UserID: "bob", State: "offline"}); err != nil {
		t.Fatal(err)
	}
	select {
	case evt := <-ch:
		t.Errorf("event after unwatch: %+v", evt.Payload)
	case <-time.After(100 * time.Millisecond):
	}
}
