package status

import "testing"

func TestPromoteForward(t *testing.T) {
	tests := []struct {
		current Status
		next    Status
		want    Status
	}{
		{Sending, Sent, Sent},
		{Sent, Delivered, Delivered},
		{Delivered, Read, Read},
		{Sending, Read, Read}, // skipping intermediate states is fine
		{Sending, Failed, Failed},
	}
	for _, tt := range tests {
		t.Run(string(tt.current)+"->"+string(tt.next), func(t *testing.T) {
			if got := Promote(tt.current, tt.next); got != tt.want {
				t.Errorf("Promote(%s, %s) = %s, want %s", tt.current, tt.next, got, tt.want)
			}
		})
	}
}

func TestPromoteNeverRegresses(t *testing.T) {
	tests := []struct {
		current Status
		next    Status
	}{
		{Sent, Sending},
		{Delivered, Sent},
		{Read, Delivered},
		{Read, Sending},
	}
	for _, tt := range tests {
		t.Run(string(tt.current)+"->"+string(tt.next), func(t *testing.T) {
			if got := Promote(tt.current, tt.next); got != tt.current {
				t.Errorf("Promote(%s, %s) = %s, want %s (no regression)", tt.current, tt.next, got, tt.current)
			}
		})
	}
}

// TestFailedOnlyFromSending verifies that retry exhaustion cannot clobber a
// message the server already confirmed. A send ack and an outbox eviction can
// race; the ack must win.
func TestFailedOnlyFromSending(t *testing.T) {
	for _, current := range []Status{Sent, Delivered, Read} {
		if got := Promote(current, Failed); got != current {
			t.Errorf("Promote(%s, failed) = %s, want %s", current, got, current)
		}
	}
	if got := Promote(Sending, Failed); got != Failed {
		t.Errorf("Promote(sending, failed) = %s, want failed", got)
	}
}

func TestFailedIsTerminal(t *testing.T) {
	if !Terminal(Failed) {
		t.Error("Terminal(failed) = false, want true")
	}
	if got := Promote(Failed, Sent); got != Failed {
		t.Errorf("Promote(failed, sent) = %s, want failed", got)
	}
}

func TestPromoteIgnoresUnknown(t *testing.T) {
	if got := Promote(Sent, Status("bogus")); got != Sent {
		t.Errorf("Promote(sent, bogus) = %s, want sent", got)
	}
}

func TestCanTransition(t *testing.T) {
	if !CanTransition(Sending, Sent) {
		t.Error("CanTransition(sending, sent) = false, want true")
	}
	if CanTransition(Read, Sending) {
		t.Error("CanTransition(read, sending) = true, want false")
	}
	if CanTransition(Sent, Failed) {
		t.Error("CanTransition(sent, failed) = true, want false")
	}
}
