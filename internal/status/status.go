package status

import "slices"

// Status is a message delivery status. Per message, status only moves
// forward through the lattice; a later update can never regress it.
type Status string

const (
	Sending   Status = "sending"
	Sent      Status = "sent"
	Delivered Status = "delivered"
	Read      Status = "read"
	// Failed is a local-only terminal status applied when the outbound
	// queue evicts a message after exhausting its retries.
	Failed Status = "failed"
)

// rank orders the forward-progress statuses. Failed sits outside the
// lattice and is only reachable from Sending.
var rank = map[Status]int{
	Sending:   0,
	Sent:      1,
	Delivered: 2,
	Read:      3,
}

// validNext defines allowed direct transitions.
var validNext = map[Status][]Status{
	Sending:   {Sent, Delivered, Read, Failed},
	Sent:      {Delivered, Read},
	Delivered: {Read},
	Read:      {},
	Failed:    {},
}

// Valid reports whether s is a known status value.
func Valid(s Status) bool {
	_, ok := rank[s]
	return ok || s == Failed
}

// CanTransition reports whether a message may move directly from one
// status to another.
func CanTransition(from, to Status) bool {
	return slices.Contains(validNext[from], to)
}

// Promote merges an incoming status update with the current one,
// returning whichever is further along. Regressions are discarded: a
// stale "sent" arriving after "read" leaves the message read.
func Promote(current, next Status) Status {
	if !Valid(next) {
		return current
	}
	if !Valid(current) {
		return next
	}
	if next == Failed {
		if current == Sending {
			return Failed
		}
		return current
	}
	if current == Failed {
		return current
	}
	if rank[next] > rank[current] {
		return next
	}
	return current
}

// Terminal reports whether no further transitions are possible.
func Terminal(s Status) bool {
	return len(validNext[s]) == 0
}
