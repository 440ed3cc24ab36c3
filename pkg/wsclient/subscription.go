package wsclient

import "sync"

// subscriptionSet is the set of active channel identifiers for one
// connection. Iteration order is deterministic (insertion order) so that
// restore-on-reconnect re-emits subscribe messages in the same order every
// time.
type subscriptionSet struct {
	mu       sync.Mutex
	order    []string
	present  map[string]bool
	messages map[string]interface{}
	sink     telemetrySink
}

func newSubscriptionSet(sink telemetrySink) *subscriptionSet {
	return &subscriptionSet{
		present:  make(map[string]bool),
		messages: make(map[string]interface{}),
		sink:     sink,
	}
}

// add inserts channel if not already present, remembering msg (the exact
// subscribe payload) so it can be replayed verbatim on restore-on-reconnect.
// Adding the same channel twice leaves the set size unchanged but refreshes
// the remembered message.
func (s *subscriptionSet) add(channel string, msg interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[channel] = msg
	if s.present[channel] {
		return
	}
	s.present[channel] = true
	s.order = append(s.order, channel)
	s.sink.Emit("subscription.add", map[string]float64{"count": float64(len(s.order))}, map[string]string{"channel": channel})
}

// remove deletes channel from the set, if present.
func (s *subscriptionSet) remove(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.present[channel] {
		return
	}
	delete(s.present, channel)
	delete(s.messages, channel)
	for i, c := range s.order {
		if c == channel {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.sink.Emit("subscription.remove", map[string]float64{"count": float64(len(s.order))}, map[string]string{"channel": channel})
}

// channels returns a deterministically ordered snapshot of the set.
func (s *subscriptionSet) channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// replayMessages returns, in deterministic insertion order, the exact
// subscribe payload remembered for each currently-active channel. Used by
// the reconnection path to restore subscriptions after a fresh connect.
func (s *subscriptionSet) replayMessages() []interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]interface{}, 0, len(s.order))
	for _, c := range s.order {
		out = append(out, s.messages[c])
	}
	return out
}

// size returns the number of distinct channels currently subscribed.
func (s *subscriptionSet) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}
