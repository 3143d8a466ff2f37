package gateway

import (
	"sync"

	"convsync/cmd/internal/remote"
	v1 "convsync/shared/contracts/feed/v1"
)

// session is one connected websocket peer.
//
// Design notes:
//   - send is never closed; done signals shutdown, so store listeners pushing
//     concurrently can never panic on a closed channel.
//   - userID is written once by hello on the read loop and only read there afterwards.
//   - subs is shared with listener goroutines (OnError removes entries).
type session struct {
	id     string
	userID string
	send   chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once

	mu   sync.Mutex
	subs map[string]remote.Subscription
}

func newSession(id string, sendQueueSize int) *session {
	return &session{
		id:   id,
		send: make(chan v1.Envelope, sendQueueSize),
		done: make(chan struct{}),
		subs: make(map[string]remote.Subscription),
	}
}

// offer enqueues env without blocking. It reports false when the session is
// closing or its queue is full.
func (s *session) offer(env v1.Envelope) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- env:
		return true
	default:
		return false
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// reserveSub claims subID before the store listener exists, so pushes and
// failures racing the subscribe reply already find it. It fails when the id is
// taken or max is reached.
func (s *session) reserveSub(subID string, max int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.subs[subID]; taken || len(s.subs) >= max {
		return false
	}
	s.subs[subID] = nil
	return true
}

// bindSub attaches sub to a reservation. It reports false when the reservation
// was dropped in the meantime (the listener already failed).
func (s *session) bindSub(subID string, sub remote.Subscription) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subs[subID]; !ok {
		return false
	}
	s.subs[subID] = sub
	return true
}

func (s *session) hasSub(subID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[subID]
	return ok
}

// takeSub removes subID. The returned subscription is nil for a bare reservation.
func (s *session) takeSub(subID string) (remote.Subscription, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[subID]
	if ok {
		delete(s.subs, subID)
	}
	return sub, ok
}

// takeAllSubs empties the subscription table.
func (s *session) takeAllSubs() []remote.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]remote.Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		if sub != nil {
			out = append(out, sub)
		}
	}
	s.subs = make(map[string]remote.Subscription)
	return out
}
