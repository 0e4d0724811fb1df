package conversation

import (
	"sync"

	"github.com/vide-ai/vide/pkg/models"
)

// subscriber pairs a delivery channel with a done signal. Only the publish
// side ever closes ch; cancellation closes done, which unblocks any
// in-flight delivery so the channel can then be closed safely.
type subscriber struct {
	ch   chan models.Conversation
	done chan struct{}
}

func (sub *subscriber) deliver(c models.Conversation) {
	select {
	case sub.ch <- c:
	case <-sub.done:
	}
}

// Store holds one agent's current conversation snapshot, broadcasts every
// replacement to subscribers in strict sequence, and signals turn
// completion on a separate stream so consumers can latch on cleanly.
//
// Subscribers must drain their channels; delivery blocks rather than drops
// so a subscriber never observes a regression or a missing final snapshot.
type Store struct {
	mu       sync.Mutex
	current  models.Conversation
	subs     map[int]*subscriber
	turnSubs map[int]chan struct{}
	nextID   int
	closed   bool

	// pubMu serializes publishes; cancellation acquires it before closing a
	// subscriber channel so it never races an in-flight send.
	pubMu sync.Mutex
}

// NewStore creates a store with an empty idle conversation.
func NewStore() *Store {
	return &Store{
		current:  models.NewConversation(),
		subs:     make(map[int]*subscriber),
		turnSubs: make(map[int]chan struct{}),
	}
}

// Current returns the current snapshot.
func (s *Store) Current() models.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Replace installs a snapshot directly (resume load, user-message append)
// and publishes it.
func (s *Store) Replace(c models.Conversation) {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.current = c
	subs := s.snapshotSubs()
	s.mu.Unlock()
	for _, sub := range subs {
		sub.deliver(c)
	}
}

// Apply runs the reducer over one response, publishes the new snapshot, and
// signals turn completion when the reducer reports it. Returns the
// turn-complete flag.
func (s *Store) Apply(r models.Response) bool {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	res := Process(r, s.current)
	s.current = res.Conversation
	subs := s.snapshotSubs()
	if res.TurnComplete {
		// Turn signals are best-effort and sent under the state lock, which
		// also guards their close.
		for _, ch := range s.turnSubs {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.deliver(res.Conversation)
	}
	return res.TurnComplete
}

func (s *Store) snapshotSubs() []*subscriber {
	out := make([]*subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, sub)
	}
	return out
}

// Subscribe returns a stream of conversation snapshots and a cancel func.
func (s *Store) Subscribe() (<-chan models.Conversation, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	sub := &subscriber{
		ch:   make(chan models.Conversation, 1024),
		done: make(chan struct{}),
	}
	s.subs[id] = sub
	return sub.ch, func() { s.unsubscribe(id) }
}

func (s *Store) unsubscribe(id int) {
	s.mu.Lock()
	sub, ok := s.subs[id]
	if ok {
		delete(s.subs, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	close(sub.done)
	s.pubMu.Lock()
	close(sub.ch)
	s.pubMu.Unlock()
}

// TurnComplete returns a stream that receives one signal per completed
// turn, and a cancel func.
func (s *Store) TurnComplete() (<-chan struct{}, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	ch := make(chan struct{}, 16)
	s.turnSubs[id] = ch
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.turnSubs[id]; ok {
			delete(s.turnSubs, id)
			close(sub)
		}
	}
}

// Close closes all subscriptions.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	subs := make([]*subscriber, 0, len(s.subs))
	for id, sub := range s.subs {
		delete(s.subs, id)
		subs = append(subs, sub)
	}
	for id, ch := range s.turnSubs {
		delete(s.turnSubs, id)
		close(ch)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		close(sub.done)
	}
	s.pubMu.Lock()
	for _, sub := range subs {
		close(sub.ch)
	}
	s.pubMu.Unlock()
}
