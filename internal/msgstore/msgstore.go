// Package msgstore keeps the resident, ordered message sequences the engine
// works on. It is a plain in-memory structure owned by the engine's single
// goroutine; durability lives behind the store contract, not here.
package msgstore

import (
	"sort"
	"time"

	"chatsync/internal/chat"
)

type location struct {
	conversationID string
	messageID      string
}

// Store holds per-conversation message sequences ordered by (CreatedAt, ID),
// with an auxiliary nonce index for reconciling optimistic entries against
// their store echoes.
type Store struct {
	byConv  map[string][]chat.Message
	ids     map[string]map[string]struct{} // conversation id -> resident message ids
	byNonce map[string]location
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		byConv:  make(map[string][]chat.Message),
		ids:     make(map[string]map[string]struct{}),
		byNonce: make(map[string]location),
	}
}

// Append inserts the message at its ordered position. It reports false and
// leaves the store untouched when a message with the same id is already
// resident in that conversation.
func (s *Store) Append(m chat.Message) bool {
	if s.contains(m.ConversationID, m.ID) {
		return false
	}

	seq := s.byConv[m.ConversationID]
	// Remote events can arrive out of timestamp order relative to local
	// optimistic entries, so every append is an ordered insert.
	i := sort.Search(len(seq), func(i int) bool { return m.Less(seq[i]) })
	seq = append(seq, chat.Message{})
	copy(seq[i+1:], seq[i:])
	seq[i] = m
	s.byConv[m.ConversationID] = seq

	if s.ids[m.ConversationID] == nil {
		s.ids[m.ConversationID] = make(map[string]struct{})
	}
	s.ids[m.ConversationID][m.ID] = struct{}{}
	if m.ClientNonce != "" {
		s.byNonce[m.ClientNonce] = location{conversationID: m.ConversationID, messageID: m.ID}
	}
	return true
}

// ReplaceByNonce swaps the id of the entry correlated to nonce for the
// store-assigned id and marks it Sent. The entry keeps its position and body;
// only identity and delivery state change. Reports false when no entry
// carries the nonce.
func (s *Store) ReplaceByNonce(nonce, storeID string) (chat.Message, bool) {
	loc, ok := s.byNonce[nonce]
	if !ok {
		return chat.Message{}, false
	}
	seq := s.byConv[loc.conversationID]
	for i := range seq {
		if seq[i].ID != loc.messageID {
			continue
		}
		delete(s.ids[loc.conversationID], seq[i].ID)
		seq[i].ID = storeID
		seq[i].DeliveryState = chat.Sent
		s.ids[loc.conversationID][storeID] = struct{}{}
		s.byNonce[nonce] = location{conversationID: loc.conversationID, messageID: storeID}
		return seq[i], true
	}
	return chat.Message{}, false
}

// MarkDeliveryState updates a resident message's delivery state.
func (s *Store) MarkDeliveryState(conversationID, messageID string, state chat.DeliveryState) (chat.Message, bool) {
	seq := s.byConv[conversationID]
	for i := range seq {
		if seq[i].ID == messageID {
			seq[i].DeliveryState = state
			return seq[i], true
		}
	}
	return chat.Message{}, false
}

// MarkByNonce updates the delivery state of the entry correlated to nonce.
func (s *Store) MarkByNonce(nonce string, state chat.DeliveryState) (chat.Message, bool) {
	loc, ok := s.byNonce[nonce]
	if !ok {
		return chat.Message{}, false
	}
	return s.MarkDeliveryState(loc.conversationID, loc.messageID, state)
}

// ByNonce returns the resident entry correlated to nonce.
func (s *Store) ByNonce(nonce string) (chat.Message, bool) {
	loc, ok := s.byNonce[nonce]
	if !ok {
		return chat.Message{}, false
	}
	return s.Get(loc.conversationID, loc.messageID)
}

// Get returns a resident message by id.
func (s *Store) Get(conversationID, messageID string) (chat.Message, bool) {
	for _, m := range s.byConv[conversationID] {
		if m.ID == messageID {
			return m, true
		}
	}
	return chat.Message{}, false
}

// Contains reports whether the message id is resident in the conversation.
func (s *Store) Contains(conversationID, messageID string) bool {
	return s.contains(conversationID, messageID)
}

func (s *Store) contains(conversationID, messageID string) bool {
	ids, ok := s.ids[conversationID]
	if !ok {
		return false
	}
	_, ok = ids[messageID]
	return ok
}

// Messages returns a copy of the conversation's ordered sequence.
func (s *Store) Messages(conversationID string) []chat.Message {
	return append([]chat.Message(nil), s.byConv[conversationID]...)
}

// Last returns the newest resident message of the conversation.
func (s *Store) Last(conversationID string) (chat.Message, bool) {
	seq := s.byConv[conversationID]
	if len(seq) == 0 {
		return chat.Message{}, false
	}
	return seq[len(seq)-1], true
}

// PageBefore returns up to limit resident messages older than the given
// timestamp, in chronological order.
func (s *Store) PageBefore(conversationID string, before time.Time, limit int) []chat.Message {
	seq := s.byConv[conversationID]
	i := sort.Search(len(seq), func(i int) bool { return !seq[i].CreatedAt.Before(before) })
	older := seq[:i]
	if limit > 0 && len(older) > limit {
		older = older[len(older)-limit:]
	}
	return append([]chat.Message(nil), older...)
}

// Merge appends every message not already resident and reports how many were
// added. Used when history pages or resync fetches overlap resident state.
func (s *Store) Merge(conversationID string, msgs []chat.Message) int {
	added := 0
	for _, m := range msgs {
		m.ConversationID = conversationID
		if s.Append(m) {
			added++
		}
	}
	return added
}

// DropConversation removes a conversation's sequence and indexes. Used when a
// provisional conversation collapses into an already-known store id.
func (s *Store) DropConversation(conversationID string) []chat.Message {
	seq := s.byConv[conversationID]
	delete(s.byConv, conversationID)
	delete(s.ids, conversationID)
	for nonce, loc := range s.byNonce {
		if loc.conversationID == conversationID {
			delete(s.byNonce, nonce)
		}
	}
	return seq
}

// RebindConversation moves a provisional conversation's messages under the
// store-confirmed id.
func (s *Store) RebindConversation(oldID, newID string) {
	seq, ok := s.byConv[oldID]
	if !ok {
		return
	}
	delete(s.byConv, oldID)
	for i := range seq {
		seq[i].ConversationID = newID
	}
	s.byConv[newID] = seq

	s.ids[newID] = s.ids[oldID]
	delete(s.ids, oldID)
	for nonce, loc := range s.byNonce {
		if loc.conversationID == oldID {
			loc.conversationID = newID
			s.byNonce[nonce] = loc
		}
	}
}
