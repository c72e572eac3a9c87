package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a goroutine-safe in-memory Store. It honors the same
// contract as the real adapters: store-assigned ids, idempotent message
// creation by client nonce, and conversation uniqueness on the participant
// pair.
type MemoryStore struct {
	mu         sync.RWMutex
	msgs       map[string][]Message // conversation id -> ascending (CreatedAt, ID)
	byNonce    map[string]Message   // conversation id + "|" + nonce
	convs      map[string]Conversation
	byPartKey  map[string]string // participants key -> conversation id
	convSubs   map[int64]*convSub
	msgSubs    map[int64]*msgSub
	nextSubID  int64
	now        func() time.Time
	subBufSize int
}

type convSub struct {
	userID string
	ch     chan ConversationEvent
	once   sync.Once
}

type msgSub struct {
	conversationID string
	ch             chan MessageEvent
	once           sync.Once
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(time.Now)
}

// NewMemoryStoreWithClock returns a store that stamps created entities with
// the supplied clock. Tests use this for deterministic ordering.
func NewMemoryStoreWithClock(now func() time.Time) *MemoryStore {
	return &MemoryStore{
		msgs:       make(map[string][]Message),
		byNonce:    make(map[string]Message),
		convs:      make(map[string]Conversation),
		byPartKey:  make(map[string]string),
		convSubs:   make(map[int64]*convSub),
		msgSubs:    make(map[int64]*msgSub),
		now:        now,
		subBufSize: 64,
	}
}

func (s *MemoryStore) SubscribeConversations(ctx context.Context, userID string) (<-chan ConversationEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, NewError(CodeUnavailable, "context_done", err)
	}

	sub := &convSub{userID: userID, ch: make(chan ConversationEvent, s.subBufSize)}
	s.mu.Lock()
	s.nextSubID++
	id := s.nextSubID
	s.convSubs[id] = sub
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		delete(s.convSubs, id)
		s.mu.Unlock()
		sub.once.Do(func() { close(sub.ch) })
	}
	return sub.ch, cancel, nil
}

func (s *MemoryStore) SubscribeMessages(ctx context.Context, conversationID string) (<-chan MessageEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, NewError(CodeUnavailable, "context_done", err)
	}

	sub := &msgSub{conversationID: conversationID, ch: make(chan MessageEvent, s.subBufSize)}
	s.mu.Lock()
	s.nextSubID++
	id := s.nextSubID
	s.msgSubs[id] = sub
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		delete(s.msgSubs, id)
		s.mu.Unlock()
		sub.once.Do(func() { close(sub.ch) })
	}
	return sub.ch, cancel, nil
}

func (s *MemoryStore) CreateMessage(ctx context.Context, conversationID, senderID, body, clientNonce string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, NewError(CodeTimeout, "context_done", err)
	}

	s.mu.Lock()
	conv, ok := s.convs[conversationID]
	if !ok {
		s.mu.Unlock()
		return Message{}, NewError(CodeInvalid, "unknown_conversation", nil)
	}

	// Same nonce means the same logical message: return the original record
	// rather than storing a duplicate.
	nonceKey := conversationID + "|" + clientNonce
	if clientNonce != "" {
		if existing, ok := s.byNonce[nonceKey]; ok {
			s.mu.Unlock()
			return existing, nil
		}
	}

	msg := Message{
		ID:             "m-" + uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Body:           body,
		ClientNonce:    clientNonce,
		CreatedAt:      s.now(),
	}
	s.insertLocked(msg)
	if clientNonce != "" {
		s.byNonce[nonceKey] = msg
	}

	conv.LastBody = msg.Body
	conv.LastSenderID = msg.SenderID
	conv.LastAt = msg.CreatedAt
	conv.UpdatedAt = msg.CreatedAt
	s.convs[conversationID] = conv
	s.mu.Unlock()

	s.publishMessage(MessageEvent{Message: msg})
	s.publishConversation(conv)
	return msg, nil
}

func (s *MemoryStore) FetchMessagesBefore(ctx context.Context, conversationID string, before time.Time, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewError(CodeTimeout, "context_done", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Message
	for _, m := range s.msgs[conversationID] {
		if m.CreatedAt.Before(before) {
			out = append(out, m)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return append([]Message(nil), out...), nil
}

func (s *MemoryStore) CreateConversation(ctx context.Context, participantIDs []string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", NewError(CodeTimeout, "context_done", err)
	}
	if len(participantIDs) != 2 || participantIDs[0] == participantIDs[1] {
		return "", NewError(CodeInvalid, "participants_must_be_two_distinct_users", nil)
	}

	key := ParticipantsKey(participantIDs)

	s.mu.Lock()
	if id, ok := s.byPartKey[key]; ok {
		// Uniqueness on the participant pair: a racing second create gets
		// the existing conversation id back.
		s.mu.Unlock()
		return id, nil
	}
	conv := Conversation{
		ID:           "c-" + uuid.NewString(),
		Participants: append([]string(nil), participantIDs...),
		UpdatedAt:    s.now(),
	}
	s.convs[conv.ID] = conv
	s.byPartKey[key] = conv.ID
	s.mu.Unlock()

	s.publishConversation(conv)
	return conv.ID, nil
}

// Conversations returns all conversations the user participates in, newest
// first. Engines call this once at startup to seed their index.
func (s *MemoryStore) Conversations(ctx context.Context, userID string) ([]Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Conversation
	for _, c := range s.convs {
		for _, p := range c.Participants {
			if p == userID {
				out = append(out, c)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *MemoryStore) insertLocked(m Message) {
	seq := s.msgs[m.ConversationID]
	i := sort.Search(len(seq), func(i int) bool {
		if !seq[i].CreatedAt.Equal(m.CreatedAt) {
			return seq[i].CreatedAt.After(m.CreatedAt)
		}
		return seq[i].ID > m.ID
	})
	seq = append(seq, Message{})
	copy(seq[i+1:], seq[i:])
	seq[i] = m
	s.msgs[m.ConversationID] = seq
}

// publishMessage delivers the event to every live message subscription for
// the conversation. Delivery is best-effort: a subscriber whose buffer is
// full misses the event and reconciles on its next resync.
func (s *MemoryStore) publishMessage(ev MessageEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.msgSubs {
		if sub.conversationID != ev.Message.ConversationID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

func (s *MemoryStore) publishConversation(conv Conversation) {
	ev := ConversationEvent{Conversation: conv}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.convSubs {
		for _, p := range conv.Participants {
			if sub.userID != p {
				continue
			}
			select {
			case sub.ch <- ev:
			default:
			}
			break
		}
	}
}
