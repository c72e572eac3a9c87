// Package chat holds the domain types shared by the sync engine components.
package chat

import "time"

// DeliveryState tracks a message's lifecycle against the persistent store.
type DeliveryState int

const (
	// Pending messages exist locally but have no store acknowledgment yet.
	Pending DeliveryState = iota
	// Sent messages are confirmed by the store. Terminal.
	Sent
	// Failed messages were rejected or timed out; an explicit retry moves
	// them back to Pending.
	Failed
)

func (s DeliveryState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Sent:
		return "sent"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Message is a single conversation entry. Within a conversation messages are
// totally ordered by (CreatedAt, ID); ID alone breaks ties for entries that
// share a timestamp.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Body           string
	CreatedAt      time.Time
	DeliveryState  DeliveryState
	// ClientNonce correlates an optimistic local entry with its store echo.
	// Empty for messages authored elsewhere.
	ClientNonce string
}

// Less reports whether m sorts before other under the (CreatedAt, ID) order.
func (m Message) Less(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

// Summary mirrors the newest message of a conversation for list rendering.
type Summary struct {
	Body      string
	SenderID  string
	CreatedAt time.Time
}

// Conversation is a 1:1 thread between the viewer and one counterpart.
type Conversation struct {
	ID                string
	CounterpartID     string
	CounterpartName   string
	CounterpartAvatar string
	LastMessage       Summary
	UnreadCount       int
	UpdatedAt         time.Time
}
