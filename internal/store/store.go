// Package store defines the persistent store contract the sync engine runs
// against, plus an in-memory implementation used by tests and the --memory
// daemon mode.
package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Message is a durably stored message as the store reports it. IDs are
// store-assigned; ClientNonce echoes the nonce carried by the create request
// so clients can correlate optimistic entries.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Body           string
	ClientNonce    string
	CreatedAt      time.Time
}

// Conversation is the store's view of a 1:1 thread.
type Conversation struct {
	ID           string
	Participants []string
	LastBody     string
	LastSenderID string
	LastAt       time.Time
	UpdatedAt    time.Time
}

// MessageEvent is pushed for every message created in a subscribed conversation.
type MessageEvent struct {
	Message Message
}

// ConversationEvent is pushed when a conversation a user participates in is
// created or its summary changes.
type ConversationEvent struct {
	Conversation Conversation
}

// ErrorCode classifies store failures.
type ErrorCode string

const (
	CodeTimeout     ErrorCode = "TIMEOUT"
	CodePermission  ErrorCode = "PERMISSION"
	CodeUnavailable ErrorCode = "UNAVAILABLE"
	CodeInvalid     ErrorCode = "INVALID"
)

// Error is a typed store failure.
type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("store: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("store: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a typed store error.
func NewError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// Store is the persistent store contract. Create and fetch calls honor ctx
// cancellation; subscriptions deliver events on the returned channel until the
// cancel func is called or the store shuts down, at which point the channel is
// closed and the caller is expected to resubscribe.
type Store interface {
	SubscribeConversations(ctx context.Context, userID string) (<-chan ConversationEvent, func(), error)
	SubscribeMessages(ctx context.Context, conversationID string) (<-chan MessageEvent, func(), error)
	CreateMessage(ctx context.Context, conversationID, senderID, body, clientNonce string) (Message, error)
	FetchMessagesBefore(ctx context.Context, conversationID string, before time.Time, limit int) ([]Message, error)
	CreateConversation(ctx context.Context, participantIDs []string) (string, error)
}

// ParticipantsKey returns the canonical order-independent key for a 1:1
// participant pair. Stores enforce conversation uniqueness on this key.
func ParticipantsKey(participantIDs []string) string {
	ids := append([]string(nil), participantIDs...)
	sort.Strings(ids)
	return strings.Join(ids, "|")
}
