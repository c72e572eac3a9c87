package engine

import "chatsync/internal/chat"

// Snapshot is the immutable projection handed to the presentation layer. It
// is rebuilt as a fresh copy on every state change; holders may read it from
// any goroutine and must treat it as read-only.
type Snapshot struct {
	// Conversations is ordered by updatedAt desc.
	Conversations []chat.Conversation
	// ActiveConversationID is empty when no conversation is open.
	ActiveConversationID string
	// MessagesByConversation holds the resident ordered sequence per
	// conversation.
	MessagesByConversation map[string][]chat.Message
}

func (e *Engine) buildSnapshot() Snapshot {
	convs := e.convs.List()
	msgsBy := make(map[string][]chat.Message, len(convs))
	for _, c := range convs {
		if seq := e.msgs.Messages(c.ID); len(seq) > 0 || e.resident[c.ID] {
			msgsBy[c.ID] = seq
		}
	}
	return Snapshot{
		Conversations:          convs,
		ActiveConversationID:   e.active,
		MessagesByConversation: msgsBy,
	}
}

// emit rebuilds the snapshot and delivers it to every listener. Listeners run
// on the engine goroutine; they must hand the snapshot off, not block.
func (e *Engine) emit() {
	if len(e.listeners) == 0 {
		return
	}
	snap := e.buildSnapshot()
	for _, fn := range e.listeners {
		fn(snap)
	}
}
