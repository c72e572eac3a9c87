package engine

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"chatsync/internal/chat"
	"chatsync/internal/store"
)

// applyRemoteMessage folds a store-pushed message into resident state. Runs
// on the engine goroutine.
func (e *Engine) applyRemoteMessage(m store.Message) {
	metricRemoteEvents.Inc()

	conv, known := e.convs.Get(m.ConversationID)
	if !known {
		// The conversation event carrying the metadata has not arrived yet.
		// Dropping is safe: the message is durable in the store and will be
		// fetched when the conversation is opened.
		metricDroppedEvents.Inc()
		e.log.Debug("dropped message event for unknown conversation",
			"conversation", m.ConversationID, "message", m.ID)
		return
	}

	// A sent-message echo: reconcile against the optimistic entry instead of
	// appending a duplicate.
	if m.ClientNonce != "" {
		if resident, ok := e.msgs.ByNonce(m.ClientNonce); ok {
			if resident.ID == m.ID {
				return
			}
			if _, ok := e.msgs.ReplaceByNonce(m.ClientNonce, m.ID); ok {
				e.emit()
				return
			}
		}
	}

	msg := chat.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Body:           m.Body,
		CreatedAt:      m.CreatedAt,
		DeliveryState:  chat.Sent,
		ClientNonce:    m.ClientNonce,
	}
	if !e.msgs.Append(msg) {
		return
	}

	if last, ok := e.msgs.Last(m.ConversationID); ok && last.ID == msg.ID {
		e.convs.Touch(m.ConversationID, chat.Summary{
			Body:      msg.Body,
			SenderID:  msg.SenderID,
			CreatedAt: msg.CreatedAt,
		}, msg.CreatedAt)
	}

	e.accountUnread(conv.ID, msg)
	e.emit()
}

// accountUnread applies the unread and watermark rules for one appended
// message.
func (e *Engine) accountUnread(conversationID string, m chat.Message) {
	if m.SenderID == e.user.ID {
		return
	}
	if conversationID == e.active {
		// Reading as it arrives: the watermark advances instead of the
		// counter.
		if m.CreatedAt.After(e.lastReadAt[conversationID]) {
			e.lastReadAt[conversationID] = m.CreatedAt
		}
		return
	}
	if m.CreatedAt.After(e.lastReadAt[conversationID]) {
		e.convs.IncrementUnread(conversationID)
	}
}

// applyConversationEvent folds a store-pushed conversation upsert into the
// index. Runs on the engine goroutine.
func (e *Engine) applyConversationEvent(c store.Conversation) {
	metricRemoteEvents.Inc()

	cc, ok := e.toConversation(c)
	if !ok {
		metricDroppedEvents.Inc()
		e.log.Debug("dropped conversation event without counterpart", "conversation", c.ID)
		return
	}

	if existing, known := e.convs.Get(cc.ID); known {
		// Optimistic local activity may already be ahead of the pushed
		// summary; never move a conversation backwards.
		if existing.UpdatedAt.Before(cc.UpdatedAt) {
			e.convs.Touch(cc.ID, cc.LastMessage, cc.UpdatedAt)
			e.emit()
		}
		return
	}

	// A provisional conversation with the same counterpart is this one under
	// its pre-confirmation id; fold it in rather than showing two threads.
	if prov, found := e.convs.FindByCounterpart(cc.CounterpartID); found && isProvisionalID(prov.ID) {
		e.confirmCounterpartMatch(prov, cc)
		return
	}

	e.convs.Upsert(cc)
	e.ensurePump(cc.ID)
	e.emit()
}

func isProvisionalID(id string) bool {
	return len(id) > len(localIDPrefix) && id[:len(localIDPrefix)] == localIDPrefix
}

// confirmCounterpartMatch rebinds a provisional conversation to the pushed
// store conversation with the same counterpart.
func (e *Engine) confirmCounterpartMatch(prov, pushed chat.Conversation) {
	delete(e.creating, prov.ID)
	e.convs.Rebind(prov.ID, pushed.ID)
	e.msgs.RebindConversation(prov.ID, pushed.ID)

	if wm, ok := e.lastReadAt[prov.ID]; ok {
		if wm.After(e.lastReadAt[pushed.ID]) {
			e.lastReadAt[pushed.ID] = wm
		}
		delete(e.lastReadAt, prov.ID)
	}
	if e.resident[prov.ID] {
		e.resident[pushed.ID] = true
		delete(e.resident, prov.ID)
	}
	if e.active == prov.ID {
		e.active = pushed.ID
	}

	if prov.UpdatedAt.Before(pushed.UpdatedAt) {
		e.convs.Touch(pushed.ID, pushed.LastMessage, pushed.UpdatedAt)
	}
	e.flushPending(prov.ID, pushed.ID)
	e.ensurePump(pushed.ID)
	e.emit()
}

// mergeFetched folds a fetched history page into resident state through the
// normal remote path so watermark accounting stays uniform.
func (e *Engine) mergeFetched(conversationID string, msgs []store.Message) {
	for _, m := range msgs {
		m.ConversationID = conversationID
		e.applyRemoteMessage(m)
	}
}

// ensurePump starts the message-event pump for a conversation exactly once.
// Runs on the engine goroutine.
func (e *Engine) ensurePump(conversationID string) {
	if isProvisionalID(conversationID) || e.pumps[conversationID] {
		return
	}
	e.pumps[conversationID] = true
	e.wg.Add(1)
	go e.pumpMessages(conversationID)
}

// pumpConversations forwards conversation events to the engine goroutine,
// resubscribing with paced backoff when the store closes the channel.
func (e *Engine) pumpConversations() {
	defer e.wg.Done()
	limiter := rate.NewLimiter(rate.Every(2*time.Second), 1)

	for {
		if err := limiter.Wait(e.runCtx); err != nil {
			return
		}
		ch, cancel, err := e.store.SubscribeConversations(e.runCtx, e.user.ID)
		if err != nil {
			e.log.Warn("conversation subscription failed; retrying", "err", err)
			continue
		}
		if !e.drainConversations(ch) {
			cancel()
			return
		}
		cancel()
		e.log.Info("conversation stream ended; resubscribing")
		e.post(func() { e.resync() })
	}
}

// drainConversations reads until the channel closes (resubscribe) or the
// engine stops (false).
func (e *Engine) drainConversations(ch <-chan store.ConversationEvent) bool {
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return true
			}
			c := ev.Conversation
			e.post(func() { e.applyConversationEvent(c) })
		case <-e.runCtx.Done():
			return false
		case <-e.quit:
			return false
		}
	}
}

// pumpMessages forwards one conversation's message events to the engine
// goroutine, resubscribing with paced backoff on stream end.
func (e *Engine) pumpMessages(conversationID string) {
	defer e.wg.Done()
	limiter := rate.NewLimiter(rate.Every(2*time.Second), 1)

	for {
		if err := limiter.Wait(e.runCtx); err != nil {
			return
		}
		ch, cancel, err := e.store.SubscribeMessages(e.runCtx, conversationID)
		if err != nil {
			e.log.Warn("message subscription failed; retrying",
				"conversation", conversationID, "err", err)
			continue
		}
		if !e.drainMessages(ch) {
			cancel()
			return
		}
		cancel()
		e.log.Info("message stream ended; resubscribing", "conversation", conversationID)
		e.post(func() { e.refetchLatest(conversationID) })
	}
}

func (e *Engine) drainMessages(ch <-chan store.MessageEvent) bool {
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return true
			}
			m := ev.Message
			e.post(func() { e.applyRemoteMessage(m) })
		case <-e.runCtx.Done():
			return false
		case <-e.quit:
			return false
		}
	}
}

// resync re-reads the conversation list after a conversation stream gap so
// anything pushed during the outage is not lost. Runs on the engine
// goroutine.
func (e *Engine) resync() {
	lister, ok := e.store.(conversationLister)
	if !ok {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(e.runCtx, e.submitTimeout)
		defer cancel()

		convs, err := lister.Conversations(ctx, e.user.ID)
		if err != nil {
			e.post(func() {
				e.log.Warn("conversation resync failed", "err", err)
			})
			return
		}
		e.post(func() {
			for _, c := range convs {
				e.applyConversationEvent(c)
			}
		})
	}()
}

// refetchLatest pulls the newest page after a message stream gap and merges
// it, relying on id dedup for overlap. Runs on the engine goroutine.
func (e *Engine) refetchLatest(conversationID string) {
	if !e.resident[conversationID] {
		// Nothing resident to backfill; history loads on open.
		return
	}
	before := e.clock()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(e.runCtx, e.submitTimeout)
		defer cancel()

		msgs, err := e.store.FetchMessagesBefore(ctx, conversationID, before, e.pageSize)
		if err != nil {
			e.post(func() {
				e.log.Warn("gap refetch failed", "conversation", conversationID, "err", err)
			})
			return
		}
		e.post(func() { e.mergeFetched(conversationID, msgs) })
	}()
}
