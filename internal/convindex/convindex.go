// Package convindex maintains the viewer's conversation set and its
// updatedAt-desc ordering. Like msgstore it is owned by the engine's single
// goroutine and needs no locking.
package convindex

import (
	"sort"
	"time"

	"chatsync/internal/chat"
)

// Index maps conversation ids to summaries and keeps a secondary ordering so
// touching one conversation does not re-sort the whole set.
type Index struct {
	convs map[string]chat.Conversation
	order []string // conversation ids, UpdatedAt desc
}

// New returns an empty Index.
func New() *Index {
	return &Index{convs: make(map[string]chat.Conversation)}
}

// Upsert inserts or replaces a conversation and repositions it.
func (x *Index) Upsert(c chat.Conversation) {
	if _, ok := x.convs[c.ID]; ok {
		x.removeFromOrder(c.ID)
	}
	x.convs[c.ID] = c
	x.insertOrdered(c.ID, c.UpdatedAt)
}

// Touch updates the conversation's last-message summary and repositions it by
// the new updatedAt. Reports false for unknown ids.
func (x *Index) Touch(id string, sum chat.Summary, at time.Time) bool {
	c, ok := x.convs[id]
	if !ok {
		return false
	}
	c.LastMessage = sum
	c.UpdatedAt = at
	x.convs[id] = c
	x.removeFromOrder(id)
	x.insertOrdered(id, at)
	return true
}

// IncrementUnread bumps the unread counter and returns the new value.
func (x *Index) IncrementUnread(id string) (int, bool) {
	c, ok := x.convs[id]
	if !ok {
		return 0, false
	}
	c.UnreadCount++
	x.convs[id] = c
	return c.UnreadCount, true
}

// ResetUnread zeroes the unread counter.
func (x *Index) ResetUnread(id string) bool {
	c, ok := x.convs[id]
	if !ok {
		return false
	}
	c.UnreadCount = 0
	x.convs[id] = c
	return true
}

// Get returns the conversation by id.
func (x *Index) Get(id string) (chat.Conversation, bool) {
	c, ok := x.convs[id]
	return c, ok
}

// FindByCounterpart returns the 1:1 conversation with the given counterpart.
func (x *Index) FindByCounterpart(counterpartID string) (chat.Conversation, bool) {
	for _, c := range x.convs {
		if c.CounterpartID == counterpartID {
			return c, true
		}
	}
	return chat.Conversation{}, false
}

// Rebind moves a provisional conversation under its store-confirmed id,
// keeping its position, counters and summary.
func (x *Index) Rebind(oldID, newID string) bool {
	c, ok := x.convs[oldID]
	if !ok {
		return false
	}
	delete(x.convs, oldID)
	for i, id := range x.order {
		if id == oldID {
			x.order[i] = newID
			break
		}
	}
	c.ID = newID
	x.convs[newID] = c
	return true
}

// Remove deletes a conversation from the index.
func (x *Index) Remove(id string) {
	if _, ok := x.convs[id]; !ok {
		return
	}
	delete(x.convs, id)
	x.removeFromOrder(id)
}

// List returns all conversations ordered by updatedAt desc.
func (x *Index) List() []chat.Conversation {
	out := make([]chat.Conversation, 0, len(x.order))
	for _, id := range x.order {
		out = append(out, x.convs[id])
	}
	return out
}

// Len returns the number of indexed conversations.
func (x *Index) Len() int { return len(x.convs) }

func (x *Index) removeFromOrder(id string) {
	for i, v := range x.order {
		if v == id {
			x.order = append(x.order[:i], x.order[i+1:]...)
			return
		}
	}
}

func (x *Index) insertOrdered(id string, at time.Time) {
	i := sort.Search(len(x.order), func(i int) bool {
		other := x.convs[x.order[i]]
		if !other.UpdatedAt.Equal(at) {
			return other.UpdatedAt.Before(at)
		}
		return other.ID > id
	})
	x.order = append(x.order, "")
	copy(x.order[i+1:], x.order[i:])
	x.order[i] = id
}
