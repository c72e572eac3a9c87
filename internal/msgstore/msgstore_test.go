package msgstore

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"chatsync/internal/chat"
)

func msg(conv, id, body string, at int64) chat.Message {
	return chat.Message{
		ID:             id,
		ConversationID: conv,
		SenderID:       "alice",
		Body:           body,
		CreatedAt:      time.Unix(at, 0),
	}
}

func assertOrdered(t *testing.T, msgs []chat.Message) {
	t.Helper()
	seen := map[string]bool{}
	for i, m := range msgs {
		if seen[m.ID] {
			t.Fatalf("duplicate id %s", m.ID)
		}
		seen[m.ID] = true
		if i > 0 && m.Less(msgs[i-1]) {
			t.Fatalf("out of order at %d: %s before %s", i, msgs[i-1].ID, m.ID)
		}
	}
}

func TestAppend_KeepsOrderForAnyArrival(t *testing.T) {
	s := New()

	// shuffled arrival, including a same-timestamp pair tie-broken by id
	in := []chat.Message{
		msg("c1", "m3", "three", 30),
		msg("c1", "m1", "one", 10),
		msg("c1", "m5b", "five-b", 50),
		msg("c1", "m5a", "five-a", 50),
		msg("c1", "m2", "two", 20),
	}
	rand.Shuffle(len(in), func(i, j int) { in[i], in[j] = in[j], in[i] })
	for _, m := range in {
		if !s.Append(m) {
			t.Fatalf("append of %s rejected", m.ID)
		}
	}

	got := s.Messages("c1")
	if len(got) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(got))
	}
	assertOrdered(t, got)
	if got[3].ID != "m5a" || got[4].ID != "m5b" {
		t.Fatalf("tie-break by id violated: %s, %s", got[3].ID, got[4].ID)
	}
}

func TestAppend_RejectsDuplicateID(t *testing.T) {
	s := New()
	if !s.Append(msg("c1", "m1", "one", 10)) {
		t.Fatal("first append rejected")
	}
	if s.Append(msg("c1", "m1", "one again", 99)) {
		t.Fatal("duplicate id accepted")
	}
	if len(s.Messages("c1")) != 1 {
		t.Fatal("duplicate append mutated the store")
	}
	// same id in another conversation is a different message
	if !s.Append(msg("c2", "m1", "other thread", 10)) {
		t.Fatal("same id in different conversation rejected")
	}
}

func TestReplaceByNonce_KeepsPosition(t *testing.T) {
	s := New()
	s.Append(msg("c1", "m1", "one", 10))

	pending := msg("c1", "local-abc", "hello", 20)
	pending.DeliveryState = chat.Pending
	pending.ClientNonce = "abc"
	s.Append(pending)
	s.Append(msg("c1", "m3", "three", 30))

	replaced, ok := s.ReplaceByNonce("abc", "m-99")
	if !ok {
		t.Fatal("ReplaceByNonce found no entry")
	}
	if replaced.ID != "m-99" || replaced.DeliveryState != chat.Sent || replaced.Body != "hello" {
		t.Fatalf("unexpected replaced message: %+v", replaced)
	}

	got := s.Messages("c1")
	if len(got) != 3 {
		t.Fatalf("replace changed message count: %d", len(got))
	}
	if got[1].ID != "m-99" {
		t.Fatalf("replaced entry moved: middle is %s", got[1].ID)
	}
	if s.Contains("c1", "local-abc") {
		t.Fatal("old pending id still resident")
	}

	// the nonce now resolves to the confirmed entry
	byNonce, ok := s.ByNonce("abc")
	if !ok || byNonce.ID != "m-99" {
		t.Fatalf("nonce lookup after replace: %+v ok=%v", byNonce, ok)
	}
}

func TestMarkByNonce(t *testing.T) {
	s := New()
	pending := msg("c1", "local-x", "hi", 10)
	pending.ClientNonce = "x"
	s.Append(pending)

	m, ok := s.MarkByNonce("x", chat.Failed)
	if !ok || m.DeliveryState != chat.Failed {
		t.Fatalf("MarkByNonce: %+v ok=%v", m, ok)
	}
	if _, ok := s.MarkByNonce("unknown", chat.Failed); ok {
		t.Fatal("MarkByNonce matched an unknown nonce")
	}
}

func TestPageBefore(t *testing.T) {
	s := New()
	for i := 1; i <= 6; i++ {
		s.Append(msg("c1", fmt.Sprintf("m%d", i), "b", int64(i*10)))
	}

	page := s.PageBefore("c1", time.Unix(50, 0), 2)
	if len(page) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(page))
	}
	if page[0].ID != "m3" || page[1].ID != "m4" {
		t.Fatalf("unexpected page: %s, %s", page[0].ID, page[1].ID)
	}
}

func TestMerge_SkipsResident(t *testing.T) {
	s := New()
	s.Append(msg("c1", "m2", "two", 20))

	added := s.Merge("c1", []chat.Message{
		msg("c1", "m1", "one", 10),
		msg("c1", "m2", "two", 20), // already resident
		msg("c1", "m3", "three", 30),
	})
	if added != 2 {
		t.Fatalf("expected 2 added, got %d", added)
	}
	assertOrdered(t, s.Messages("c1"))
	if len(s.Messages("c1")) != 3 {
		t.Fatalf("expected 3 resident, got %d", len(s.Messages("c1")))
	}
}

func TestRebindConversation(t *testing.T) {
	s := New()
	pending := msg("local-conv", "local-m", "hi", 10)
	pending.ClientNonce = "n1"
	s.Append(pending)

	s.RebindConversation("local-conv", "c-42")

	if len(s.Messages("local-conv")) != 0 {
		t.Fatal("messages still filed under provisional id")
	}
	got := s.Messages("c-42")
	if len(got) != 1 || got[0].ConversationID != "c-42" {
		t.Fatalf("rebind lost messages: %+v", got)
	}
	if m, ok := s.ByNonce("n1"); !ok || m.ConversationID != "c-42" {
		t.Fatalf("nonce index not rebound: %+v ok=%v", m, ok)
	}
}
