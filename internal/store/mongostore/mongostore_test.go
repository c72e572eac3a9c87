package mongostore

import (
	"context"
	"os"
	"testing"
	"time"
)

// Integration tests require MONGODB_URI pointing at a replica set.

func TestCreateAndFetchMessages(t *testing.T) {
	uri := os.Getenv("MONGODB_URI")
	if uri == "" {
		t.Skip("MONGODB_URI not set; skipping integration test")
	}

	ctx := context.Background()
	c, err := New(ctx, uri)
	if err != nil {
		t.Fatalf("mongostore.New failed: %v", err)
	}
	defer func() { _ = c.Close(context.Background()) }()

	_ = c.MessagesCollection().Drop(ctx)
	_ = c.ConversationsCollection().Drop(ctx)
	if err := c.CreateIndexes(ctx); err != nil {
		t.Fatalf("CreateIndexes failed: %v", err)
	}

	s := NewStore(c, nil)

	conv, err := s.CreateConversation(ctx, []string{"alice", "bob"})
	if err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	// reversed order must dedupe to the same conversation
	conv2, err := s.CreateConversation(ctx, []string{"bob", "alice"})
	if err != nil {
		t.Fatalf("second CreateConversation failed: %v", err)
	}
	if conv != conv2 {
		t.Fatalf("expected deduped conversation, got %s and %s", conv, conv2)
	}

	m1, err := s.CreateMessage(ctx, conv, "alice", "hi bob", "nonce-1")
	if err != nil {
		t.Fatalf("CreateMessage failed: %v", err)
	}
	m2, err := s.CreateMessage(ctx, conv, "alice", "hi bob", "nonce-1")
	if err != nil {
		t.Fatalf("repeat CreateMessage failed: %v", err)
	}
	if m1.ID != m2.ID {
		t.Fatalf("same nonce produced two ids: %s vs %s", m1.ID, m2.ID)
	}

	msgs, err := s.FetchMessagesBefore(ctx, conv, time.Now().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("FetchMessagesBefore failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].Body != "hi bob" || msgs[0].ClientNonce != "nonce-1" {
		t.Fatalf("unexpected message: %+v", msgs[0])
	}

	convs, err := s.Conversations(ctx, "alice")
	if err != nil {
		t.Fatalf("Conversations failed: %v", err)
	}
	if len(convs) != 1 || convs[0].LastBody != "hi bob" {
		t.Fatalf("unexpected conversation listing: %+v", convs)
	}
}

func TestSubscribeMessages(t *testing.T) {
	uri := os.Getenv("MONGODB_URI")
	if uri == "" {
		t.Skip("MONGODB_URI not set; skipping integration test")
	}

	ctx := context.Background()
	c, err := New(ctx, uri)
	if err != nil {
		t.Fatalf("mongostore.New failed: %v", err)
	}
	defer func() { _ = c.Close(context.Background()) }()

	_ = c.MessagesCollection().Drop(ctx)
	_ = c.ConversationsCollection().Drop(ctx)

	s := NewStore(c, nil)
	conv, err := s.CreateConversation(ctx, []string{"carol", "dave"})
	if err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	ch, cancel, err := s.SubscribeMessages(ctx, conv)
	if err != nil {
		t.Fatalf("SubscribeMessages failed: %v", err)
	}
	defer cancel()

	if _, err := s.CreateMessage(ctx, conv, "carol", "ping", "n-sub"); err != nil {
		t.Fatalf("CreateMessage failed: %v", err)
	}

	select {
	case ev := <-ch:
		if ev.Message.Body != "ping" {
			t.Fatalf("unexpected event: %+v", ev.Message)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("no change event received")
	}
}
