// Package mongostore implements the persistent store contract on MongoDB.
// Messages and conversations live in their own collections; realtime push is
// backed by change streams, so the deployment must be a replica set.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"chatsync/internal/store"
)

// Client wraps the mongo connection and exposes the collections.
type Client struct {
	client *mongo.Client
	db     *mongo.Database
}

// New connects to MongoDB, verifies the connection with a ping and returns a
// Client. Callers should Close it on shutdown.
func New(ctx context.Context, mongoURI string) (*Client, error) {
	opts := options.Client().
		ApplyURI(mongoURI).
		SetConnectTimeout(10 * time.Second)

	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return &Client{client: client, db: client.Database("chatsync")}, nil
}

// MessagesCollection returns the messages collection.
func (c *Client) MessagesCollection() *mongo.Collection {
	return c.db.Collection("messages")
}

// ConversationsCollection returns the conversations collection.
func (c *Client) ConversationsCollection() *mongo.Collection {
	return c.db.Collection("conversations")
}

// Close disconnects from MongoDB.
func (c *Client) Close(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}

// CreateIndexes creates the indexes the store relies on: nonce uniqueness for
// idempotent message creation, the pagination sort key, and the participant
// pair uniqueness that dedupes racing 1:1 conversation creation.
func (c *Client) CreateIndexes(ctx context.Context) error {
	messageIndexes := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "client_nonce", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"client_nonce": bson.M{"$gt": ""}}),
		},
		{
			Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: -1}},
		},
	}
	if _, err := c.MessagesCollection().Indexes().CreateMany(ctx, messageIndexes); err != nil {
		return fmt.Errorf("failed to create message indexes: %w", err)
	}

	convIndex := mongo.IndexModel{
		Keys:    bson.D{{Key: "participants_key", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := c.ConversationsCollection().Indexes().CreateOne(ctx, convIndex); err != nil {
		return fmt.Errorf("failed to create conversations index: %w", err)
	}
	return nil
}

type messageDoc struct {
	ID             bson.ObjectID `bson:"_id,omitempty"`
	ConversationID string        `bson:"conversation_id"`
	SenderID       string        `bson:"sender_id"`
	Body           string        `bson:"body"`
	ClientNonce    string        `bson:"client_nonce,omitempty"`
	CreatedAt      time.Time     `bson:"created_at"`
}

func (d messageDoc) toMessage() store.Message {
	return store.Message{
		ID:             d.ID.Hex(),
		ConversationID: d.ConversationID,
		SenderID:       d.SenderID,
		Body:           d.Body,
		ClientNonce:    d.ClientNonce,
		CreatedAt:      d.CreatedAt,
	}
}

type conversationDoc struct {
	ID              bson.ObjectID `bson:"_id,omitempty"`
	ParticipantsKey string        `bson:"participants_key"`
	Participants    []string      `bson:"participants"`
	LastBody        string        `bson:"last_body,omitempty"`
	LastSenderID    string        `bson:"last_sender_id,omitempty"`
	LastAt          time.Time     `bson:"last_at,omitempty"`
	UpdatedAt       time.Time     `bson:"updated_at"`
}

func (d conversationDoc) toConversation() store.Conversation {
	return store.Conversation{
		ID:           d.ID.Hex(),
		Participants: append([]string(nil), d.Participants...),
		LastBody:     d.LastBody,
		LastSenderID: d.LastSenderID,
		LastAt:       d.LastAt,
		UpdatedAt:    d.UpdatedAt,
	}
}

// Store implements store.Store on the wrapped collections.
type Store struct {
	msgs  *mongo.Collection
	convs *mongo.Collection
	log   *slog.Logger
}

// NewStore returns a Store backed by the client's collections.
func NewStore(c *Client, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{msgs: c.MessagesCollection(), convs: c.ConversationsCollection(), log: log}
}

func (s *Store) CreateMessage(ctx context.Context, conversationID, senderID, body, clientNonce string) (store.Message, error) {
	doc := messageDoc{
		ConversationID: conversationID,
		SenderID:       senderID,
		Body:           body,
		ClientNonce:    clientNonce,
		CreatedAt:      time.Now().UTC(),
	}

	result, err := s.msgs.InsertOne(ctx, doc)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			// Same nonce, same logical message: hand back the record the
			// earlier attempt stored.
			var existing messageDoc
			ferr := s.msgs.FindOne(ctx, bson.M{
				"conversation_id": conversationID,
				"client_nonce":    clientNonce,
			}).Decode(&existing)
			if ferr != nil {
				return store.Message{}, mapErr(ferr, "lookup_by_nonce")
			}
			return existing.toMessage(), nil
		}
		return store.Message{}, mapErr(err, "insert_message")
	}
	doc.ID = result.InsertedID.(bson.ObjectID)

	// Keep the conversation summary current so conversation subscribers see
	// the new last message without reading the messages collection.
	convID, err := bson.ObjectIDFromHex(conversationID)
	if err != nil {
		return store.Message{}, store.NewError(store.CodeInvalid, "bad_conversation_id", err)
	}
	update := bson.M{"$set": bson.M{
		"last_body":      doc.Body,
		"last_sender_id": doc.SenderID,
		"last_at":        doc.CreatedAt,
		"updated_at":     doc.CreatedAt,
	}}
	if _, err := s.convs.UpdateByID(ctx, convID, update); err != nil {
		s.log.Warn("conversation summary update failed", "conversation", conversationID, "err", err)
	}

	return doc.toMessage(), nil
}

func (s *Store) FetchMessagesBefore(ctx context.Context, conversationID string, before time.Time, limit int) ([]store.Message, error) {
	opts := options.Find().
		SetSort(bson.M{"created_at": -1}).
		SetLimit(int64(limit))

	filter := bson.M{
		"conversation_id": conversationID,
		"created_at":      bson.M{"$lt": before},
	}
	cursor, err := s.msgs.Find(ctx, filter, opts)
	if err != nil {
		return nil, mapErr(err, "find_messages")
	}
	defer cursor.Close(ctx)

	var docs []messageDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, mapErr(err, "decode_messages")
	}

	// Query sorted newest-first; the caller expects chronological order.
	out := make([]store.Message, len(docs))
	for i, d := range docs {
		out[len(docs)-1-i] = d.toMessage()
	}
	return out, nil
}

func (s *Store) CreateConversation(ctx context.Context, participantIDs []string) (string, error) {
	if len(participantIDs) != 2 || participantIDs[0] == participantIDs[1] {
		return "", store.NewError(store.CodeInvalid, "participants_must_be_two_distinct_users", nil)
	}
	key := store.ParticipantsKey(participantIDs)

	doc := conversationDoc{
		ParticipantsKey: key,
		Participants:    append([]string(nil), participantIDs...),
		UpdatedAt:       time.Now().UTC(),
	}
	result, err := s.convs.InsertOne(ctx, doc)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			var existing conversationDoc
			ferr := s.convs.FindOne(ctx, bson.M{"participants_key": key}).Decode(&existing)
			if ferr != nil {
				return "", mapErr(ferr, "lookup_by_participants")
			}
			return existing.ID.Hex(), nil
		}
		return "", mapErr(err, "insert_conversation")
	}
	return result.InsertedID.(bson.ObjectID).Hex(), nil
}

// Conversations returns every conversation the user participates in, newest
// first. Used to seed the engine's index at startup.
func (s *Store) Conversations(ctx context.Context, userID string) ([]store.Conversation, error) {
	opts := options.Find().SetSort(bson.M{"updated_at": -1})
	cursor, err := s.convs.Find(ctx, bson.M{"participants": userID}, opts)
	if err != nil {
		return nil, mapErr(err, "find_conversations")
	}
	defer cursor.Close(ctx)

	var docs []conversationDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, mapErr(err, "decode_conversations")
	}
	out := make([]store.Conversation, len(docs))
	for i, d := range docs {
		out[i] = d.toConversation()
	}
	return out, nil
}

func (s *Store) SubscribeMessages(ctx context.Context, conversationID string) (<-chan store.MessageEvent, func(), error) {
	pipeline := mongo.Pipeline{
		bson.D{{Key: "$match", Value: bson.D{
			{Key: "operationType", Value: "insert"},
			{Key: "fullDocument.conversation_id", Value: conversationID},
		}}},
	}
	cs, err := s.msgs.Watch(ctx, pipeline)
	if err != nil {
		return nil, nil, mapErr(err, "watch_messages")
	}

	streamCtx, cancel := context.WithCancel(ctx)
	ch := make(chan store.MessageEvent, 64)
	go func() {
		defer close(ch)
		defer cs.Close(context.Background())
		for cs.Next(streamCtx) {
			var change struct {
				FullDocument messageDoc `bson:"fullDocument"`
			}
			if err := cs.Decode(&change); err != nil {
				s.log.Warn("message change decode failed", "err", err)
				continue
			}
			select {
			case ch <- store.MessageEvent{Message: change.FullDocument.toMessage()}:
			case <-streamCtx.Done():
				return
			}
		}
		if err := cs.Err(); err != nil && streamCtx.Err() == nil {
			s.log.Warn("message change stream ended", "conversation", conversationID, "err", err)
		}
	}()
	return ch, cancel, nil
}

func (s *Store) SubscribeConversations(ctx context.Context, userID string) (<-chan store.ConversationEvent, func(), error) {
	pipeline := mongo.Pipeline{
		bson.D{{Key: "$match", Value: bson.D{
			{Key: "operationType", Value: bson.M{"$in": bson.A{"insert", "update", "replace"}}},
			{Key: "fullDocument.participants", Value: userID},
		}}},
	}
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	cs, err := s.convs.Watch(ctx, pipeline, opts)
	if err != nil {
		return nil, nil, mapErr(err, "watch_conversations")
	}

	streamCtx, cancel := context.WithCancel(ctx)
	ch := make(chan store.ConversationEvent, 64)
	go func() {
		defer close(ch)
		defer cs.Close(context.Background())
		for cs.Next(streamCtx) {
			var change struct {
				FullDocument conversationDoc `bson:"fullDocument"`
			}
			if err := cs.Decode(&change); err != nil {
				s.log.Warn("conversation change decode failed", "err", err)
				continue
			}
			select {
			case ch <- store.ConversationEvent{Conversation: change.FullDocument.toConversation()}:
			case <-streamCtx.Done():
				return
			}
		}
		if err := cs.Err(); err != nil && streamCtx.Err() == nil {
			s.log.Warn("conversation change stream ended", "user", userID, "err", err)
		}
	}()
	return ch, cancel, nil
}

func mapErr(err error, reason string) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return store.NewError(store.CodeTimeout, reason, err)
	case errors.Is(err, context.Canceled):
		return store.NewError(store.CodeUnavailable, reason, err)
	default:
		return store.NewError(store.CodeUnavailable, reason, err)
	}
}
