package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ErrNotFound reports a conversation that does not exist or belongs to a
// different user; the two cases are deliberately indistinguishable.
var ErrNotFound = errors.New("conversation not found")

type MongoStore struct {
	coll *mongo.Collection
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{coll: db.Collection("conversations")}
}

func (s *MongoStore) Create(ctx context.Context, userID, database string) (Conversation, error) {
	conv := Conversation{
		UserID:    userID,
		Title:     DefaultTitle,
		Database:  database,
		Messages:  []Message{},
		CreatedAt: time.Now().UTC(),
	}
	res, err := s.coll.InsertOne(ctx, conv)
	if err != nil {
		return Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}
	conv.ID = res.InsertedID.(primitive.ObjectID)
	return conv, nil
}

func (s *MongoStore) Get(ctx context.Context, id, userID string) (Conversation, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return Conversation{}, ErrNotFound
	}
	var conv Conversation
	err = s.coll.FindOne(ctx, bson.M{"_id": oid, "userId": userID}).Decode(&conv)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("find conversation: %w", err)
	}
	return conv, nil
}

func (s *MongoStore) ListForUser(ctx context.Context, userID string) ([]Summary, error) {
	opts := options.Find().
		SetProjection(bson.M{"messages": 0}).
		SetSort(bson.D{{Key: "createdAt", Value: -1}})
	cursor, err := s.coll.Find(ctx, bson.M{"userId": userID}, opts)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer cursor.Close(ctx)

	summaries := []Summary{}
	if err := cursor.All(ctx, &summaries); err != nil {
		return nil, fmt.Errorf("decode conversations: %w", err)
	}
	return summaries, nil
}

func (s *MongoStore) AppendMessage(ctx context.Context, id, userID string, msg Message) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return ErrNotFound
	}
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": oid, "userId": userID},
		bson.M{"$push": bson.M{"messages": msg}},
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// AddSQLVersion records a superseded statement on the most recent bot message
// that executed SQL, keeping at most VersionLimit entries. The message index
// is looked up with a read first, so two concurrent refinements of the same
// conversation can race; per-user sequential chats make that acceptable.
func (s *MongoStore) AddSQLVersion(ctx context.Context, id, userID string, v SQLVersion) error {
	conv, err := s.Get(ctx, id, userID)
	if err != nil {
		return err
	}

	idx := -1
	for i := len(conv.Messages) - 1; i >= 0; i-- {
		m := conv.Messages[i]
		if m.Sender == "bot" && m.ExecutedSQL != "" {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("no executed statement to version in conversation %s", id)
	}

	field := fmt.Sprintf("messages.%d.sqlVersions", idx)
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": conv.ID, "userId": userID},
		bson.M{"$push": bson.M{field: bson.M{
			"$each":  []SQLVersion{v},
			"$slice": -VersionLimit,
		}}},
	)
	if err != nil {
		return fmt.Errorf("add sql version: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// SetTitleIfDefault replaces the title only while it is still the creation
// sentinel; a user-visible or already generated title is never overwritten.
func (s *MongoStore) SetTitleIfDefault(ctx context.Context, id, userID, title string) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return ErrNotFound
	}
	_, err = s.coll.UpdateOne(ctx,
		bson.M{"_id": oid, "userId": userID, "title": DefaultTitle},
		bson.M{"$set": bson.M{"title": title}},
	)
	if err != nil {
		return fmt.Errorf("set title: %w", err)
	}
	return nil
}

// ReplaceMessages swaps the entire message array, owner-scoped. Used by the
// explicit conversation-management API, never by the pipeline.
func (s *MongoStore) ReplaceMessages(ctx context.Context, id, userID string, msgs []Message) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return ErrNotFound
	}
	if msgs == nil {
		msgs = []Message{}
	}
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": oid, "userId": userID},
		bson.M{"$set": bson.M{"messages": msgs}},
	)
	if err != nil {
		return fmt.Errorf("replace messages: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) Delete(ctx context.Context, id, userID string) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return ErrNotFound
	}
	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": oid, "userId": userID})
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// ListForDatabase returns recent conversations against one database across
// all users, newest first. Used for mining popular query suggestions.
func (s *MongoStore) ListForDatabase(ctx context.Context, database string, limit int) ([]Conversation, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: -1}}).
		SetLimit(int64(limit))
	cursor, err := s.coll.Find(ctx, bson.M{"selectedDatabase": database}, opts)
	if err != nil {
		return nil, fmt.Errorf("list conversations for database: %w", err)
	}
	defer cursor.Close(ctx)

	conversations := []Conversation{}
	if err := cursor.All(ctx, &conversations); err != nil {
		return nil, fmt.Errorf("decode conversations: %w", err)
	}
	return conversations, nil
}
