// Package audit writes the append-only trail of pipeline transitions. Records
// are best effort: a write failure is logged and swallowed, never allowed to
// fail the user's request.
package audit

import (
	"context"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
)

type Action string

const (
	ActionRouteRequest  Action = "ROUTE_REQUEST"
	ActionVerifySQL     Action = "VERIFY_SQL"
	ActionExecuteSQL    Action = "EXECUTE_SQL"
	ActionAddMessage    Action = "ADD_MESSAGE"
	ActionSecurityBlock Action = "SECURITY_BLOCK"
	ActionAuth          Action = "AUTH"
)

type Entry struct {
	Timestamp      time.Time      `bson:"timestamp"`
	Action         Action         `bson:"action"`
	UserID         string         `bson:"userId"`
	ConversationID string         `bson:"conversationId,omitempty"`
	Details        map[string]any `bson:"details,omitempty"`
}

type Recorder interface {
	Record(ctx context.Context, entry Entry)
}

type MongoRecorder struct {
	coll   *mongo.Collection
	logger *slog.Logger
}

func NewMongoRecorder(db *mongo.Database, logger *slog.Logger) *MongoRecorder {
	return &MongoRecorder{coll: db.Collection("audit_logs"), logger: logger}
}

func (r *MongoRecorder) Record(ctx context.Context, entry Entry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if _, err := r.coll.InsertOne(ctx, entry); err != nil {
		if r.logger != nil {
			r.logger.WarnContext(ctx, "audit write failed",
				slog.String("action", string(entry.Action)),
				slog.Any("error", err))
		}
	}
}

// Nop discards every entry. Used in tests and when auditing is disabled.
type Nop struct{}

func (Nop) Record(context.Context, Entry) {}
