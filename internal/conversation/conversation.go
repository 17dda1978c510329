// Package conversation persists chat history. A conversation is one document;
// messages are embedded, and refinement history rides on the message that was
// refined, capped at the ten most recent versions.
package conversation

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/askdb/askdb/internal/executor"
	"github.com/askdb/askdb/internal/viz"
)

const (
	// DefaultTitle marks a conversation whose title has not been generated yet.
	DefaultTitle = "New Chat"

	// VersionLimit caps sqlVersions per message; the oldest entries are evicted.
	VersionLimit = 10
)

// SQLVersion is one superseded form of a refined statement.
type SQLVersion struct {
	SQL                string    `bson:"sql" json:"sql"`
	Timestamp          time.Time `bson:"timestamp" json:"timestamp"`
	ModificationReason string    `bson:"modificationReason" json:"modificationReason"`
}

// Message is one turn, user or bot. Result fields are only set on bot
// messages for successful reads; ExecutedSQL is set on every successful
// execution so later refinements can find their base statement.
type Message struct {
	Sender            string             `bson:"sender" json:"sender"`
	Text              string             `bson:"text" json:"text"`
	IsError           bool               `bson:"isError,omitempty" json:"isError,omitempty"`
	ExecutedSQL       string             `bson:"executedSql,omitempty" json:"executedSql,omitempty"`
	WasRefined        bool               `bson:"wasRefined,omitempty" json:"wasRefined,omitempty"`
	ExecutionMetadata *executor.Metadata `bson:"executionMetadata,omitempty" json:"executionMetadata,omitempty"`
	MaskedSample      []map[string]any   `bson:"maskedSample,omitempty" json:"maskedSample,omitempty"`
	VisPackage        *viz.Package       `bson:"visPackage,omitempty" json:"visPackage,omitempty"`
	SQLVersions       []SQLVersion       `bson:"sqlVersions,omitempty" json:"sqlVersions,omitempty"`
	CreatedAt         time.Time          `bson:"createdAt" json:"createdAt"`
}

type Conversation struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	UserID    string             `bson:"userId" json:"userId"`
	Title     string             `bson:"title" json:"title"`
	Database  string             `bson:"selectedDatabase" json:"selectedDatabase"`
	Messages  []Message          `bson:"messages" json:"messages"`
	CreatedAt time.Time          `bson:"createdAt" json:"createdAt"`
}

// Summary is the listing projection: everything except the messages.
type Summary struct {
	ID        primitive.ObjectID `bson:"_id" json:"id"`
	Title     string             `bson:"title" json:"title"`
	Database  string             `bson:"selectedDatabase" json:"selectedDatabase"`
	CreatedAt time.Time          `bson:"createdAt" json:"createdAt"`
}

// LastExecutedSQL walks messages newest-first and returns the statement of
// the most recent bot message that executed one. This is the refinement base.
func LastExecutedSQL(messages []Message) (string, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		if m.Sender == "bot" && m.ExecutedSQL != "" {
			return m.ExecutedSQL, true
		}
	}
	return "", false
}

// LastResultMessage returns the most recent bot message that carries result
// metadata, for the interpreter.
func LastResultMessage(messages []Message) (Message, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		if m.Sender == "bot" && m.ExecutionMetadata != nil {
			return m, true
		}
	}
	return Message{}, false
}

// AppendVersion adds v and evicts the oldest entries beyond VersionLimit.
func AppendVersion(versions []SQLVersion, v SQLVersion) []SQLVersion {
	versions = append(versions, v)
	if len(versions) > VersionLimit {
		versions = versions[len(versions)-VersionLimit:]
	}
	return versions
}
