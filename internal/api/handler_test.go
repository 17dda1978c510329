package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/askdb/askdb/internal/auth"
	"github.com/askdb/askdb/internal/completion"
	"github.com/askdb/askdb/internal/config"
	"github.com/askdb/askdb/internal/conversation"
	"github.com/askdb/askdb/internal/executor"
	"github.com/askdb/askdb/internal/pipeline"
	"github.com/askdb/askdb/internal/suggest"
)

type pipelineFunc func(ctx context.Context, req pipeline.Request, notify pipeline.StepFunc) (pipeline.Response, error)

func (f pipelineFunc) Run(ctx context.Context, req pipeline.Request, notify pipeline.StepFunc) (pipeline.Response, error) {
	return f(ctx, req, notify)
}

type fakeStore struct {
	conv      conversation.Conversation
	summaries []conversation.Summary
	created   []string
	replaced  map[string][]conversation.Message
	deleted   []string
	titles    map[string]string
	err       error
}

func (s *fakeStore) Create(_ context.Context, userID, database string) (conversation.Conversation, error) {
	if s.err != nil {
		return conversation.Conversation{}, s.err
	}
	s.created = append(s.created, database)
	return conversation.Conversation{
		UserID:   userID,
		Title:    conversation.DefaultTitle,
		Database: database,
		Messages: []conversation.Message{},
	}, nil
}

func (s *fakeStore) Get(_ context.Context, id, userID string) (conversation.Conversation, error) {
	if s.err != nil {
		return conversation.Conversation{}, s.err
	}
	return s.conv, nil
}

func (s *fakeStore) ReplaceMessages(_ context.Context, id, _ string, msgs []conversation.Message) error {
	if s.err != nil {
		return s.err
	}
	if s.replaced == nil {
		s.replaced = map[string][]conversation.Message{}
	}
	s.replaced[id] = msgs
	return nil
}

func (s *fakeStore) ListForUser(context.Context, string) ([]conversation.Summary, error) {
	return s.summaries, s.err
}

func (s *fakeStore) Delete(_ context.Context, id, _ string) error {
	if s.err != nil {
		return s.err
	}
	s.deleted = append(s.deleted, id)
	return nil
}

// SetTitleIfDefault mirrors the store's filtered update: a conversation that
// already outgrew the creation sentinel is left alone.
func (s *fakeStore) SetTitleIfDefault(_ context.Context, id, _, title string) error {
	if s.err != nil {
		return s.err
	}
	if s.conv.Title != conversation.DefaultTitle {
		return nil
	}
	if s.titles == nil {
		s.titles = map[string]string{}
	}
	s.titles[id] = title
	return nil
}

type suggesterFunc func(ctx context.Context, database, lastSQL string) suggest.Suggestions

func (f suggesterFunc) For(ctx context.Context, database, lastSQL string) suggest.Suggestions {
	return f(ctx, database, lastSQL)
}

type schemaFunc func(ctx context.Context, database string) (string, error)

func (f schemaFunc) Describe(ctx context.Context, database string) (string, error) {
	return f(ctx, database)
}

func testConfig() config.Config {
	var cfg config.Config
	cfg.Service.Name = "askdb-api"
	return cfg
}

func okPipeline(text string) pipelineFunc {
	return func(_ context.Context, req pipeline.Request, _ pipeline.StepFunc) (pipeline.Response, error) {
		return pipeline.Response{
			ConversationID: "conv-1",
			Message:        conversation.Message{Sender: "bot", Text: text},
		}, nil
	}
}

func TestHealthEndpoint(t *testing.T) {
	handler := NewHandler(testConfig(), Dependencies{})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "askdb-api") {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestChatHappyPath(t *testing.T) {
	var gotReq pipeline.Request
	handler := NewHandler(testConfig(), Dependencies{
		Pipeline: pipelineFunc(func(_ context.Context, req pipeline.Request, _ pipeline.StepFunc) (pipeline.Response, error) {
			gotReq = req
			return pipeline.Response{ConversationID: "conv-1", Message: conversation.Message{Sender: "bot", Text: "done"}}, nil
		}),
	})

	body := `{"prompt": "list customers", "databaseId": "sales_db", "conversationHistory": [{"sender": "user", "text": "hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(body))
	req.Header.Set("X-User-ID", "u1")
	req.Header.Set("X-User-Role", "admin")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if gotReq.Prompt != "list customers" || gotReq.Database != "sales_db" {
		t.Fatalf("request = %+v", gotReq)
	}
	if gotReq.Actor.UserID != "u1" || gotReq.Actor.Role != auth.RoleAdmin {
		t.Fatalf("actor = %+v", gotReq.Actor)
	}
	if len(gotReq.History) != 1 || gotReq.History[0].Text != "hi" {
		t.Fatalf("history = %+v", gotReq.History)
	}

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["conversationId"] != "conv-1" {
		t.Fatalf("conversationId = %v", resp["conversationId"])
	}
}

func TestChatRequiresIdentity(t *testing.T) {
	handler := NewHandler(testConfig(), Dependencies{Pipeline: okPipeline("x")})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(`{"prompt": "p", "databaseId": "d"}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestChatValidatesBody(t *testing.T) {
	handler := NewHandler(testConfig(), Dependencies{Pipeline: okPipeline("x")})

	for name, body := range map[string]string{
		"not json":       "{",
		"missing prompt": `{"databaseId": "d"}`,
		"missing db":     `{"prompt": "p"}`,
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(body))
			req.Header.Set("X-User-ID", "u1")
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d", rec.Code)
			}
		})
	}
}

func TestChatPermissionDeniedMapsTo403(t *testing.T) {
	handler := NewHandler(testConfig(), Dependencies{
		Pipeline: pipelineFunc(func(context.Context, pipeline.Request, pipeline.StepFunc) (pipeline.Response, error) {
			return pipeline.Response{}, executor.ErrPermissionDenied
		}),
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(`{"prompt": "delete all", "databaseId": "d"}`))
	req.Header.Set("X-User-ID", "u1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Only admins can modify data") {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestChatNotFoundMapsTo404(t *testing.T) {
	handler := NewHandler(testConfig(), Dependencies{
		Pipeline: pipelineFunc(func(context.Context, pipeline.Request, pipeline.StepFunc) (pipeline.Response, error) {
			return pipeline.Response{}, conversation.ErrNotFound
		}),
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(`{"prompt": "p", "databaseId": "d"}`))
	req.Header.Set("X-User-ID", "u1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAuthRequiredBlocksAnonymous(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Required = true

	validator, err := auth.NewStaticAPIKeyValidator("secret:u1:alice:admin")
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	handler := NewHandler(cfg, Dependencies{
		Pipeline:       okPipeline("done"),
		AuthMiddleware: auth.Middleware(nil, validator),
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(`{"prompt": "p", "databaseId": "d"}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}

	// With a valid key the identity flows through to the pipeline.
	req = httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(`{"prompt": "p", "databaseId": "d"}`))
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	// Health stays open.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}
}

func TestListConversations(t *testing.T) {
	store := &fakeStore{summaries: []conversation.Summary{{Title: "Sales Questions"}}}
	handler := NewHandler(testConfig(), Dependencies{Conversations: store})

	req := httptest.NewRequest(http.MethodGet, "/v1/conversations", nil)
	req.Header.Set("X-User-ID", "u1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Sales Questions") {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestDeleteConversationNotFound(t *testing.T) {
	store := &fakeStore{err: conversation.ErrNotFound}
	handler := NewHandler(testConfig(), Dependencies{Conversations: store})

	req := httptest.NewRequest(http.MethodDelete, "/v1/conversations/abc", nil)
	req.Header.Set("X-User-ID", "u1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestGenerateTitleEndpoint(t *testing.T) {
	store := &fakeStore{conv: conversation.Conversation{
		Title: conversation.DefaultTitle,
		Messages: []conversation.Message{
			{Sender: "user", Text: "show me monthly sales"},
			{Sender: "bot", Text: "here they are"},
		},
	}}
	handler := NewHandler(testConfig(), Dependencies{
		Conversations: store,
		Completion: completion.Func(func(context.Context, string) (string, error) {
			return "Monthly Sales", nil
		}),
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/conversations/abc/title", nil)
	req.Header.Set("X-User-ID", "u1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if store.titles["abc"] != "Monthly Sales" {
		t.Fatalf("titles = %v", store.titles)
	}
}

func TestGenerateTitleRefusesExistingTitle(t *testing.T) {
	store := &fakeStore{conv: conversation.Conversation{
		Title: "Chosen By User",
		Messages: []conversation.Message{
			{Sender: "user", Text: "show me monthly sales"},
			{Sender: "bot", Text: "here they are"},
		},
	}}
	handler := NewHandler(testConfig(), Dependencies{
		Conversations: store,
		Completion: completion.Func(func(context.Context, string) (string, error) {
			return "Generated Title", nil
		}),
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/conversations/abc/title", nil)
	req.Header.Set("X-User-ID", "u1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "CONVERSATION_ALREADY_TITLED") {
		t.Fatalf("body = %s", rec.Body.String())
	}
	if len(store.titles) != 0 {
		t.Fatalf("title was overwritten: %v", store.titles)
	}
}

func TestCreateConversationEndpoint(t *testing.T) {
	store := &fakeStore{}
	handler := NewHandler(testConfig(), Dependencies{Conversations: store})

	req := httptest.NewRequest(http.MethodPost, "/v1/conversations", strings.NewReader(`{"databaseId": "sales_db"}`))
	req.Header.Set("X-User-ID", "u1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if len(store.created) != 1 || store.created[0] != "sales_db" {
		t.Fatalf("created = %v", store.created)
	}
	if !strings.Contains(rec.Body.String(), conversation.DefaultTitle) {
		t.Fatalf("body = %s", rec.Body.String())
	}

	// The target database is mandatory.
	req = httptest.NewRequest(http.MethodPost, "/v1/conversations", strings.NewReader(`{}`))
	req.Header.Set("X-User-ID", "u1")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestReplaceMessagesEndpoint(t *testing.T) {
	store := &fakeStore{}
	handler := NewHandler(testConfig(), Dependencies{Conversations: store})

	body := `{"messages": [{"sender": "user", "text": "hello"}, {"sender": "bot", "text": "hi"}]}`
	req := httptest.NewRequest(http.MethodPut, "/v1/conversations/abc/messages", strings.NewReader(body))
	req.Header.Set("X-User-ID", "u1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if len(store.replaced["abc"]) != 2 || store.replaced["abc"][1].Text != "hi" {
		t.Fatalf("replaced = %+v", store.replaced)
	}
}

func TestReplaceMessagesNotFound(t *testing.T) {
	store := &fakeStore{err: conversation.ErrNotFound}
	handler := NewHandler(testConfig(), Dependencies{Conversations: store})

	req := httptest.NewRequest(http.MethodPut, "/v1/conversations/abc/messages", strings.NewReader(`{"messages": []}`))
	req.Header.Set("X-User-ID", "u1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestSuggestionsRequireDatabase(t *testing.T) {
	handler := NewHandler(testConfig(), Dependencies{
		Suggestions: suggesterFunc(func(context.Context, string, string) suggest.Suggestions {
			return suggest.Suggestions{}
		}),
		Conversations: &fakeStore{},
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/suggestions", nil)
	req.Header.Set("X-User-ID", "u1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestSuggestionsPassLastExecutedSQL(t *testing.T) {
	store := &fakeStore{conv: conversation.Conversation{
		Messages: []conversation.Message{
			{Sender: "bot", ExecutedSQL: "SELECT id FROM customers"},
		},
	}}
	var gotLastSQL string
	handler := NewHandler(testConfig(), Dependencies{
		Conversations: store,
		Suggestions: suggesterFunc(func(_ context.Context, _, lastSQL string) suggest.Suggestions {
			gotLastSQL = lastSQL
			return suggest.Suggestions{Schema: []string{"q"}}
		}),
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/suggestions?database=sales_db&conversation_id=abc", nil)
	req.Header.Set("X-User-ID", "u1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if gotLastSQL != "SELECT id FROM customers" {
		t.Fatalf("lastSQL = %q", gotLastSQL)
	}
}

func TestSchemaEndpoint(t *testing.T) {
	handler := NewHandler(testConfig(), Dependencies{
		Schema: schemaFunc(func(_ context.Context, database string) (string, error) {
			if database != "sales_db" {
				return "", errors.New("unexpected database")
			}
			return `Table "orders" has columns: id, total.`, nil
		}),
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/schema/sales_db", nil)
	req.Header.Set("X-User-ID", "u1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "orders") {
		t.Fatalf("body = %s", rec.Body.String())
	}
}
