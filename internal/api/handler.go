// Package api exposes the chat pipeline over HTTP: one buffered endpoint, one
// SSE stream, conversation CRUD and the suggestion/schema helpers.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/askdb/askdb/internal/auth"
	"github.com/askdb/askdb/internal/completion"
	"github.com/askdb/askdb/internal/config"
	"github.com/askdb/askdb/internal/conversation"
	"github.com/askdb/askdb/internal/observability"
	"github.com/askdb/askdb/internal/pipeline"
	"github.com/askdb/askdb/internal/schema"
	"github.com/askdb/askdb/internal/suggest"
)

type ReadinessCheck func(ctx context.Context) error

type PipelineRunner interface {
	Run(ctx context.Context, req pipeline.Request, notify pipeline.StepFunc) (pipeline.Response, error)
}

type ConversationStore interface {
	Create(ctx context.Context, userID, database string) (conversation.Conversation, error)
	Get(ctx context.Context, id, userID string) (conversation.Conversation, error)
	ListForUser(ctx context.Context, userID string) ([]conversation.Summary, error)
	ReplaceMessages(ctx context.Context, id, userID string, msgs []conversation.Message) error
	Delete(ctx context.Context, id, userID string) error
	SetTitleIfDefault(ctx context.Context, id, userID, title string) error
}

type Suggester interface {
	For(ctx context.Context, database, lastExecutedSQL string) suggest.Suggestions
}

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	AuthMiddleware    func(http.Handler) http.Handler
	DependencyTimeout time.Duration
	Pipeline          PipelineRunner
	Conversations     ConversationStore
	Suggestions       Suggester
	Schema            schema.Provider
	Completion        completion.Client
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /v1/metrics", promhttp.Handler())

	protected := http.NewServeMux()
	protected.HandleFunc("POST /v1/chat", func(w http.ResponseWriter, r *http.Request) {
		handleChat(deps, w, r)
	})
	protected.HandleFunc("GET /v1/chat/stream", func(w http.ResponseWriter, r *http.Request) {
		handleChatStream(deps, w, r)
	})
	protected.HandleFunc("POST /v1/conversations", func(w http.ResponseWriter, r *http.Request) {
		handleCreateConversation(deps, w, r)
	})
	protected.HandleFunc("GET /v1/conversations", func(w http.ResponseWriter, r *http.Request) {
		handleListConversations(deps, w, r)
	})
	protected.HandleFunc("GET /v1/conversations/{id}", func(w http.ResponseWriter, r *http.Request) {
		handleGetConversation(deps, w, r)
	})
	protected.HandleFunc("PUT /v1/conversations/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		handleReplaceMessages(deps, w, r)
	})
	protected.HandleFunc("DELETE /v1/conversations/{id}", func(w http.ResponseWriter, r *http.Request) {
		handleDeleteConversation(deps, w, r)
	})
	protected.HandleFunc("POST /v1/conversations/{id}/title", func(w http.ResponseWriter, r *http.Request) {
		handleGenerateTitle(deps, w, r)
	})
	protected.HandleFunc("GET /v1/suggestions", func(w http.ResponseWriter, r *http.Request) {
		handleSuggestions(deps, w, r)
	})
	protected.HandleFunc("GET /v1/schema/{database}", func(w http.ResponseWriter, r *http.Request) {
		handleSchema(deps, w, r)
	})

	var protectedHandler http.Handler = protected
	if cfg.Auth.Required {
		if deps.AuthMiddleware == nil {
			if deps.Logger != nil {
				deps.Logger.Error("auth required but auth middleware missing")
			}
			protectedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
			})
		} else {
			protectedHandler = deps.AuthMiddleware(protectedHandler)
		}
	}
	mux.Handle("POST /v1/chat", protectedHandler)
	mux.Handle("GET /v1/chat/stream", protectedHandler)
	mux.Handle("POST /v1/conversations", protectedHandler)
	mux.Handle("GET /v1/conversations", protectedHandler)
	mux.Handle("GET /v1/conversations/{id}", protectedHandler)
	mux.Handle("PUT /v1/conversations/{id}/messages", protectedHandler)
	mux.Handle("DELETE /v1/conversations/{id}", protectedHandler)
	mux.Handle("POST /v1/conversations/{id}/title", protectedHandler)
	mux.Handle("GET /v1/suggestions", protectedHandler)
	mux.Handle("GET /v1/schema/{database}", protectedHandler)

	middlewares := []func(http.Handler) http.Handler{
		observability.TraceMiddleware,
		observability.MetricsMiddleware,
	}
	if deps.Logger != nil {
		middlewares = append(middlewares, observability.LoggingMiddleware(deps.Logger))
	}
	return chain(mux, middlewares...)
}

// identityFromRequest resolves the acting user: the authenticated identity
// when the auth middleware ran, otherwise the development header fallback.
func identityFromRequest(r *http.Request) (auth.Identity, error) {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok {
		return identity, nil
	}
	userID := strings.TrimSpace(r.Header.Get("X-User-ID"))
	if userID == "" {
		return auth.Identity{}, fmt.Errorf("user identity is required")
	}
	role := auth.Role(strings.TrimSpace(r.Header.Get("X-User-Role")))
	if role == "" {
		role = auth.RoleUser
	}
	return auth.Identity{
		UserID:   userID,
		Username: strings.TrimSpace(r.Header.Get("X-User-Name")),
		Role:     role,
	}, nil
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}
