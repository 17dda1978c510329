// Package pipeline sequences one chat turn: persist the user message, route,
// run the selected tool chain, gate execution behind verification, persist
// exactly one bot message, and audit every transition. It owns no SQL or
// model logic itself; the agent, executor and viz packages do.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/askdb/askdb/internal/agent"
	"github.com/askdb/askdb/internal/audit"
	"github.com/askdb/askdb/internal/auth"
	"github.com/askdb/askdb/internal/completion"
	"github.com/askdb/askdb/internal/conversation"
	"github.com/askdb/askdb/internal/executor"
	"github.com/askdb/askdb/internal/observability"
	"github.com/askdb/askdb/internal/viz"
)

type IntentRouter interface {
	Route(ctx context.Context, prompt string, history []agent.Turn) agent.Intent
}

type SQLGenerator interface {
	Generate(ctx context.Context, prompt, database string, history []agent.Turn) (string, error)
}

type SQLRefiner interface {
	Refine(ctx context.Context, prompt, previousSQL, database string, history []agent.Turn) (agent.RefinementResult, error)
}

type SQLVerifier interface {
	Verify(ctx context.Context, prompt, candidateSQL, database string, history []agent.Turn) (agent.Verdict, error)
}

type ResultInterpreter interface {
	Interpret(ctx context.Context, prompt string, history []agent.Turn, lastResult json.RawMessage) (string, error)
}

type Conversationalist interface {
	Respond(ctx context.Context, prompt string, history []agent.Turn) (string, error)
}

type Visualizer interface {
	Compose(ctx context.Context, prompt, sqlText string, meta executor.Metadata, sample []map[string]any, history []agent.Turn) viz.Package
}

type StatementExecutor interface {
	Execute(ctx context.Context, sqlText, database string, actor auth.Identity) (executor.Result, error)
}

type ConversationStore interface {
	Create(ctx context.Context, userID, database string) (conversation.Conversation, error)
	Get(ctx context.Context, id, userID string) (conversation.Conversation, error)
	AppendMessage(ctx context.Context, id, userID string, msg conversation.Message) error
	AddSQLVersion(ctx context.Context, id, userID string, v conversation.SQLVersion) error
	SetTitleIfDefault(ctx context.Context, id, userID, title string) error
}

type Dependencies struct {
	Router        IntentRouter
	Generator     SQLGenerator
	Refiner       SQLRefiner
	Verifier      SQLVerifier
	Interpreter   ResultInterpreter
	SmallTalk     Conversationalist
	Composer      Visualizer
	Executor      StatementExecutor
	Conversations ConversationStore
	Audit         audit.Recorder
	Completion    completion.Client
	Logger        *slog.Logger

	// HistoryLimit caps how many prior turns reach prompts. Zero means all.
	HistoryLimit int

	// TitleAfterMessages is the message count at which a still-untitled
	// conversation gets one generated. Zero disables title generation.
	TitleAfterMessages int
}

// Request is one turn. History and LastResult are caller-supplied context;
// the refinement base is always looked up from the stored conversation, never
// trusted from the client.
type Request struct {
	ConversationID string
	Prompt         string
	Database       string
	History        []agent.Turn
	LastResult     json.RawMessage
	Actor          auth.Identity
}

// Response is the terminal bot message plus the (possibly newly created)
// conversation id.
type Response struct {
	ConversationID string `json:"conversationId"`
	conversation.Message
}

// StepFunc receives one human-readable notification per stage transition.
// Progressive delivery forwards these as thinking events; buffered delivery
// passes nil.
type StepFunc func(step string)

type Controller struct {
	deps Dependencies
}

func New(deps Dependencies) *Controller {
	return &Controller{deps: deps}
}

const (
	msgNothingToRefine  = "I don't have a previous query to refine. Please run a query first."
	msgExecutionFailed  = "Sorry, the query failed to execute."
	msgUnsafeQuery      = "I'm sorry, I cannot run that query. Reason: %s"
	msgUnsafeRefinement = "The refined query doesn't look safe. Reason: %s"
	msgModificationDone = "Successfully executed %s. %d row(s) were affected."
)

// Run processes one turn end to end. The user message is persisted before
// routing; exactly one bot message is appended after the terminal state.
// Errors out of Run mean no bot message was persisted for the turn.
func (c *Controller) Run(ctx context.Context, req Request, notify StepFunc) (Response, error) {
	if notify == nil {
		notify = func(string) {}
	}
	if req.Prompt == "" {
		return Response{}, errors.New("empty prompt")
	}
	if req.Database == "" {
		return Response{}, errors.New("no database selected")
	}

	conversationID := req.ConversationID
	if conversationID == "" {
		conv, err := c.deps.Conversations.Create(ctx, req.Actor.UserID, req.Database)
		if err != nil {
			return Response{}, fmt.Errorf("create conversation: %w", err)
		}
		conversationID = conv.ID.Hex()
	}

	userMsg := conversation.Message{
		Sender:    "user",
		Text:      req.Prompt,
		CreatedAt: time.Now().UTC(),
	}
	if err := c.deps.Conversations.AppendMessage(ctx, conversationID, req.Actor.UserID, userMsg); err != nil {
		return Response{}, fmt.Errorf("persist user message: %w", err)
	}
	c.record(ctx, audit.ActionAddMessage, req, conversationID, map[string]any{"sender": "user"})

	notify("Analyzing your question...")
	conv, err := c.deps.Conversations.Get(ctx, conversationID, req.Actor.UserID)
	if err != nil {
		return Response{}, fmt.Errorf("load conversation: %w", err)
	}

	history := c.cappedHistory(req.History)

	notify("Determining request type...")
	intent := c.deps.Router.Route(ctx, req.Prompt, history)
	observability.IncTurn(string(intent))
	c.record(ctx, audit.ActionRouteRequest, req, conversationID, map[string]any{"intent": string(intent)})

	botMsg, err := c.runIntent(ctx, req, conv, conversationID, intent, history, notify)
	if err != nil {
		return Response{}, err
	}
	botMsg.Sender = "bot"
	if botMsg.CreatedAt.IsZero() {
		botMsg.CreatedAt = time.Now().UTC()
	}

	if err := c.deps.Conversations.AppendMessage(ctx, conversationID, req.Actor.UserID, botMsg); err != nil {
		return Response{}, fmt.Errorf("persist bot message: %w", err)
	}
	c.record(ctx, audit.ActionAddMessage, req, conversationID, map[string]any{"sender": "bot", "isError": botMsg.IsError})

	c.maybeGenerateTitle(ctx, req, conv, conversationID, botMsg)

	return Response{ConversationID: conversationID, Message: botMsg}, nil
}

func (c *Controller) runIntent(ctx context.Context, req Request, conv conversation.Conversation, conversationID string, intent agent.Intent, history []agent.Turn, notify StepFunc) (conversation.Message, error) {
	switch intent {
	case agent.IntentDatabaseQuery:
		notify("Generating SQL query...")
		candidate, err := c.deps.Generator.Generate(ctx, req.Prompt, req.Database, history)
		if err != nil {
			return conversation.Message{}, fmt.Errorf("generate: %w", err)
		}
		return c.verifyAndExecute(ctx, req, conversationID, candidate, history, refinement{}, notify)

	case agent.IntentQueryRefinement:
		return c.runRefinement(ctx, req, conv, conversationID, history, notify)

	case agent.IntentResultInterpreter:
		notify("Interpreting previous results...")
		lastResult := req.LastResult
		if len(lastResult) == 0 {
			lastResult = storedLastResult(conv.Messages)
		}
		text, err := c.deps.Interpreter.Interpret(ctx, req.Prompt, history, lastResult)
		if err != nil {
			return conversation.Message{}, fmt.Errorf("interpret: %w", err)
		}
		return conversation.Message{Text: text}, nil

	default:
		notify("Generating response...")
		text, err := c.deps.SmallTalk.Respond(ctx, req.Prompt, history)
		if err != nil {
			return conversation.Message{}, fmt.Errorf("respond: %w", err)
		}
		return conversation.Message{Text: text}, nil
	}
}

func (c *Controller) runRefinement(ctx context.Context, req Request, conv conversation.Conversation, conversationID string, history []agent.Turn, notify StepFunc) (conversation.Message, error) {
	previousSQL, ok := conversation.LastExecutedSQL(conv.Messages)
	if !ok {
		return conversation.Message{Text: msgNothingToRefine}, nil
	}

	notify("Refining previous query...")
	result, err := c.deps.Refiner.Refine(ctx, req.Prompt, previousSQL, req.Database, history)
	if err != nil {
		return conversation.Message{}, fmt.Errorf("refine: %w", err)
	}

	if !result.WasModified {
		// The refiner could not patch the previous statement; the turn falls
		// back to full generation from the same utterance. The regenerated
		// statement still lands in the base message's version log.
		observability.IncRefinementFallback()
		notify("Refinement not possible, generating new query...")
		candidate, err := c.deps.Generator.Generate(ctx, req.Prompt, req.Database, history)
		if err != nil {
			return conversation.Message{}, fmt.Errorf("generate fallback: %w", err)
		}
		return c.verifyAndExecute(ctx, req, conversationID, candidate, history, refinement{
			record: true,
			reason: "REGENERATED",
		}, notify)
	}

	notify("Verifying refined query...")
	return c.verifyAndExecute(ctx, req, conversationID, result.SQL, history, refinement{
		active: true,
		record: true,
		reason: result.Explanation,
	}, notify)
}

// refinement carries the refinement context through verification and
// execution. active marks a genuinely patched statement (refined wording,
// WasRefined on the bot message); record alone still writes a version entry,
// which is how the regeneration fallback is logged.
type refinement struct {
	active bool
	record bool
	reason string
}

// verifyAndExecute is the single path from a candidate statement to an
// executed one. Every statement passes the verifier first; a rejection ends
// the turn without touching the executor.
func (c *Controller) verifyAndExecute(ctx context.Context, req Request, conversationID, candidate string, history []agent.Turn, ref refinement, notify StepFunc) (conversation.Message, error) {
	if !ref.active {
		notify("Verifying SQL safety...")
	}
	verdict, err := c.deps.Verifier.Verify(ctx, req.Prompt, candidate, req.Database, history)
	if err != nil {
		return conversation.Message{}, fmt.Errorf("verify: %w", err)
	}
	c.record(ctx, audit.ActionVerifySQL, req, conversationID, map[string]any{
		"sql":    candidate,
		"isSafe": verdict.IsSafe,
		"reason": verdict.Reasoning,
	})

	if !verdict.IsSafe {
		format := msgUnsafeQuery
		if ref.active {
			format = msgUnsafeRefinement
		}
		return conversation.Message{
			Text:    fmt.Sprintf(format, verdict.Reasoning),
			IsError: true,
		}, nil
	}

	final := verdict.FinalSQL(candidate)

	notify("Executing query...")
	result, err := c.deps.Executor.Execute(ctx, final, req.Database, req.Actor)
	if errors.Is(err, executor.ErrPermissionDenied) {
		c.record(ctx, audit.ActionSecurityBlock, req, conversationID, map[string]any{
			"sql":    final,
			"reason": "modification statement by non-admin",
		})
		return conversation.Message{}, err
	}
	if err != nil {
		return conversation.Message{}, fmt.Errorf("execute: %w", err)
	}
	c.record(ctx, audit.ActionExecuteSQL, req, conversationID, map[string]any{
		"sql":        final,
		"success":    !result.Failed,
		"rowCount":   result.Metadata.RowCount,
		"resultHash": result.Metadata.ResultHash,
		"operation":  result.Metadata.Operation,
	})

	if result.Failed {
		return conversation.Message{Text: msgExecutionFailed, IsError: true}, nil
	}

	if ref.record {
		// Record the superseded statement on the message being refined. This
		// must happen before the new bot message is appended, while the base
		// message is still the newest one carrying executedSql.
		version := conversation.SQLVersion{
			SQL:                final,
			Timestamp:          time.Now().UTC(),
			ModificationReason: ref.reason,
		}
		if err := c.deps.Conversations.AddSQLVersion(ctx, conversationID, req.Actor.UserID, version); err != nil {
			c.warn(ctx, "record sql version", err)
		}
	}

	if result.IsModification {
		return conversation.Message{
			Text: fmt.Sprintf(msgModificationDone, result.Metadata.Operation, result.Metadata.RowCount),
		}, nil
	}

	notify("Creating visualization...")
	masked := viz.MaskSample(result.Sample)
	pkg := c.deps.Composer.Compose(ctx, req.Prompt, final, result.Metadata, result.Sample, history)

	text := pkg.Summary
	if ref.active && ref.reason != "" {
		text = fmt.Sprintf("%s\n\n%s", ref.reason, pkg.Summary)
	}

	return conversation.Message{
		Text:              text,
		ExecutedSQL:       final,
		WasRefined:        ref.active,
		ExecutionMetadata: &result.Metadata,
		MaskedSample:      masked,
		VisPackage:        &pkg,
	}, nil
}

// maybeGenerateTitle gives an untitled conversation a short generated title
// once it reaches the configured message count. Best effort on every path.
func (c *Controller) maybeGenerateTitle(ctx context.Context, req Request, conv conversation.Conversation, conversationID string, botMsg conversation.Message) {
	if c.deps.TitleAfterMessages <= 0 || c.deps.Completion == nil {
		return
	}
	if conv.Title != conversation.DefaultTitle {
		return
	}
	// conv was loaded after the user message; the bot message adds one more.
	if len(conv.Messages)+1 < c.deps.TitleAfterMessages {
		return
	}

	turns := make([]agent.Turn, 0, len(conv.Messages)+1)
	for _, m := range conv.Messages {
		turns = append(turns, agent.Turn{Sender: m.Sender, Text: m.Text})
	}
	turns = append(turns, agent.Turn{Sender: "bot", Text: botMsg.Text})

	title, err := agent.GenerateTitle(ctx, c.deps.Completion, turns)
	if err != nil {
		c.warn(ctx, "generate title", err)
		return
	}
	if err := c.deps.Conversations.SetTitleIfDefault(ctx, conversationID, req.Actor.UserID, title); err != nil {
		c.warn(ctx, "set title", err)
	}
}

func (c *Controller) cappedHistory(history []agent.Turn) []agent.Turn {
	if c.deps.HistoryLimit > 0 && len(history) > c.deps.HistoryLimit {
		return history[len(history)-c.deps.HistoryLimit:]
	}
	return history
}

// storedLastResult reconstructs an interpreter payload from the most recent
// persisted result message, for callers that did not supply one.
func storedLastResult(messages []conversation.Message) json.RawMessage {
	msg, ok := conversation.LastResultMessage(messages)
	if !ok {
		return nil
	}
	payload, err := json.Marshal(map[string]any{
		"metadata": msg.ExecutionMetadata,
		"sample":   msg.MaskedSample,
	})
	if err != nil {
		return nil
	}
	return payload
}

func (c *Controller) record(ctx context.Context, action audit.Action, req Request, conversationID string, details map[string]any) {
	if c.deps.Audit == nil {
		return
	}
	c.deps.Audit.Record(ctx, audit.Entry{
		Timestamp:      time.Now().UTC(),
		Action:         action,
		UserID:         req.Actor.UserID,
		ConversationID: conversationID,
		Details:        details,
	})
}

func (c *Controller) warn(ctx context.Context, msg string, err error) {
	if c.deps.Logger != nil {
		c.deps.Logger.WarnContext(ctx, msg, slog.Any("error", err))
	}
}
