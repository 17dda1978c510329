// Package suggest produces starter questions for a database: model-written
// ones from the schema, heuristics off the user's last statement, and popular
// questions mined from recent conversations. The three lookups are
// independent and fan out concurrently.
package suggest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/askdb/askdb/internal/completion"
	"github.com/askdb/askdb/internal/conversation"
	"github.com/askdb/askdb/internal/schema"
)

type ConversationSource interface {
	ListForDatabase(ctx context.Context, database string, limit int) ([]conversation.Conversation, error)
}

type Config struct {
	CacheTTL      time.Duration
	MinedLimit    int
	MaxContextual int
}

type Suggestions struct {
	Schema     []string `json:"schema"`
	Contextual []string `json:"contextual"`
	Popular    []string `json:"popular"`
}

// fallbackSuggestions are served when the model cannot produce schema-based
// questions; they are generic but always valid.
var fallbackSuggestions = []string{
	"How many records do we have?",
	"Show me recent data",
	"What are the totals?",
}

const schemaSuggestionsPrompt = `Suggest three short natural-language questions a business user could ask
about a database with this schema:

%s

Respond with a JSON array of exactly three strings, no markdown.`

type Service struct {
	completion    completion.Client
	schema        schema.Provider
	conversations ConversationSource
	cfg           Config
	logger        *slog.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	values  []string
	expires time.Time
}

func NewService(client completion.Client, schemaProvider schema.Provider, conversations ConversationSource, cfg Config, logger *slog.Logger) *Service {
	return &Service{
		completion:    client,
		schema:        schemaProvider,
		conversations: conversations,
		cfg:           cfg,
		logger:        logger,
		cache:         map[string]cacheEntry{},
	}
}

// For gathers all three suggestion groups for a database. lastExecutedSQL may
// be empty; the contextual group is empty then. Individual lookup failures
// degrade to empty or fallback groups, never to an error.
func (s *Service) For(ctx context.Context, database, lastExecutedSQL string) Suggestions {
	var out Suggestions
	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		out.Schema = s.schemaSuggestions(ctx, database)
	}()
	go func() {
		defer wg.Done()
		out.Contextual = s.contextualSuggestions(lastExecutedSQL)
	}()
	go func() {
		defer wg.Done()
		out.Popular = s.popularSuggestions(ctx, database)
	}()

	wg.Wait()
	return out
}

func (s *Service) schemaSuggestions(ctx context.Context, database string) []string {
	key := "schema:" + database
	if cached, ok := s.cached(key); ok {
		return cached
	}

	schemaText, err := s.schema.Describe(ctx, database)
	if err != nil {
		s.warn(ctx, "describe schema for suggestions", err)
		return fallbackSuggestions
	}

	raw, err := s.completion.Complete(ctx, fmt.Sprintf(schemaSuggestionsPrompt, schemaText))
	if err != nil {
		s.warn(ctx, "schema suggestion completion failed", err)
		return fallbackSuggestions
	}

	var suggestions []string
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	if err := json.Unmarshal([]byte(strings.TrimSpace(cleaned)), &suggestions); err != nil || len(suggestions) == 0 {
		s.warn(ctx, "schema suggestions malformed", err)
		return fallbackSuggestions
	}

	s.store(key, suggestions)
	return suggestions
}

// contextualSuggestions proposes follow-ups from the shape of the last
// executed statement. Pure string heuristics; no model call.
func (s *Service) contextualSuggestions(lastSQL string) []string {
	if strings.TrimSpace(lastSQL) == "" {
		return nil
	}
	lower := strings.ToLower(lastSQL)

	var out []string
	if strings.Contains(lower, "customers") {
		out = append(out, "Show me the top customers by total orders")
	}
	if strings.Contains(lower, "orders") {
		out = append(out, "What were total sales last month?")
	}
	if !strings.Contains(lower, "where") {
		out = append(out, "Filter these results by a specific date range")
	}
	if !strings.Contains(lower, "limit") {
		out = append(out, "Show only the top 10 results")
	}

	if s.cfg.MaxContextual > 0 && len(out) > s.cfg.MaxContextual {
		out = out[:s.cfg.MaxContextual]
	}
	return out
}

func (s *Service) popularSuggestions(ctx context.Context, database string) []string {
	key := "popular:" + database
	if cached, ok := s.cached(key); ok {
		return cached
	}

	conversations, err := s.conversations.ListForDatabase(ctx, database, s.cfg.MinedLimit)
	if err != nil {
		s.warn(ctx, "mine conversations for suggestions", err)
		return nil
	}

	counts := map[string]int{}
	display := map[string]string{}
	for _, conv := range conversations {
		for _, msg := range conv.Messages {
			if msg.Sender != "user" || strings.TrimSpace(msg.Text) == "" {
				continue
			}
			norm := normalizeQuestion(msg.Text)
			counts[norm]++
			if _, ok := display[norm]; !ok {
				display[norm] = msg.Text
			}
		}
	}

	type ranked struct {
		norm  string
		count int
	}
	all := make([]ranked, 0, len(counts))
	for norm, count := range counts {
		all = append(all, ranked{norm, count})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].count != all[j].count {
			return all[i].count > all[j].count
		}
		return all[i].norm < all[j].norm
	})

	top := make([]string, 0, 5)
	for _, r := range all {
		top = append(top, display[r.norm])
		if len(top) == 5 {
			break
		}
	}

	s.store(key, top)
	return top
}

var (
	numberPattern = regexp.MustCompile(`\d+`)
	quotedPattern = regexp.MustCompile(`'[^']*'|"[^"]*"`)
	spacePattern  = regexp.MustCompile(`\s+`)
)

// normalizeQuestion collapses questions that differ only in literals, so
// "show top 5 orders" and "show top 20 orders" count as one.
func normalizeQuestion(text string) string {
	norm := strings.ToLower(strings.TrimSpace(text))
	norm = quotedPattern.ReplaceAllString(norm, "X")
	norm = numberPattern.ReplaceAllString(norm, "N")
	norm = spacePattern.ReplaceAllString(norm, " ")
	return strings.TrimRight(norm, "?!. ")
}

func (s *Service) cached(key string) ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.cache[key]
	if !ok || time.Now().After(entry.expires) {
		return nil, false
	}
	return entry.values, true
}

func (s *Service) store(key string, values []string) {
	if s.cfg.CacheTTL <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[key] = cacheEntry{values: values, expires: time.Now().Add(s.cfg.CacheTTL)}
}

func (s *Service) warn(ctx context.Context, msg string, err error) {
	if s.logger != nil {
		s.logger.WarnContext(ctx, msg, slog.Any("error", err))
	}
}
