// Package executor runs verified SQL against a registered database and turns
// the outcome into metadata plus a bounded sample. It is the only package that
// touches database/sql for user statements, and it owns the RBAC gate for
// modifications.
package executor

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/askdb/askdb/internal/auth"
	"github.com/askdb/askdb/internal/observability"
)

// ErrPermissionDenied reports a modification statement attempted by a
// non-admin. The statement never reached the database.
var ErrPermissionDenied = errors.New("permission denied: only admins can modify data")

// modificationPattern is an advisory classifier, not a SQL parser. A read
// statement that merely mentions one of these words (in a string literal, say)
// is treated as a modification; that over-blocks, never under-blocks.
var modificationPattern = regexp.MustCompile(`(?i)\b(insert|update|delete|drop|alter|truncate)\b`)

// IsModification reports whether the statement is classified as a write.
func IsModification(sqlText string) bool {
	return modificationPattern.MatchString(sqlText)
}

// Metadata describes the full result of an executed statement, before any
// sample truncation. ResultHash covers every row, so identical result sets
// hash identically regardless of the sample cap.
type Metadata struct {
	RowCount   int      `json:"rowCount" bson:"rowCount"`
	Columns    []string `json:"columns" bson:"columns"`
	ResultHash string   `json:"resultHash" bson:"resultHash"`
	Operation  string   `json:"operation" bson:"operation"`
}

// Result is the outcome of one Execute call. Failed with FailureDetail covers
// database-level errors; those are ordinary outcomes, not Go errors, so the
// pipeline can persist them as a bot message.
type Result struct {
	IsModification bool
	Metadata       Metadata
	Sample         []map[string]any
	Failed         bool
	FailureDetail  string
}

// Pools resolves a logical database name to an open handle.
type Pools interface {
	Get(database string) (*sql.DB, error)
}

type Executor struct {
	pools       Pools
	sampleLimit int
	logger      *slog.Logger
}

func New(pools Pools, sampleLimit int, logger *slog.Logger) *Executor {
	return &Executor{pools: pools, sampleLimit: sampleLimit, logger: logger}
}

// Execute runs one statement as actor against the named database. The RBAC
// gate is checked before any database work: modifications require an admin.
// Database failures come back inside Result; only infrastructure problems
// (unknown database, denied permission) are errors.
func (e *Executor) Execute(ctx context.Context, sqlText, database string, actor auth.Identity) (Result, error) {
	isModification := IsModification(sqlText)
	if isModification && !actor.IsAdmin() {
		observability.IncRBACDenial()
		if e.logger != nil {
			e.logger.WarnContext(ctx, "modification refused for non-admin",
				slog.String("user_id", actor.UserID),
				slog.String("role", string(actor.Role)),
				slog.String("database", database))
		}
		return Result{}, ErrPermissionDenied
	}

	db, err := e.pools.Get(database)
	if err != nil {
		return Result{}, fmt.Errorf("resolve database %q: %w", database, err)
	}

	if isModification {
		return e.executeModification(ctx, db, sqlText)
	}
	return e.executeRead(ctx, db, sqlText)
}

func (e *Executor) executeModification(ctx context.Context, db *sql.DB, sqlText string) (Result, error) {
	res, err := db.ExecContext(ctx, sqlText)
	if err != nil {
		observability.IncExecutionFailure()
		return Result{
			IsModification: true,
			Failed:         true,
			FailureDetail:  err.Error(),
		}, nil
	}

	affected, err := res.RowsAffected()
	if err != nil {
		// The driver could not report a count; the statement itself succeeded.
		affected = 0
	}

	operation := operationWord(sqlText)
	observability.IncExecutedStatement("modification")
	return Result{
		IsModification: true,
		Metadata: Metadata{
			RowCount:  int(affected),
			Operation: operation,
		},
	}, nil
}

func (e *Executor) executeRead(ctx context.Context, db *sql.DB, sqlText string) (Result, error) {
	rows, err := db.QueryContext(ctx, sqlText)
	if err != nil {
		observability.IncExecutionFailure()
		return Result{Failed: true, FailureDetail: err.Error()}, nil
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		observability.IncExecutionFailure()
		return Result{Failed: true, FailureDetail: err.Error()}, nil
	}

	allRows := make([]map[string]any, 0)
	values := make([]any, len(columns))
	pointers := make([]any, len(columns))
	for i := range values {
		pointers[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(pointers...); err != nil {
			observability.IncExecutionFailure()
			return Result{Failed: true, FailureDetail: err.Error()}, nil
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = normalizeValue(values[i])
		}
		allRows = append(allRows, row)
	}
	if err := rows.Err(); err != nil {
		observability.IncExecutionFailure()
		return Result{Failed: true, FailureDetail: err.Error()}, nil
	}

	hash, err := hashRows(allRows)
	if err != nil {
		return Result{}, fmt.Errorf("hash result set: %w", err)
	}

	sample := allRows
	if len(sample) > e.sampleLimit {
		sample = sample[:e.sampleLimit]
	}

	observability.IncExecutedStatement("read")
	return Result{
		Metadata: Metadata{
			RowCount:   len(allRows),
			Columns:    columns,
			ResultHash: hash,
			Operation:  "SELECT",
		},
		Sample: sample,
	}, nil
}

// hashRows fingerprints the complete result set. The hash is computed over the
// JSON encoding of every row, before the sample cap is applied.
func hashRows(rows []map[string]any) (string, error) {
	encoded, err := json.Marshal(rows)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}

// normalizeValue makes driver values JSON-friendly. pgx hands back []byte for
// text-ish columns; persisting those raw would base64-encode them.
func normalizeValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

func operationWord(sqlText string) string {
	fields := strings.Fields(strings.TrimSpace(sqlText))
	if len(fields) == 0 {
		return ""
	}
	return strings.ToUpper(fields[0])
}
