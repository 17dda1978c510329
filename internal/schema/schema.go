// Package schema produces the textual database descriptions embedded in
// agent prompts. Descriptions are fetched live per call so prompts never see
// a stale table layout.
package schema

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

type Provider interface {
	Describe(ctx context.Context, database string) (string, error)
}

type Pools interface {
	Get(database string) (*sql.DB, error)
}

type PostgresProvider struct {
	pools Pools
}

func NewPostgresProvider(pools Pools) *PostgresProvider {
	return &PostgresProvider{pools: pools}
}

const columnsQuery = `
SELECT table_name, column_name
FROM information_schema.columns
WHERE table_schema = 'public'
ORDER BY table_name, ordinal_position`

// Describe formats the public schema of the target database as one line per
// table, the shape the prompt templates expect.
func (p *PostgresProvider) Describe(ctx context.Context, database string) (string, error) {
	db, err := p.pools.Get(database)
	if err != nil {
		return "", err
	}

	rows, err := db.QueryContext(ctx, columnsQuery)
	if err != nil {
		return "", fmt.Errorf("fetch schema for %q: %w", database, err)
	}
	defer func() { _ = rows.Close() }()

	var (
		builder      strings.Builder
		currentTable string
		columns      []string
	)
	flush := func() {
		if currentTable == "" {
			return
		}
		fmt.Fprintf(&builder, "Table %q has columns: %s.\n", currentTable, strings.Join(columns, ", "))
	}
	for rows.Next() {
		var tableName, columnName string
		if err := rows.Scan(&tableName, &columnName); err != nil {
			return "", fmt.Errorf("scan schema row: %w", err)
		}
		if tableName != currentTable {
			flush()
			currentTable = tableName
			columns = columns[:0]
		}
		columns = append(columns, columnName)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("read schema rows: %w", err)
	}
	flush()

	return strings.TrimSpace(builder.String()), nil
}
