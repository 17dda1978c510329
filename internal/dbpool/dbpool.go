// Package dbpool maintains one connection pool per queryable target
// database. Pools are opened at startup from configuration; an unknown
// database name is a hard error, never a lazily created pool.
package dbpool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var ErrUnknownDatabase = errors.New("unknown database")

type Config struct {
	Spec            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
}

type Registry struct {
	dbs map[string]*sql.DB
}

// Open parses a "name=DSN;name=DSN" spec and opens a pool per entry.
func Open(ctx context.Context, cfg Config) (*Registry, error) {
	entries, err := parseSpec(cfg.Spec)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("at least one target database is required")
	}

	registry := &Registry{dbs: map[string]*sql.DB{}}
	for name, dsn := range entries {
		db, err := open(ctx, dsn, cfg)
		if err != nil {
			registry.Close()
			return nil, fmt.Errorf("open database %q: %w", name, err)
		}
		registry.dbs[name] = db
	}
	return registry, nil
}

// NewRegistry wraps pre-opened pools. Used by tests.
func NewRegistry(dbs map[string]*sql.DB) *Registry {
	return &Registry{dbs: dbs}
}

func (r *Registry) Get(database string) (*sql.DB, error) {
	db, ok := r.dbs[database]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDatabase, database)
	}
	return db, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.dbs))
	for name := range r.dbs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Ping(ctx context.Context) error {
	for name, db := range r.dbs {
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("ping database %q: %w", name, err)
		}
	}
	return nil
}

func (r *Registry) Close() {
	for _, db := range r.dbs {
		_ = db.Close()
	}
}

func open(ctx context.Context, dsn string, cfg Config) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func parseSpec(spec string) (map[string]string, error) {
	entries := map[string]string{}
	for _, entry := range strings.Split(spec, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, dsn, ok := strings.Cut(entry, "=")
		name = strings.TrimSpace(name)
		dsn = strings.TrimSpace(dsn)
		if !ok || name == "" || dsn == "" {
			return nil, fmt.Errorf("invalid database entry %q: expected name=DSN", entry)
		}
		if _, exists := entries[name]; exists {
			return nil, fmt.Errorf("duplicate database entry %q", name)
		}
		entries[name] = dsn
	}
	return entries, nil
}
