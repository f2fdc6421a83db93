// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sources

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianEvidence/services/evidence/plan"
)

// =============================================================================
// Schema
// =============================================================================

// Column is one table column.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

// Table is one table or view.
type Table struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

// Schema is a snapshot of a backend's tables.
type Schema struct {
	Tables   []Table   `json:"tables"`
	LoadedAt time.Time `json:"loaded_at"`
}

// Schemas maps each tool kind to its current schema, if known.
type Schemas map[plan.ToolKind]*Schema

// Table looks up a table by name, ignoring case and any schema qualifier.
func (s *Schema) Table(name string) (Table, bool) {
	if s == nil {
		return Table{}, false
	}
	name = bareIdentifier(name)
	for _, t := range s.Tables {
		if strings.EqualFold(t.Name, name) {
			return t, true
		}
	}
	return Table{}, false
}

// HasTable reports whether the schema declares name.
func (s *Schema) HasTable(name string) bool {
	_, ok := s.Table(name)
	return ok
}

// Empty reports whether the schema has no tables.
func (s *Schema) Empty() bool {
	return s == nil || len(s.Tables) == 0
}

// Describe renders the schema as compact "table(col type, ...)" lines for
// prompts.
func (s *Schema) Describe() string {
	if s.Empty() {
		return ""
	}
	var b strings.Builder
	for _, t := range s.Tables {
		b.WriteString(t.Name)
		b.WriteString("(")
		for i, c := range t.Columns {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(c.Name)
			if c.Type != "" {
				b.WriteString(" ")
				b.WriteString(c.Type)
			}
		}
		b.WriteString(")\n")
	}
	return b.String()
}

// bareIdentifier strips quoting and a schema qualifier: `dbo."Flights"` → Flights.
func bareIdentifier(name string) string {
	name = strings.TrimSpace(name)
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return strings.Trim(name, "\"`[]")
}

// =============================================================================
// SchemaCache
// =============================================================================

// SchemaLoader fetches a live schema snapshot.
type SchemaLoader func(ctx context.Context) (*Schema, error)

// SchemaCache holds a schema snapshot and refreshes it lazily on expiry.
//
// Description:
//
//	Refresh happens on the first Get after the TTL elapses, never in the
//	background. When a refresh fails and a previous snapshot exists, the
//	stale snapshot is served and the failure logged.
//
// Thread Safety: Safe for concurrent use. Refreshes are serialized.
type SchemaCache struct {
	loader SchemaLoader
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	cached  *Schema
	expires time.Time
}

// NewSchemaCache creates a cache. ttl <= 0 uses 10 minutes.
func NewSchemaCache(loader SchemaLoader, ttl time.Duration, logger *slog.Logger) *SchemaCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SchemaCache{loader: loader, ttl: ttl, logger: logger, now: time.Now}
}

// StaticSchemaCache returns a cache that always serves schema.
func StaticSchemaCache(schema *Schema) *SchemaCache {
	return NewSchemaCache(func(context.Context) (*Schema, error) { return schema, nil }, 24*time.Hour, nil)
}

// Get returns the current snapshot, refreshing it if expired.
func (c *SchemaCache) Get(ctx context.Context) (*Schema, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.cached != nil && now.Before(c.expires) {
		return c.cached, nil
	}

	fresh, err := c.loader(ctx)
	if err != nil {
		if c.cached != nil {
			c.logger.Warn("schema cache: refresh failed, serving stale snapshot",
				slog.String("error", err.Error()),
				slog.Time("loaded_at", c.cached.LoadedAt),
			)
			return c.cached, nil
		}
		return nil, err
	}
	if fresh.LoadedAt.IsZero() {
		fresh.LoadedAt = now
	}
	c.cached = fresh
	c.expires = now.Add(c.ttl)
	return fresh, nil
}

// Peek returns the cached snapshot without refreshing. Nil if never loaded.
func (c *SchemaCache) Peek() *Schema {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cached
}

// SQLiteSchemaLoader reads tables and views from sqlite_master and their
// columns via PRAGMA table_info.
func SQLiteSchemaLoader(db *sql.DB) SchemaLoader {
	return func(ctx context.Context) (*Schema, error) {
		rows, err := db.QueryContext(ctx,
			`SELECT name FROM sqlite_master WHERE type IN ('table','view') AND name NOT LIKE 'sqlite_%' ORDER BY name`)
		if err != nil {
			return nil, fmt.Errorf("list tables: %w", err)
		}
		var names []string
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan table name: %w", err)
			}
			names = append(names, name)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("list tables: %w", err)
		}

		schema := &Schema{}
		for _, name := range names {
			cols, err := sqliteColumns(ctx, db, name)
			if err != nil {
				return nil, err
			}
			schema.Tables = append(schema.Tables, Table{Name: name, Columns: cols})
		}
		sort.Slice(schema.Tables, func(i, j int) bool { return schema.Tables[i].Name < schema.Tables[j].Name })
		return schema, nil
	}
}

func sqliteColumns(ctx context.Context, db *sql.DB, table string) ([]Column, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info("%s")`, strings.ReplaceAll(table, `"`, `""`)))
	if err != nil {
		return nil, fmt.Errorf("table_info %s: %w", table, err)
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("scan table_info %s: %w", table, err)
		}
		cols = append(cols, Column{Name: name, Type: strings.ToUpper(ctype)})
	}
	return cols, rows.Err()
}
