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
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode"

	"github.com/AleutianAI/AleutianEvidence/services/evidence/plan"
)

// =============================================================================
// SQL Validation
// =============================================================================

var (
	// ErrEmptyQuery is returned for blank query text.
	ErrEmptyQuery = errors.New("empty query")

	// ErrNotReadOnly is returned for statements that could modify state.
	ErrNotReadOnly = errors.New("only read-only SELECT statements are allowed")

	// ErrMultiStatement is returned when more than one statement is present.
	ErrMultiStatement = errors.New("multiple statements are not allowed")

	// ErrUnknownTable is returned for references to tables not in the schema.
	ErrUnknownTable = errors.New("unknown table")

	// ErrUnterminated is returned for unterminated literals or comments.
	ErrUnterminated = errors.New("unterminated literal or comment")
)

var sqlWriteKeywords = regexp.MustCompile(`(?i)\b(insert|update|delete|drop|alter|create|replace|attach|detach|pragma|vacuum|reindex|truncate|grant|revoke|merge|exec|execute|into|upsert)\b`)

var sqlClauseKeywords = map[string]bool{
	"where": true, "group": true, "order": true, "limit": true, "join": true,
	"inner": true, "left": true, "right": true, "full": true, "cross": true,
	"on": true, "union": true, "having": true, "natural": true, "outer": true,
	"using": true, "window": true, "except": true, "intersect": true,
	"offset": true, "select": true, "from": true, "as": true,
}

// ValidateSQL checks that text is a single read-only statement that only
// references tables present in schema.
//
// Description:
//
//	Comments and string literals are stripped before analysis, so keywords
//	inside literals do not trigger rejections. A single trailing semicolon
//	is allowed. CTE names declared in a WITH clause count as known tables.
//	Table-valued functions and subqueries in FROM are not checked. A nil
//	schema skips the unknown-table check.
//
// Outputs:
//   - error: Wraps ErrEmptyQuery, ErrUnterminated, ErrMultiStatement,
//     ErrNotReadOnly or ErrUnknownTable. Nil when the statement is allowed.
func ValidateSQL(text string, schema *Schema) error {
	cleaned, err := stripSQL(text)
	if err != nil {
		return err
	}
	cleaned = strings.TrimSpace(cleaned)
	cleaned = strings.TrimSpace(strings.TrimRight(cleaned, "; \t\r\n"))
	if cleaned == "" {
		return ErrEmptyQuery
	}
	if strings.Contains(cleaned, ";") {
		return ErrMultiStatement
	}

	tokens := tokenizeSQL(cleaned)
	if len(tokens) == 0 {
		return ErrEmptyQuery
	}
	switch strings.ToLower(tokens[0]) {
	case "select", "with":
	default:
		return fmt.Errorf("%w: statement starts with %q", ErrNotReadOnly, tokens[0])
	}

	for _, loc := range sqlWriteKeywords.FindAllStringIndex(cleaned, -1) {
		// replace(x, y, z) is a scalar function, not a statement.
		rest := strings.TrimLeftFunc(cleaned[loc[1]:], unicode.IsSpace)
		word := strings.ToLower(cleaned[loc[0]:loc[1]])
		if word == "replace" && strings.HasPrefix(rest, "(") {
			continue
		}
		return fmt.Errorf("%w: found %q", ErrNotReadOnly, word)
	}

	if schema == nil {
		return nil
	}
	ctes := sqlCTENames(tokens)
	for _, table := range sqlTableRefs(tokens) {
		bare := bareIdentifier(table)
		if ctes[strings.ToLower(bare)] || schema.HasTable(bare) {
			continue
		}
		return fmt.Errorf("%w: %s", ErrUnknownTable, bare)
	}
	return nil
}

// stripSQL removes comments and blanks string literal contents.
func stripSQL(text string) (string, error) {
	var b strings.Builder
	b.Grow(len(text))
	for i := 0; i < len(text); i++ {
		c := text[i]
		switch {
		case c == '-' && i+1 < len(text) && text[i+1] == '-':
			for i < len(text) && text[i] != '\n' {
				i++
			}
			b.WriteByte(' ')
		case c == '/' && i+1 < len(text) && text[i+1] == '*':
			end := strings.Index(text[i+2:], "*/")
			if end < 0 {
				return "", ErrUnterminated
			}
			i += end + 3
			b.WriteByte(' ')
		case c == '\'':
			j := i + 1
			for {
				if j >= len(text) {
					return "", ErrUnterminated
				}
				if text[j] == '\'' {
					if j+1 < len(text) && text[j+1] == '\'' {
						j += 2
						continue
					}
					break
				}
				j++
			}
			b.WriteString("''")
			i = j
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), nil
}

// tokenizeSQL splits stripped SQL into identifiers, quoted identifiers,
// literals and single-character punctuation.
func tokenizeSQL(text string) []string {
	var tokens []string
	for i := 0; i < len(text); {
		c := rune(text[i])
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '"' || c == '`' || c == '[':
			closer := byte(c)
			if c == '[' {
				closer = ']'
			}
			j := strings.IndexByte(text[i+1:], closer)
			if j < 0 {
				tokens = append(tokens, text[i:])
				return tokens
			}
			end := i + 1 + j + 1
			// Keep a following ".name" qualifier attached.
			for end < len(text) && text[end] == '.' {
				k := end + 1
				for k < len(text) && isIdentByte(text[k]) {
					k++
				}
				end = k
			}
			tokens = append(tokens, text[i:end])
			i = end
		case c == '\'':
			tokens = append(tokens, "''")
			i += 2
		case isIdentByte(text[i]):
			j := i
			for j < len(text) && (isIdentByte(text[j]) || text[j] == '.') {
				j++
			}
			tokens = append(tokens, text[i:j])
			i = j
		default:
			tokens = append(tokens, string(c))
			i++
		}
	}
	return tokens
}

func isIdentByte(b byte) bool {
	return b == '_' || b == '$' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

func isIdentToken(tok string) bool {
	if tok == "" || tok == "''" {
		return false
	}
	switch tok[0] {
	case '"', '`', '[':
		return true
	}
	return isIdentByte(tok[0]) && !(tok[0] >= '0' && tok[0] <= '9')
}

// sqlCTENames collects names declared as "name AS (" or "name (cols) AS (".
func sqlCTENames(tokens []string) map[string]bool {
	names := make(map[string]bool)
	for i := 0; i+2 < len(tokens); i++ {
		if !isIdentToken(tokens[i]) {
			continue
		}
		j := i + 1
		if tokens[j] == "(" {
			depth := 0
			for ; j < len(tokens); j++ {
				if tokens[j] == "(" {
					depth++
				} else if tokens[j] == ")" {
					depth--
					if depth == 0 {
						break
					}
				}
			}
			j++
		}
		if j+1 < len(tokens) && strings.EqualFold(tokens[j], "as") && tokens[j+1] == "(" {
			names[strings.ToLower(bareIdentifier(tokens[i]))] = true
		}
	}
	return names
}

// sqlTableRefs returns identifiers that follow FROM or JOIN, including
// comma-separated FROM lists.
func sqlTableRefs(tokens []string) []string {
	var refs []string
	for i := 0; i < len(tokens); i++ {
		kw := strings.ToLower(tokens[i])
		if kw != "from" && kw != "join" {
			continue
		}
		j := i + 1
		for j < len(tokens) {
			tok := tokens[j]
			if tok == "(" || !isIdentToken(tok) || sqlClauseKeywords[strings.ToLower(tok)] {
				break
			}
			// Table-valued function.
			if j+1 < len(tokens) && tokens[j+1] == "(" {
				break
			}
			refs = append(refs, tok)
			j++
			if j < len(tokens) && strings.EqualFold(tokens[j], "as") {
				j++
			}
			if j < len(tokens) && isIdentToken(tokens[j]) && !sqlClauseKeywords[strings.ToLower(tokens[j])] {
				j++
			}
			if kw != "from" || j >= len(tokens) || tokens[j] != "," {
				break
			}
			j++
		}
	}
	return refs
}

// =============================================================================
// SQL Adapter
// =============================================================================

const defaultSQLMaxRows = 200

// SQLAdapter runs validated read-only statements against a database/sql pool.
//
// Thread Safety: Safe for concurrent use. Each call takes one pooled connection.
type SQLAdapter struct {
	db      *sql.DB
	schema  *SchemaCache
	maxRows int
	logger  *slog.Logger
}

// NewSQLAdapter creates an adapter. A nil db makes the adapter blocked.
// A nil schema cache builds one over sqlite_master.
func NewSQLAdapter(db *sql.DB, schema *SchemaCache, maxRows int, logger *slog.Logger) *SQLAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxRows <= 0 {
		maxRows = defaultSQLMaxRows
	}
	if schema == nil && db != nil {
		schema = NewSchemaCache(SQLiteSchemaLoader(db), 0, logger)
	}
	return &SQLAdapter{db: db, schema: schema, maxRows: maxRows, logger: logger}
}

func isSQLite(db *sql.DB) bool {
	return strings.Contains(strings.ToLower(fmt.Sprintf("%T", db.Driver())), "sqlite")
}

// Kind implements Adapter.
func (a *SQLAdapter) Kind() plan.ToolKind { return plan.ToolSQL }

// Mode implements Adapter.
func (a *SQLAdapter) Mode() Mode {
	if a.db == nil {
		return ModeBlocked
	}
	return ModeLive
}

// Schema returns the cached live schema.
func (a *SQLAdapter) Schema(ctx context.Context) (*Schema, error) {
	if a.schema == nil {
		return nil, errors.New("no schema source")
	}
	return a.schema.Get(ctx)
}

// Retrieve implements Adapter.
func (a *SQLAdapter) Retrieve(ctx context.Context, req Request) (Retrieval, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return Retrieval{}, validationFailed(plan.ToolSQL, "no query text")
	}
	out := Retrieval{GeneratedQuery: query}

	schema, err := a.Schema(ctx)
	if err != nil {
		return out, schemaMissing(plan.ToolSQL, "load live schema", err)
	}
	if schema.Empty() {
		return out, schemaMissing(plan.ToolSQL, "live schema has no tables", nil)
	}
	if err := ValidateSQL(query, schema); err != nil {
		return out, validationFailed(plan.ToolSQL, "%v", err)
	}

	rows, err := a.query(ctx, query)
	if err != nil {
		return out, runtimeError(plan.ToolSQL, "execute", err)
	}
	out.Rows = rows
	return out, nil
}

// query runs on a dedicated connection. SQLite ignores the read-only tx
// option, so the connection is switched to query_only for the duration of
// the call and any write fails in the engine. The tx is always rolled back.
func (a *SQLAdapter) query(ctx context.Context, query string) ([]plan.Row, error) {
	conn, err := a.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	if isSQLite(a.db) {
		if _, err := conn.ExecContext(ctx, "PRAGMA query_only = ON"); err != nil {
			return nil, fmt.Errorf("enable query_only: %w", err)
		}
		defer func() {
			if _, err := conn.ExecContext(context.Background(), "PRAGMA query_only = OFF"); err != nil {
				a.logger.Warn("sql adapter: reset query_only", slog.String("error", err.Error()))
			}
		}()
	}

	tx, err := conn.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read-only tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rs, err := tx.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	cols, err := rs.Columns()
	if err != nil {
		return nil, fmt.Errorf("columns: %w", err)
	}

	var out []plan.Row
	for rs.Next() {
		if len(out) >= a.maxRows {
			a.logger.Debug("sql adapter: row cap reached", slog.Int("max_rows", a.maxRows))
			break
		}
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rs.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		fields := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				fields[col] = string(b)
				continue
			}
			fields[col] = values[i]
		}
		out = append(out, plan.NewRow(fields))
	}
	if err := rs.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
