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
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/AleutianAI/AleutianEvidence/services/evidence/plan"
)

// =============================================================================
// Fixtures
// =============================================================================

func openOpsDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "ops.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	stmts := []string{
		`CREATE TABLE flight_legs (flight_id TEXT, origin TEXT, destination TEXT, status TEXT, delay_minutes INTEGER)`,
		`CREATE TABLE airports (icao TEXT, name TEXT)`,
		`CREATE TABLE graph_edges (src_type TEXT, src_id TEXT, dst_type TEXT, dst_id TEXT, relation TEXT)`,
		`INSERT INTO flight_legs VALUES ('UA123','KSEA','KLAX','delayed',45), ('AS10','KSEA','KSFO','on_time',0)`,
		`INSERT INTO airports VALUES ('KSEA','Seattle-Tacoma'), ('KLAX','Los Angeles')`,
	}
	for _, s := range stmts {
		_, err := db.Exec(s)
		require.NoError(t, err)
	}
	return db
}

func testSchema() *Schema {
	return &Schema{Tables: []Table{
		{Name: "flight_legs", Columns: []Column{{Name: "flight_id"}, {Name: "origin"}}},
		{Name: "airports", Columns: []Column{{Name: "icao"}}},
	}}
}

// =============================================================================
// ValidateSQL
// =============================================================================

func TestValidateSQL(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		wantErr error
	}{
		{"simple select", "SELECT * FROM flight_legs WHERE origin = 'KSEA'", nil},
		{"trailing semicolon", "SELECT icao FROM airports;", nil},
		{"join", "SELECT f.flight_id FROM flight_legs f JOIN airports a ON a.icao = f.origin", nil},
		{"comma list", "SELECT * FROM flight_legs f, airports a WHERE a.icao = f.origin", nil},
		{"schema qualified", "SELECT * FROM main.flight_legs", nil},
		{"cte", "WITH late AS (SELECT * FROM flight_legs) SELECT * FROM late", nil},
		{"keyword in literal", "SELECT * FROM flight_legs WHERE status = 'drop; delete'", nil},
		{"replace function", "SELECT replace(flight_id, 'UA', '') FROM flight_legs", nil},
		{"created column", "SELECT created_at FROM flight_legs", nil},
		{"empty", "  ;  ", ErrEmptyQuery},
		{"insert", "INSERT INTO airports VALUES ('X','Y')", ErrNotReadOnly},
		{"stacked", "SELECT 1 FROM airports; DROP TABLE airports", ErrMultiStatement},
		{"comment hides nothing", "SELECT * FROM airports -- ; DROP TABLE airports", nil},
		{"select into", "SELECT * INTO backup FROM airports", ErrNotReadOnly},
		{"pragma", "PRAGMA table_info(airports)", ErrNotReadOnly},
		{"unknown table", "SELECT * FROM passengers", ErrUnknownTable},
		{"unknown joined table", "SELECT * FROM flight_legs JOIN crew ON 1=1", ErrUnknownTable},
		{"unterminated", "SELECT * FROM airports WHERE icao = 'KSEA", ErrUnterminated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSQL(tt.query, testSchema())
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestValidateSQL_NilSchemaSkipsTableCheck(t *testing.T) {
	assert.NoError(t, ValidateSQL("SELECT * FROM anything", nil))
}

// =============================================================================
// SchemaCache
// =============================================================================

func TestSchemaCache_LazyRefreshAndStaleOnError(t *testing.T) {
	calls := 0
	fail := false
	cache := NewSchemaCache(func(context.Context) (*Schema, error) {
		calls++
		if fail {
			return nil, errors.New("backend down")
		}
		return testSchema(), nil
	}, time.Minute, nil)
	clock := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return clock }

	_, err := cache.Get(context.Background())
	require.NoError(t, err)
	_, err = cache.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	clock = clock.Add(2 * time.Minute)
	fail = true
	s, err := cache.Get(context.Background())
	require.NoError(t, err)
	assert.True(t, s.HasTable("airports"))
	assert.Equal(t, 2, calls)
}

func TestSQLiteSchemaLoader(t *testing.T) {
	db := openOpsDB(t)
	s, err := SQLiteSchemaLoader(db)(context.Background())
	require.NoError(t, err)

	legs, ok := s.Table("FLIGHT_LEGS")
	require.True(t, ok)
	assert.Len(t, legs.Columns, 5)
	assert.Equal(t, Column{Name: "delay_minutes", Type: "INTEGER"}, legs.Columns[4])
	assert.Contains(t, s.Describe(), "airports(icao TEXT, name TEXT)")
}

// =============================================================================
// SQLAdapter
// =============================================================================

func TestSQLAdapter_Retrieve(t *testing.T) {
	db := openOpsDB(t)
	a := NewSQLAdapter(db, nil, 0, nil)
	assert.Equal(t, ModeLive, a.Mode())

	res, err := a.Retrieve(context.Background(), Request{Query: "SELECT flight_id, delay_minutes FROM flight_legs WHERE origin = 'KSEA' ORDER BY flight_id"})
	require.NoError(t, err)
	require.Len(t, res.Rows, 2)
	assert.Equal(t, "AS10", res.Rows[0].String("flight_id"))
	assert.Equal(t, int64(45), res.Rows[1].Fields["delay_minutes"])
}

func TestSQLAdapter_RowCap(t *testing.T) {
	a := NewSQLAdapter(openOpsDB(t), nil, 1, nil)
	res, err := a.Retrieve(context.Background(), Request{Query: "SELECT * FROM flight_legs"})
	require.NoError(t, err)
	assert.Len(t, res.Rows, 1)
}

func TestSQLAdapter_Errors(t *testing.T) {
	a := NewSQLAdapter(openOpsDB(t), nil, 0, nil)

	_, err := a.Retrieve(context.Background(), Request{Query: "DELETE FROM airports"})
	var serr *SourceError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "sql_validation_failed", serr.Code)

	_, err = a.Retrieve(context.Background(), Request{Query: "SELECT nope FROM airports"})
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "sql_runtime_error", serr.Code)

	empty := NewSQLAdapter(openOpsDB(t), StaticSchemaCache(&Schema{}), 0, nil)
	_, err = empty.Retrieve(context.Background(), Request{Query: "SELECT 1"})
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "sql_schema_missing", serr.Code)
}

func TestSQLAdapter_EngineRejectsWrites(t *testing.T) {
	db := openOpsDB(t)
	a := NewSQLAdapter(db, nil, 0, nil)

	_, err := a.query(context.Background(), "INSERT INTO airports VALUES ('KSFO','San Francisco') RETURNING icao")
	require.Error(t, err, "writes fail even when validation is bypassed")

	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM airports").Scan(&n))
	assert.Equal(t, 2, n)

	_, err = db.Exec("INSERT INTO airports VALUES ('KSFO','San Francisco')")
	require.NoError(t, err, "the pooled connection is writable again afterwards")

	res, err := a.Retrieve(context.Background(), Request{Query: "SELECT icao FROM airports ORDER BY icao"})
	require.NoError(t, err)
	assert.Len(t, res.Rows, 3)
}

func TestSQLAdapter_BlockedWithoutDB(t *testing.T) {
	a := NewSQLAdapter(nil, nil, 0, nil)
	assert.Equal(t, ModeBlocked, a.Mode())

	f := NewFacade(nil)
	f.Register(a)
	res := f.Retrieve(context.Background(), plan.ToolSQL, Request{Query: "SELECT 1"})
	require.Len(t, res.Rows, 1)
	assert.Equal(t, plan.CodeSourceUnavailable, res.Rows[0].ErrorCode())
}
