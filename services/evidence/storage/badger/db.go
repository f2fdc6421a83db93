// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badger wraps a BadgerDB instance with context-aware transaction
// helpers. The DB is a service-global singleton opened in main and shared by
// the document store and the embedding persistence tier.
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	dgbadger "github.com/dgraph-io/badger/v4"
)

// ErrClosed is returned by transaction helpers after Close.
var ErrClosed = errors.New("badger: db is closed")

// Config configures OpenDB.
type Config struct {
	// Path is the on-disk directory. Ignored when InMemory is true.
	Path string

	// InMemory keeps all data in RAM (tests, ephemeral deployments).
	InMemory bool

	// Logger receives Badger's internal logs at debug level. Nil silences them.
	Logger *slog.Logger
}

// InMemoryConfig returns a Config for an in-memory DB.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// DB is a thin wrapper over *badger.DB.
//
// Thread Safety: Safe for concurrent use. Transactions are per-goroutine.
type DB struct {
	db *dgbadger.DB
}

// OpenDB opens (or creates) a BadgerDB.
//
// Outputs:
//   - *DB: The opened DB. Caller must Close it.
//   - error: Non-nil if the directory cannot be opened.
func OpenDB(cfg Config) (*DB, error) {
	var opts dgbadger.Options
	if cfg.InMemory {
		opts = dgbadger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, fmt.Errorf("badger: path is required for on-disk DB")
		}
		opts = dgbadger.DefaultOptions(cfg.Path)
	}
	if cfg.Logger != nil {
		opts = opts.WithLogger(slogAdapter{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := dgbadger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger: open: %w", err)
	}
	return &DB{db: db}, nil
}

// Close closes the underlying DB.
func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// WithReadTxn runs fn inside a read-only transaction.
func (d *DB) WithReadTxn(ctx context.Context, fn func(txn *dgbadger.Txn) error) error {
	if err := d.ready(ctx); err != nil {
		return err
	}
	return d.db.View(fn)
}

// WithTxn runs fn inside a read-write transaction.
func (d *DB) WithTxn(ctx context.Context, fn func(txn *dgbadger.Txn) error) error {
	if err := d.ready(ctx); err != nil {
		return err
	}
	return d.db.Update(fn)
}

func (d *DB) ready(ctx context.Context) error {
	if d == nil || d.db == nil || d.db.IsClosed() {
		return ErrClosed
	}
	return ctx.Err()
}

// slogAdapter routes Badger's logger interface to slog at debug level.
type slogAdapter struct {
	logger *slog.Logger
}

func (a slogAdapter) Errorf(format string, args ...interface{}) {
	a.logger.Error(fmt.Sprintf(format, args...), slog.String("component", "badger"))
}

func (a slogAdapter) Warningf(format string, args ...interface{}) {
	a.logger.Warn(fmt.Sprintf(format, args...), slog.String("component", "badger"))
}

func (a slogAdapter) Infof(format string, args ...interface{}) {
	a.logger.Debug(fmt.Sprintf(format, args...), slog.String("component", "badger"))
}

func (a slogAdapter) Debugf(format string, args ...interface{}) {
	a.logger.Debug(fmt.Sprintf(format, args...), slog.String("component", "badger"))
}
