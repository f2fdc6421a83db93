// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/AleutianAI/AleutianEvidence/services/evidence/sources"
	badgerstore "github.com/AleutianAI/AleutianEvidence/services/evidence/storage/badger"
)

func newCacheCommand(v *viper.Viper) *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect the persisted query-embedding cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := setup(v, os.Stderr)
			if err != nil {
				return err
			}
			if path == "" {
				path = cfg.Storage.BadgerPath
			}
			if path == "" {
				return fmt.Errorf("no on-disk store: set storage.badger_path or pass --path")
			}
			if _, err := os.Stat(path); os.IsNotExist(err) {
				fmt.Fprintf(cmd.OutOrStdout(), "Cache directory %s does not exist yet.\n", path)
				return nil
			}

			db, err := badgerstore.OpenDB(badgerstore.Config{Path: path})
			if err != nil {
				return err
			}
			defer db.Close()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			entries, err := sources.NewBadgerEmbeddingStore(db, 0).Entries(ctx)
			if err != nil {
				return err
			}
			printCacheEntries(cmd.OutOrStdout(), path, entries, time.Now())
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "Badger directory, overrides storage.badger_path")
	return cmd
}

// printCacheEntries writes one line per entry: key, dimensions, L2 norm,
// remaining TTL and the first values of the vector.
func printCacheEntries(w io.Writer, path string, entries []sources.EmbeddingEntry, now time.Time) {
	if len(entries) == 0 {
		fmt.Fprintf(w, "No embeddings cached in %s.\n", path)
		return
	}
	fmt.Fprintf(w, "%d embedding(s) in %s\n", len(entries), path)
	fmt.Fprintf(w, "%-16s  %5s  %7s  %-14s  %s\n", "Key", "Dims", "L2Norm", "TTL", "Sample")
	fmt.Fprintln(w, strings.Repeat("-", 80))
	for _, e := range entries {
		key := e.Key
		if len(key) > 16 {
			key = key[:16]
		}
		if e.Err != nil {
			fmt.Fprintf(w, "%-16s  DECODE ERROR: %v\n", key, e.Err)
			continue
		}
		fmt.Fprintf(w, "%-16s  %5d  %7.4f  %-14s  %s\n", key, e.Dims, l2Norm(e.Vector), ttlLabel(e.ExpiresAt, now), sample(e.Vector, 4))
	}
}

func ttlLabel(expires, now time.Time) string {
	if expires.IsZero() {
		return "none"
	}
	remaining := expires.Sub(now)
	if remaining < 0 {
		return "expired"
	}
	return remaining.Round(time.Second).String()
}

func l2Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func sample(v []float32, n int) string {
	if n > len(v) {
		n = len(v)
	}
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = fmt.Sprintf("%+.4f", v[i])
	}
	suffix := ""
	if len(v) > n {
		suffix = " ..."
	}
	return "[" + strings.Join(parts, ", ") + suffix + "]"
}
