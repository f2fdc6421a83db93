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
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/AleutianAI/AleutianEvidence/services/evidence/intentgraph"
)

func newGraphCommand(v *viper.Viper) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Show the intent graph and which tier served it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(v, os.Stderr)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			snap := intentgraph.NewProvider(cfg.IntentGraph.Config, logger).Load(ctx, true)
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			}
			return printGraph(cmd.OutOrStdout(), snap)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the full snapshot as JSON")
	return cmd
}

// printGraph writes a short human summary: one line per intent with its
// required evidence and the tools authoritative for each.
func printGraph(w io.Writer, snap *intentgraph.Snapshot) error {
	if _, err := fmt.Fprintf(w, "source: %s\n", snap.Source()); err != nil {
		return err
	}
	for _, intent := range snap.Intents() {
		fmt.Fprintf(w, "%s\n", intent)
		for _, req := range snap.RequiredEvidenceForIntent(intent) {
			marker := "required"
			if req.Optional {
				marker = "optional"
			}
			tools := snap.ToolsForEvidence(req.Name)
			fmt.Fprintf(w, "  %-14s %-8s %s\n", req.Name, marker, strings.Join(tools, ", "))
		}
	}
	if unresolved := snap.UnresolvedEvidence(); len(unresolved) > 0 {
		fmt.Fprintf(w, "unresolved: %s\n", strings.Join(unresolved, ", "))
	}
	return nil
}
