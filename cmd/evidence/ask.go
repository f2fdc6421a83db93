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

	"github.com/AleutianAI/AleutianEvidence/services/evidence/orchestrator"
)

func newAskCommand(v *viper.Viper) *cobra.Command {
	var (
		sourcesFlag []string
		horizon     int
		recommend   bool
		refresh     bool
	)
	cmd := &cobra.Command{
		Use:   "ask <query>",
		Short: "Answer one query and print the result as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := orchestrator.Request{
				Query:             strings.Join(args, " "),
				RequiredSources:   sourcesFlag,
				HorizonMinutes:    horizon,
				AskRecommendation: recommend,
				RefreshGraph:      refresh,
			}
			return runAsk(cmd.Context(), v, req, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringSliceVar(&sourcesFlag, "source", nil, "Restrict planning to these sources (repeatable)")
	cmd.Flags().IntVar(&horizon, "horizon", 0, "Look-ahead horizon in minutes")
	cmd.Flags().BoolVar(&recommend, "recommend", false, "Attach ready-to-run calls to requery suggestions")
	cmd.Flags().BoolVar(&refresh, "refresh-graph", false, "Reload the intent graph before planning")
	return cmd
}

func runAsk(ctx context.Context, v *viper.Viper, req orchestrator.Request, out io.Writer) error {
	cfg, logger, err := setup(v, os.Stderr)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	resp := a.orchestrator.Run(ctx, req)
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(resp); err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	return nil
}
