// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command evidence runs the evidence engine as an HTTP service or answers a
// single query from the command line.
//
// Usage:
//
//	evidence serve --config evidence.yaml
//	evidence ask "departure brief for KSEA runway 16L"
//	evidence graph
//	evidence cache --path /var/lib/evidence/badger
//
// Example requests:
//
//	# Health check
//	curl http://localhost:8087/v1/evidence/health
//
//	# Answer a query
//	curl -X POST http://localhost:8087/v1/evidence/query \
//	  -H "Content-Type: application/json" \
//	  -d '{"query": "arrival delays at KSEA in the next 2 hours"}'
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/AleutianAI/AleutianEvidence/services/evidence/config"
)

// Flag keys, also readable as EVIDENCE_CONFIG, EVIDENCE_LOG_FORMAT and
// EVIDENCE_LOG_LEVEL.
const (
	keyConfig    = "config"
	keyLogFormat = "log-format"
	keyLogLevel  = "log-level"
)

func main() {
	if err := newRootCommand(viper.New()).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(v *viper.Viper) *cobra.Command {
	root := &cobra.Command{
		Use:           "evidence",
		Short:         "Plan, execute and verify evidence queries across heterogeneous sources",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	flags := root.PersistentFlags()
	flags.String(keyConfig, "", "YAML config file overlaying the built-in defaults")
	flags.String(keyLogFormat, "auto", "Log format: auto, text or json")
	flags.String(keyLogLevel, "info", "Log level: debug, info, warn or error")
	_ = v.BindPFlags(flags)
	v.SetEnvPrefix("EVIDENCE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root.AddCommand(
		newServeCommand(v),
		newAskCommand(v),
		newGraphCommand(v),
		newCacheCommand(v),
	)
	return root
}

// setup loads configuration and builds the process logger.
func setup(v *viper.Viper, stderr io.Writer) (*config.Config, *slog.Logger, error) {
	logger, err := newLogger(stderr, v.GetString(keyLogFormat), v.GetString(keyLogLevel))
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)

	cfg, err := config.Load(v.GetString(keyConfig))
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// newLogger picks a text handler for terminals and JSON otherwise, unless
// format forces one.
func newLogger(w io.Writer, format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch format {
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "auto", "":
		if f, ok := w.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
			return slog.New(slog.NewTextHandler(w, opts)), nil
		}
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("log format %q: want auto, text or json", format)
	}
}
