// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm provides provider-agnostic chat clients used by the planner
// and the query writers.
//
// Only the request/response contract lives here: a list of role-tagged
// messages in, one text completion out. Answer phrasing is not this
// package's concern.
//
// Thread Safety:
//
//	All ChatClient implementations in this package are safe for concurrent use.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Provider names.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
)

// ErrEmptyResponse is returned when a provider answers with no text.
var ErrEmptyResponse = errors.New("llm: empty response")

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatOptions holds provider-agnostic request options.
type ChatOptions struct {
	// Temperature controls randomness. Zero is an explicit "most
	// deterministic" setting; negative values omit it from the request.
	Temperature float64

	// MaxTokens limits the response length. Zero uses the adapter default.
	MaxTokens int

	// JSONMode asks the provider for a single JSON object with no prose.
	JSONMode bool
}

// ChatClient is the minimal interface used by the planner and query writers.
//
// Description:
//
//	The planner only needs one structured completion per query, so the
//	interface carries no tool calling and no streaming.
//
// Thread Safety: Implementations must be safe for concurrent use.
type ChatClient interface {
	// Chat sends messages and returns the assistant's response text.
	//
	// Inputs:
	//   - ctx: Context for cancellation and timeout.
	//   - messages: Conversation messages (system, user, assistant).
	//   - opts: Provider-agnostic chat options.
	//
	// Outputs:
	//   - string: The assistant's response text. Never empty on success.
	//   - error: Non-nil on failure.
	Chat(ctx context.Context, messages []Message, opts ChatOptions) (string, error)
}

// ProviderConfig selects and configures one chat backend.
type ProviderConfig struct {
	Provider  string `yaml:"provider" validate:"omitempty,oneof=openai anthropic ollama"`
	Model     string `yaml:"model"`
	BaseURL   string `yaml:"base_url"`
	APIKey    string `yaml:"-"`
	MaxTokens int    `yaml:"max_tokens"`
}

// NewChatClient builds the ChatClient for cfg.
//
// Inputs:
//   - cfg: Provider configuration. An empty Provider returns (nil, nil),
//     which callers treat as "no model configured".
//
// Outputs:
//   - ChatClient: The adapter, or nil when no provider is configured.
//   - error: Non-nil for unknown providers or missing credentials.
func NewChatClient(cfg ProviderConfig) (ChatClient, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "":
		return nil, nil
	case ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("llm: openai provider requires an API key")
		}
		return NewOpenAIChat(cfg), nil
	case ProviderAnthropic:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("llm: anthropic provider requires an API key")
		}
		return NewAnthropicChat(cfg), nil
	case ProviderOllama:
		return NewOllamaChat(cfg), nil
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", cfg.Provider)
	}
}

// splitSystem separates system messages from the conversation.
func splitSystem(messages []Message) (string, []Message) {
	var system []string
	rest := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == RoleSystem {
			system = append(system, m.Content)
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(system, "\n\n"), rest
}
