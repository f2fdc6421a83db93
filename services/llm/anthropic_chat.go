// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	defaultAnthropicModel     = "claude-sonnet-4-20250514"
	defaultAnthropicMaxTokens = 2048
)

// AnthropicChat implements ChatClient over the Anthropic Messages API.
//
// Description:
//
//	The Messages API has no JSON response mode. When JSONMode is set the
//	system prompt is extended with a JSON-only instruction and the reply is
//	trimmed to the outermost object.
//
// Thread Safety: AnthropicChat is safe for concurrent use.
type AnthropicChat struct {
	client    anthropic.Client
	model     string
	maxTokens int
}

// NewAnthropicChat creates an AnthropicChat from cfg.
func NewAnthropicChat(cfg ProviderConfig) *AnthropicChat {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	return &AnthropicChat{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: firstPositive(cfg.MaxTokens, defaultAnthropicMaxTokens),
	}
}

// Chat implements ChatClient.
func (c *AnthropicChat) Chat(ctx context.Context, messages []Message, opts ChatOptions) (string, error) {
	ctx, span := startChatSpan(ctx, ProviderAnthropic, messages, opts)
	defer span.End()
	started := time.Now()

	system, rest := splitSystem(messages)
	if opts.JSONMode {
		system = strings.TrimSpace(system + "\n\nRespond with a single JSON object and nothing else.")
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(firstPositive(opts.MaxTokens, c.maxTokens)),
		Messages:  toAnthropicMessages(rest),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if opts.Temperature >= 0 {
		params.Temperature = anthropic.Float(opts.Temperature)
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		err = fmt.Errorf("anthropic chat: %w", err)
		finishChat(span, ProviderAnthropic, started, err)
		return "", err
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.AsText().Text)
		}
	}
	text := strings.TrimSpace(sb.String())
	if opts.JSONMode {
		text = ExtractJSONObject(text)
	}
	if text == "" {
		finishChat(span, ProviderAnthropic, started, ErrEmptyResponse)
		return "", ErrEmptyResponse
	}
	finishChat(span, ProviderAnthropic, started, nil)
	return text, nil
}

func toAnthropicMessages(messages []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(block))
			continue
		}
		out = append(out, anthropic.NewUserMessage(block))
	}
	return out
}

// ExtractJSONObject returns the outermost {...} span of s, stripping code
// fences and surrounding prose. Returns s trimmed when no braces are found.
func ExtractJSONObject(s string) string {
	s = strings.TrimSpace(s)
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}
