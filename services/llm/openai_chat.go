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

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAIChat implements ChatClient over the OpenAI Chat Completions API.
//
// Thread Safety: OpenAIChat is safe for concurrent use.
type OpenAIChat struct {
	client    openai.Client
	model     string
	maxTokens int
}

// NewOpenAIChat creates an OpenAIChat from cfg.
//
// Inputs:
//   - cfg: APIKey is required; BaseURL overrides the endpoint (Azure, proxies);
//     Model defaults to gpt-4o-mini.
func NewOpenAIChat(cfg ProviderConfig) *OpenAIChat {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAIChat{
		client:    openai.NewClient(opts...),
		model:     model,
		maxTokens: cfg.MaxTokens,
	}
}

// Chat implements ChatClient.
func (c *OpenAIChat) Chat(ctx context.Context, messages []Message, opts ChatOptions) (string, error) {
	ctx, span := startChatSpan(ctx, ProviderOpenAI, messages, opts)
	defer span.End()
	started := time.Now()

	params := openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: toOpenAIMessages(messages),
	}
	if opts.Temperature >= 0 {
		params.Temperature = openai.Float(opts.Temperature)
	}
	if maxTokens := firstPositive(opts.MaxTokens, c.maxTokens); maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(maxTokens))
	}
	if opts.JSONMode {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		err = fmt.Errorf("openai chat: %w", err)
		finishChat(span, ProviderOpenAI, started, err)
		return "", err
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		finishChat(span, ProviderOpenAI, started, ErrEmptyResponse)
		return "", ErrEmptyResponse
	}
	finishChat(span, ProviderOpenAI, started, nil)
	return resp.Choices[0].Message.Content, nil
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
