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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const defaultOllamaModel = "granite4:micro-h"

// =============================================================================
// Ollama Wire Types
// =============================================================================

type ollamaChatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Format   string         `json:"format,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message Message `json:"message"`
	Error   string  `json:"error,omitempty"`
}

// OllamaChat implements ChatClient against a local Ollama /api/chat endpoint
// using raw net/http.
//
// Thread Safety: OllamaChat is safe for concurrent use.
type OllamaChat struct {
	httpClient *http.Client
	baseURL    string
	model      string
	maxTokens  int
}

// ResolveOllamaURL resolves the Ollama server URL.
//
// Description:
//
//	Resolution order:
//	  1. explicit value
//	  2. OLLAMA_BASE_URL
//	  3. http://localhost:11434
func ResolveOllamaURL(explicit string) string {
	if explicit != "" {
		return strings.TrimRight(explicit, "/")
	}
	if url := os.Getenv("OLLAMA_BASE_URL"); url != "" {
		return strings.TrimRight(url, "/")
	}
	return "http://localhost:11434"
}

// NewOllamaChat creates an OllamaChat from cfg.
func NewOllamaChat(cfg ProviderConfig) *OllamaChat {
	model := cfg.Model
	if model == "" {
		model = defaultOllamaModel
	}
	return &OllamaChat{
		httpClient: &http.Client{Timeout: 120 * time.Second},
		baseURL:    ResolveOllamaURL(cfg.BaseURL),
		model:      model,
		maxTokens:  cfg.MaxTokens,
	}
}

// Chat implements ChatClient.
func (c *OllamaChat) Chat(ctx context.Context, messages []Message, opts ChatOptions) (string, error) {
	ctx, span := startChatSpan(ctx, ProviderOllama, messages, opts)
	defer span.End()
	started := time.Now()

	text, err := c.chat(ctx, messages, opts)
	finishChat(span, ProviderOllama, started, err)
	return text, err
}

func (c *OllamaChat) chat(ctx context.Context, messages []Message, opts ChatOptions) (string, error) {
	reqBody := ollamaChatRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   false,
		Options:  map[string]any{},
	}
	if opts.JSONMode {
		reqBody.Format = "json"
	}
	if opts.Temperature >= 0 {
		reqBody.Options["temperature"] = opts.Temperature
	}
	if maxTokens := firstPositive(opts.MaxTokens, c.maxTokens); maxTokens > 0 {
		reqBody.Options["num_predict"] = maxTokens
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("ollama chat: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("ollama chat: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("ollama chat: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", fmt.Errorf("ollama chat: read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ollama chat: returned %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var parsed ollamaChatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("ollama chat: decode response: %w", err)
	}
	if parsed.Error != "" {
		return "", fmt.Errorf("ollama chat: %s", parsed.Error)
	}
	if strings.TrimSpace(parsed.Message.Content) == "" {
		return "", ErrEmptyResponse
	}
	return parsed.Message.Content, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
