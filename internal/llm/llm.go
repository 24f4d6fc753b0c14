/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package llm abstracts the language-model planner behind a small
// client interface, with hosted providers, a deterministic rules
// planner for offline operation, and a resilient wrapper that fails
// over between them under a circuit breaker.
package llm

import (
	"context"
)

// Message is one turn of the conversation.
type Message struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// ToolDefinition describes one callable tool to the model.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// ToolCall is one operation invocation proposed by the model.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// Request is one completion request.
type Request struct {
	System    string
	Messages  []Message
	Tools     []ToolDefinition
	MaxTokens int
}

// Usage reports token consumption when the provider exposes it.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Response is the model's reply: free text, proposed tool calls, or both.
type Response struct {
	Text      string
	ToolCalls []ToolCall
	Usage     Usage
}

// Client is a language-model planner.
type Client interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
	Name() string
}
