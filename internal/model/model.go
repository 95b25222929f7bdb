// Package model is the boundary to the external model endpoint. The
// orchestration core only needs one completion call that can request tool
// invocations; everything else about inference is the provider's problem.
package model

import (
	"context"
	"encoding/json"
)

// Conversation role labels as the orchestrator tracks them internally.
// These are distinct from the memory service's role enumeration and are
// mapped before persistence.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string // set on tool-result messages
}

// ToolCall is a tool invocation the model asked for.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// ToolDef describes a callable tool to the model.
type ToolDef struct {
	Name        string
	Description string
	Parameters  json.RawMessage // JSON Schema for the arguments
}

type Request struct {
	Messages []Message
	Tools    []ToolDef
}

// Response is the assistant message: final text, tool-call requests, or
// both.
type Response struct {
	Message Message
}

type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}
