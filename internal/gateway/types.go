package gateway

// This package implements the Go-side core of the modelgate chat-completion
// gateway: request normalization, tool-call extraction, degenerate-output
// detection, the orchestration loop, and post-run verification.
//
// Design notes:
// - Messages are a tagged union over the four chat roles. Every consumer
//   switches exhaustively on Role; there is no runtime shape-guessing.
// - A transcript is append-only. Turns are never mutated after being appended.
// - All per-request state lives in one OrchestrationState owned by a single
//   in-flight request. Nothing in this package is shared across requests.

import (
	"strings"
)

// Role is the normalized chat role union.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// NormalizeRole maps a raw role string onto the union, defaulting to user.
func NormalizeRole(raw string) Role {
	v := strings.TrimSpace(strings.ToLower(raw))
	switch Role(v) {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return Role(v)
	default:
		return RoleUser
	}
}

// ToolCall is one structured invocation request extracted from model output.
//
// Args holds the decoded argument mapping. RawArgs preserves the provider's
// original arguments payload; when native JSON decoding fails the call is still
// returned with Args nil and RawArgs intact (degrade, don't drop).
type ToolCall struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Args    map[string]any `json:"args,omitempty"`
	RawArgs string         `json:"raw_args,omitempty"`
}

// Turn is one immutable transcript entry.
type Turn struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolSchema describes one callable capability offered to the model.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  []ToolParameter `json:"parameters,omitempty"`
}

// ToolParameter is one named, typed parameter of a tool schema.
type ToolParameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// Protocol selects how tool definitions reach the model and how calls come back.
type Protocol string

const (
	// ProtocolNative relies on the provider's structured tool-call channel.
	ProtocolNative Protocol = "native"
	// ProtocolXML injects tool definitions into the system prompt and expects
	// <tool_call> blocks in plain text output.
	ProtocolXML Protocol = "xml"
)

// FinishReason is the normalized completion cause surfaced on the API.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishToolCalls FinishReason = "tool_calls"
	FinishLength    FinishReason = "length"
	FinishError     FinishReason = "error"
)

// Status is the orchestration state machine status.
type Status string

const (
	StatusRunning      Status = "running"
	StatusAwaitingTool Status = "awaiting_tool"
	StatusCompleted    Status = "completed"
	StatusAborted      Status = "aborted"
	StatusFailed       Status = "failed"
)

// Terminal reports whether the loop is done for this status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusAborted, StatusFailed:
		return true
	default:
		return false
	}
}

// AbortReason qualifies StatusAborted.
type AbortReason string

const (
	AbortMaxIterationsExceeded AbortReason = "max_iterations_exceeded"
	AbortCancelled             AbortReason = "cancelled"
)

// OrchestrationState is the per-request loop state. It is created at request
// entry, mutated only by the orchestration loop, and discarded once Status
// reaches a terminal value.
type OrchestrationState struct {
	RunID       string      `json:"run_id"`
	Iteration   int         `json:"iteration"`
	Transcript  []Turn      `json:"transcript"`
	Status      Status      `json:"status"`
	AbortReason AbortReason `json:"abort_reason,omitempty"`
	Warnings    []string    `json:"warnings,omitempty"`
}

// Append adds a turn to the transcript. The turn is copied; callers cannot
// mutate it afterwards through the original slice headers.
func (s *OrchestrationState) Append(turn Turn) {
	if s == nil {
		return
	}
	if len(turn.ToolCalls) > 0 {
		turn.ToolCalls = append([]ToolCall(nil), turn.ToolCalls...)
	}
	s.Transcript = append(s.Transcript, turn)
}

// LastAssistantText returns the content of the most recent assistant turn.
func (s *OrchestrationState) LastAssistantText() string {
	if s == nil {
		return ""
	}
	for i := len(s.Transcript) - 1; i >= 0; i-- {
		if s.Transcript[i].Role == RoleAssistant {
			return s.Transcript[i].Content
		}
	}
	return ""
}
