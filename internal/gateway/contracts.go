package gateway

import (
	"context"
)

// ProviderRequest is what the orchestration loop hands to the provider
// dispatcher each iteration. Tools are populated only under the native
// protocol; under XML fallback the definitions already live in the system
// prompt.
type ProviderRequest struct {
	Model       string
	Turns       []Turn
	Tools       []ToolSchema
	ToolChoice  string
	Temperature *float64
	Protocol    Protocol
}

// ProviderResponse is the normalized backend reply.
type ProviderResponse struct {
	Content      string
	ToolCalls    []RawToolCall
	FinishReason FinishReason
}

// Provider executes one model turn against a backend. Implementations enforce
// their own per-call timeout and return typed errors instead of blocking.
type Provider interface {
	Call(ctx context.Context, req ProviderRequest) (ProviderResponse, error)
}

// ToolResult is the outcome of one external tool execution.
type ToolResult struct {
	Output   string `json:"output"`
	ExitCode int    `json:"exit_code"`
}

// ToolExecutor runs extracted tool calls. The loop treats it as an external
// collaborator: execution errors become tool turns, never loop failures.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, args map[string]any) (ToolResult, error)
}

// VerificationSink receives post-run verification results. Failures here are
// non-fatal; the response has already been returned to the caller.
type VerificationSink interface {
	RecordVerification(ctx context.Context, runID string, result VerificationResult) error
}
