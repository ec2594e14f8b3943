package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/floegence/modelgate/internal/budget"
	"github.com/floegence/modelgate/internal/gateway"
	"github.com/floegence/modelgate/internal/provider"
	"github.com/floegence/modelgate/internal/retrieval"
)

// scriptedProvider replays canned responses in order.
type scriptedProvider struct {
	responses []gateway.ProviderResponse
	err       error
	requests  []gateway.ProviderRequest
}

func (p *scriptedProvider) Call(ctx context.Context, req gateway.ProviderRequest) (gateway.ProviderResponse, error) {
	p.requests = append(p.requests, req)
	if p.err != nil {
		return gateway.ProviderResponse{}, p.err
	}
	idx := len(p.requests) - 1
	if idx >= len(p.responses) {
		idx = len(p.responses) - 1
	}
	return p.responses[idx], nil
}

// recordingSink remembers every verification verdict it receives.
type recordingSink struct {
	runIDs   []string
	verdicts []gateway.VerificationResult
}

func (s *recordingSink) RecordVerification(ctx context.Context, runID string, verdict gateway.VerificationResult) error {
	s.runIDs = append(s.runIDs, runID)
	s.verdicts = append(s.verdicts, verdict)
	return nil
}

type echoExecutor struct{ calls []string }

func (e *echoExecutor) Execute(ctx context.Context, name string, args map[string]any) (gateway.ToolResult, error) {
	e.calls = append(e.calls, name)
	return gateway.ToolResult{Output: "ran " + name}, nil
}

func newTestServer(p gateway.Provider, executor gateway.ToolExecutor, capability func(string) gateway.ModelCapability, opts Options) *httptest.Server {
	loop := gateway.NewLoop(p, executor, gateway.LoopConfig{}, nil)
	manager := budget.NewManager(budget.HeuristicCounter{}, nil)
	server := NewServer(loop, manager, capability, opts, nil)
	return httptest.NewServer(server.Handler())
}

func postChat(t *testing.T, url string, body string) (*http.Response, chatResponse) {
	t.Helper()
	resp, err := http.Post(url+"/v1/chat/completions", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	var out chatResponse
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return resp, out
}

func TestChatCompletions_SimpleAnswer(t *testing.T) {
	t.Parallel()

	p := &scriptedProvider{responses: []gateway.ProviderResponse{
		{Content: "Hello!", FinishReason: gateway.FinishStop},
	}}
	srv := newTestServer(p, &echoExecutor{}, nil, Options{})
	defer srv.Close()

	resp, out := postChat(t, srv.URL, `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(out.Choices) != 1 {
		t.Fatalf("choices = %d", len(out.Choices))
	}
	choice := out.Choices[0]
	if choice.Message.Content != "Hello!" || choice.FinishReason != "stop" {
		t.Fatalf("choice = %#v", choice)
	}
	if !strings.HasPrefix(out.ID, "chatcmpl-") || out.Object != "chat.completion" {
		t.Fatalf("envelope = %#v", out)
	}
}

func TestChatCompletions_BadRequests(t *testing.T) {
	t.Parallel()

	p := &scriptedProvider{responses: []gateway.ProviderResponse{{Content: "x"}}}
	srv := newTestServer(p, nil, nil, Options{})
	defer srv.Close()

	cases := []struct {
		name string
		body string
	}{
		{"malformed json", `{"model": `},
		{"missing model", `{"messages":[{"role":"user","content":"hi"}]}`},
		{"empty messages", `{"model":"gpt-4o","messages":[]}`},
	}
	for _, tc := range cases {
		resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json", bytes.NewBufferString(tc.body))
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		var envelope errorResponse
		if decodeErr := json.NewDecoder(resp.Body).Decode(&envelope); decodeErr != nil {
			t.Fatalf("%s: decode: %v", tc.name, decodeErr)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: status = %d", tc.name, resp.StatusCode)
		}
		if envelope.Error.Message == "" || envelope.Error.Type != "invalid_request_error" {
			t.Fatalf("%s: envelope = %#v", tc.name, envelope)
		}
	}
	if len(p.requests) != 0 {
		t.Fatalf("provider was called for invalid requests")
	}
}

func TestChatCompletions_ToolRoundTrip(t *testing.T) {
	t.Parallel()

	p := &scriptedProvider{responses: []gateway.ProviderResponse{
		{
			ToolCalls:    []gateway.RawToolCall{{ID: "call_1", Name: "read_file", ArgumentsJSON: `{"path":"main.go"}`}},
			FinishReason: gateway.FinishToolCalls,
		},
		{Content: "The file defines package main.", FinishReason: gateway.FinishStop},
	}}
	executor := &echoExecutor{}
	srv := newTestServer(p, executor, nil, Options{})
	defer srv.Close()

	body := `{
		"model": "gpt-4o",
		"messages": [{"role":"user","content":"read main.go"}],
		"tools": [{"type":"function","function":{"name":"read_file","description":"Read a file.","parameters":{"type":"object","properties":{"path":{"type":"string","description":"File path."}},"required":["path"]}}}]
	}`
	resp, out := postChat(t, srv.URL, body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if out.Choices[0].Message.Content != "The file defines package main." {
		t.Fatalf("content = %q", out.Choices[0].Message.Content)
	}
	if len(executor.calls) != 1 || executor.calls[0] != "read_file" {
		t.Fatalf("executor calls = %v", executor.calls)
	}
	// The wire tool schema reached the provider in structured form.
	if len(p.requests[0].Tools) != 1 || p.requests[0].Tools[0].Name != "read_file" {
		t.Fatalf("provider tools = %#v", p.requests[0].Tools)
	}
	params := p.requests[0].Tools[0].Parameters
	if len(params) != 1 || params[0].Name != "path" || !params[0].Required {
		t.Fatalf("tool parameters = %#v", params)
	}
}

func TestChatCompletions_SurfacesToolCallsWithoutExecutor(t *testing.T) {
	t.Parallel()

	p := &scriptedProvider{responses: []gateway.ProviderResponse{
		{
			ToolCalls:    []gateway.RawToolCall{{ID: "call_1", Name: "read_file", ArgumentsJSON: `{"path":"main.go"}`}},
			FinishReason: gateway.FinishToolCalls,
		},
	}}
	srv := newTestServer(p, nil, nil, Options{})
	defer srv.Close()

	body := `{
		"model": "gpt-4o",
		"messages": [{"role":"user","content":"read main.go"}],
		"tools": [{"type":"function","function":{"name":"read_file"}}]
	}`
	resp, out := postChat(t, srv.URL, body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	choice := out.Choices[0]
	if choice.FinishReason != "tool_calls" {
		t.Fatalf("finish = %q", choice.FinishReason)
	}
	if len(choice.Message.ToolCalls) != 1 {
		t.Fatalf("tool calls = %#v", choice.Message.ToolCalls)
	}
	call := choice.Message.ToolCalls[0]
	if call.Function.Name != "read_file" || call.Function.Arguments != `{"path":"main.go"}` {
		t.Fatalf("call = %#v", call)
	}
}

func TestChatCompletions_XMLFallbackForLegacyModel(t *testing.T) {
	t.Parallel()

	p := &scriptedProvider{responses: []gateway.ProviderResponse{
		{Content: "plain answer", FinishReason: gateway.FinishStop},
	}}
	capability := func(model string) gateway.ModelCapability {
		return gateway.ModelCapability{SupportsNativeTools: false, ContextWindow: 8192}
	}
	srv := newTestServer(p, nil, capability, Options{})
	defer srv.Close()

	body := `{
		"model": "local/small-model",
		"messages": [{"role":"user","content":"read main.go"}],
		"tools": [{"type":"function","function":{"name":"read_file"}}]
	}`
	resp, _ := postChat(t, srv.URL, body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	req := p.requests[0]
	if req.Protocol != gateway.ProtocolXML {
		t.Fatalf("protocol = %q", req.Protocol)
	}
	if req.Turns[0].Role != gateway.RoleSystem || !strings.Contains(req.Turns[0].Content, "<tool_call>") {
		t.Fatalf("xml addendum missing: %#v", req.Turns[0])
	}
}

func TestChatCompletions_ProviderErrorMapping(t *testing.T) {
	t.Parallel()

	p := &scriptedProvider{err: &provider.Error{Provider: "openrouter", StatusCode: 500, Message: "upstream broke"}}
	srv := newTestServer(p, nil, nil, Options{})
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json",
		bytes.NewBufferString(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`))
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var envelope errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if envelope.Error.Type != "provider_error" {
		t.Fatalf("envelope = %#v", envelope)
	}
}

func TestChatCompletions_AbortedRunIsVerified(t *testing.T) {
	t.Parallel()

	// The model never stops requesting tools, so the run hits the iteration
	// cap and aborts. The verdict must still reach the learning sink.
	p := &scriptedProvider{responses: []gateway.ProviderResponse{
		{
			ToolCalls:    []gateway.RawToolCall{{ID: "call_1", Name: "read_file", ArgumentsJSON: `{"path":"main.go"}`}},
			FinishReason: gateway.FinishToolCalls,
		},
	}}
	sink := &recordingSink{}
	verifier := gateway.NewVerifier(sink, nil)
	srv := newTestServer(p, &echoExecutor{}, nil, Options{Verifier: verifier})
	defer srv.Close()

	body := `{
		"model": "gpt-4o",
		"messages": [{"role":"user","content":"read main.go"}],
		"tools": [{"type":"function","function":{"name":"read_file"}}]
	}`
	resp, out := postChat(t, srv.URL, body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if out.Choices[0].FinishReason != "length" {
		t.Fatalf("finish = %q", out.Choices[0].FinishReason)
	}
	if len(sink.verdicts) != 1 {
		t.Fatalf("verdicts recorded = %d, want 1", len(sink.verdicts))
	}
	if sink.runIDs[0] == "" {
		t.Fatalf("verdict recorded without a run id")
	}
}

func TestChatCompletions_RetrievalInjection(t *testing.T) {
	t.Parallel()

	p := &scriptedProvider{responses: []gateway.ProviderResponse{
		{Content: "answered with context", FinishReason: gateway.FinishStop},
	}}
	retriever := retrieval.NewMemoryRetriever("The dispatcher routes model ids to provider kinds.")
	srv := newTestServer(p, nil, nil, Options{Retriever: retriever})
	defer srv.Close()

	resp, _ := postChat(t, srv.URL, `{"model":"gpt-4o","messages":[{"role":"user","content":"how does the dispatcher route provider kinds"}]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	found := false
	for _, turn := range p.requests[0].Turns {
		if turn.Role == gateway.RoleSystem && strings.Contains(turn.Content, "Relevant context:") {
			found = true
		}
	}
	if !found {
		t.Fatalf("retrieved context not injected: %#v", p.requests[0].Turns)
	}
}

func TestModelsEndpoint(t *testing.T) {
	t.Parallel()

	p := &scriptedProvider{responses: []gateway.ProviderResponse{{Content: "x"}}}
	srv := newTestServer(p, nil, nil, Options{Models: []string{"local/small-model", "openai/gpt-4o"}})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/models")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var list modelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if list.Object != "list" || len(list.Data) != 2 {
		t.Fatalf("list = %#v", list)
	}
	if list.Data[0].ID != "local/small-model" {
		t.Fatalf("first model = %#v", list.Data[0])
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	p := &scriptedProvider{responses: []gateway.ProviderResponse{{Content: "x"}}}
	srv := newTestServer(p, nil, nil, Options{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
