package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/floegence/modelgate/internal/gateway"
)

// openAICompatAdapter speaks the OpenAI-compatible chat-completions wire
// shape over raw HTTP. It serves the local, aggregator, and enterprise
// provider kinds; only the endpoint template and auth scheme differ.
type openAICompatAdapter struct {
	client *http.Client
}

type wireFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireToolCall struct {
	ID       string           `json:"id,omitempty"`
	Type     string           `json:"type,omitempty"`
	Function wireFunctionCall `json:"function"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireTool struct {
	Type     string           `json:"type"`
	Function wireToolFunction `json:"function"`
}

type wireToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type wireChatRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	Tools       []wireTool    `json:"tools,omitempty"`
	ToolChoice  string        `json:"tool_choice,omitempty"`
	Stream      bool          `json:"stream"`
}

type wireChatResponse struct {
	Choices []struct {
		Message struct {
			Content   string         `json:"content"`
			ToolCalls []wireToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (a *openAICompatAdapter) call(ctx context.Context, cfg Config, req gateway.ProviderRequest) (gateway.ProviderResponse, error) {
	endpoint, err := compatEndpoint(cfg)
	if err != nil {
		return gateway.ProviderResponse{}, err
	}

	body := wireChatRequest{
		Model:       req.Model,
		Messages:    buildWireMessages(req.Turns),
		Temperature: req.Temperature,
	}
	if req.Protocol == gateway.ProtocolNative && len(req.Tools) > 0 {
		body.Tools = buildWireTools(req.Tools)
		body.ToolChoice = strings.TrimSpace(req.ToolChoice)
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return gateway.ProviderResponse{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return gateway.ProviderResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	applyCompatAuth(httpReq, cfg)

	client := a.client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return gateway.ProviderResponse{}, err
	}
	defer resp.Body.Close()

	payload := wireChatResponse{}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return gateway.ProviderResponse{}, err
	}
	if resp.StatusCode >= 400 {
		msg := ""
		if json.Unmarshal(data, &payload) == nil && payload.Error != nil {
			msg = strings.TrimSpace(payload.Error.Message)
		}
		if msg == "" {
			msg = strings.TrimSpace(string(data))
		}
		return gateway.ProviderResponse{}, &Error{Provider: cfg.ID, StatusCode: resp.StatusCode, Message: msg}
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return gateway.ProviderResponse{}, fmt.Errorf("provider %s: decoding response: %w", cfg.ID, err)
	}
	if len(payload.Choices) == 0 {
		return gateway.ProviderResponse{}, &Error{Provider: cfg.ID, StatusCode: resp.StatusCode, Message: "response carried no choices"}
	}

	choice := payload.Choices[0]
	out := gateway.ProviderResponse{
		Content:      choice.Message.Content,
		FinishReason: normalizeWireFinishReason(choice.FinishReason),
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, gateway.RawToolCall{
			ID:            tc.ID,
			Name:          tc.Function.Name,
			ArgumentsJSON: tc.Function.Arguments,
		})
	}
	if len(out.ToolCalls) > 0 {
		out.FinishReason = gateway.FinishToolCalls
	}
	return out, nil
}

// compatEndpoint renders the fixed endpoint template for the provider kind.
func compatEndpoint(cfg Config) (string, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	switch cfg.Kind {
	case KindLocal, KindAggregator:
		if base == "" {
			return "", fmt.Errorf("provider %s: missing base url", cfg.ID)
		}
		return base + "/chat/completions", nil
	case KindEnterprise:
		if base == "" {
			return "", fmt.Errorf("provider %s: missing base url", cfg.ID)
		}
		apiVersion := strings.TrimSpace(cfg.APIVersion)
		if apiVersion == "" {
			apiVersion = "2024-06-01"
		}
		return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
			base, url.PathEscape(strings.TrimSpace(cfg.Deployment)), url.QueryEscape(apiVersion)), nil
	default:
		return "", fmt.Errorf("provider %s: kind %q has no wire endpoint", cfg.ID, cfg.Kind)
	}
}

// applyCompatAuth sets the auth scheme for the provider kind: bearer token
// plus attribution headers for the aggregator, api-key header for enterprise,
// optional bearer for local servers that enforce one.
func applyCompatAuth(req *http.Request, cfg Config) {
	key := strings.TrimSpace(cfg.APIKey)
	switch cfg.Kind {
	case KindAggregator:
		req.Header.Set("Authorization", "Bearer "+key)
		if referer := strings.TrimSpace(cfg.Referer); referer != "" {
			req.Header.Set("HTTP-Referer", referer)
		}
		if title := strings.TrimSpace(cfg.AppTitle); title != "" {
			req.Header.Set("X-Title", title)
		}
	case KindEnterprise:
		req.Header.Set("api-key", key)
	case KindLocal:
		if key != "" {
			req.Header.Set("Authorization", "Bearer "+key)
		}
	}
}

func buildWireMessages(turns []gateway.Turn) []wireMessage {
	out := make([]wireMessage, 0, len(turns))
	for _, turn := range turns {
		msg := wireMessage{Role: string(turn.Role), Content: turn.Content}
		switch turn.Role {
		case gateway.RoleAssistant:
			for _, call := range turn.ToolCalls {
				args := strings.TrimSpace(call.RawArgs)
				if args == "" && call.Args != nil {
					if b, err := json.Marshal(call.Args); err == nil {
						args = string(b)
					}
				}
				if args == "" {
					args = "{}"
				}
				msg.ToolCalls = append(msg.ToolCalls, wireToolCall{
					ID:       call.ID,
					Type:     "function",
					Function: wireFunctionCall{Name: call.Name, Arguments: args},
				})
			}
		case gateway.RoleTool:
			msg.ToolCallID = turn.ToolCallID
		}
		out = append(out, msg)
	}
	return out
}

func buildWireTools(schemas []gateway.ToolSchema) []wireTool {
	out := make([]wireTool, 0, len(schemas))
	for _, schema := range schemas {
		name := strings.TrimSpace(schema.Name)
		if name == "" {
			continue
		}
		out = append(out, wireTool{
			Type: "function",
			Function: wireToolFunction{
				Name:        name,
				Description: strings.TrimSpace(schema.Description),
				Parameters:  toolParameterSchema(schema),
			},
		})
	}
	return out
}

// toolParameterSchema renders a tool schema as a JSON-schema object the
// OpenAI-compatible wire expects.
func toolParameterSchema(schema gateway.ToolSchema) map[string]any {
	properties := map[string]any{}
	required := make([]string, 0, len(schema.Parameters))
	for _, param := range schema.Parameters {
		name := strings.TrimSpace(param.Name)
		if name == "" {
			continue
		}
		ptype := strings.TrimSpace(param.Type)
		if ptype == "" {
			ptype = "string"
		}
		properties[name] = map[string]any{
			"type":        ptype,
			"description": strings.TrimSpace(param.Description),
		}
		if param.Required {
			required = append(required, name)
		}
	}
	out := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		out["required"] = required
	}
	return out
}

func normalizeWireFinishReason(raw string) gateway.FinishReason {
	switch strings.TrimSpace(strings.ToLower(raw)) {
	case "tool_calls", "function_call":
		return gateway.FinishToolCalls
	case "length":
		return gateway.FinishLength
	case "stop", "":
		return gateway.FinishStop
	default:
		return gateway.FinishStop
	}
}
