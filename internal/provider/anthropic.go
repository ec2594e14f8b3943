package provider

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/floegence/modelgate/internal/gateway"
)

// anthropicAdapter serves the hosted Anthropic provider through the official
// SDK's Messages API. System turns collapse into the system prompt; tool
// round-trips map onto tool_use/tool_result blocks.
type anthropicAdapter struct{}

func (a *anthropicAdapter) call(ctx context.Context, cfg Config, req gateway.ProviderRequest) (gateway.ProviderResponse, error) {
	opts := []aoption.RequestOption{aoption.WithAPIKey(strings.TrimSpace(cfg.APIKey))}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, aoption.WithBaseURL(base))
	}
	client := anthropic.NewClient(opts...)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(strings.TrimSpace(req.Model)),
		MaxTokens: sdkDefaultMaxOutputTokens,
		Messages:  buildAnthropicMessages(req.Turns),
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if system := collectSystemText(req.Turns); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if req.Protocol == gateway.ProtocolNative && len(req.Tools) > 0 {
		params.Tools = buildAnthropicTools(req.Tools)
	}

	msg, err := client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return gateway.ProviderResponse{}, &Error{Provider: cfg.ID, StatusCode: apiErr.StatusCode, Message: strings.TrimSpace(apiErr.RawJSON())}
		}
		return gateway.ProviderResponse{}, err
	}

	out := gateway.ProviderResponse{FinishReason: mapAnthropicStopReason(msg.StopReason)}
	var textBuf strings.Builder
	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			if textBuf.Len() > 0 {
				textBuf.WriteString("\n")
			}
			textBuf.WriteString(variant.Text)
		case anthropic.ToolUseBlock:
			out.ToolCalls = append(out.ToolCalls, gateway.RawToolCall{
				ID:            strings.TrimSpace(variant.ID),
				Name:          strings.TrimSpace(variant.Name),
				ArgumentsJSON: strings.TrimSpace(string(variant.Input)),
			})
		}
	}
	out.Content = textBuf.String()
	if len(out.ToolCalls) > 0 {
		out.FinishReason = gateway.FinishToolCalls
	}
	return out, nil
}

func buildAnthropicMessages(turns []gateway.Turn) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(turns))
	for _, turn := range turns {
		switch turn.Role {
		case gateway.RoleSystem:
			continue
		case gateway.RoleAssistant:
			blocks := make([]anthropic.ContentBlockParamUnion, 0, 1+len(turn.ToolCalls))
			if txt := strings.TrimSpace(turn.Content); txt != "" {
				blocks = append(blocks, anthropic.NewTextBlock(txt))
			}
			for _, call := range turn.ToolCalls {
				input := json.RawMessage("{}")
				if raw := strings.TrimSpace(call.RawArgs); raw != "" && json.Valid([]byte(raw)) {
					input = json.RawMessage(raw)
				} else if call.Args != nil {
					if b, err := json.Marshal(call.Args); err == nil {
						input = b
					}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(strings.TrimSpace(call.ID), input, strings.TrimSpace(call.Name)))
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		case gateway.RoleTool:
			callID := strings.TrimSpace(turn.ToolCallID)
			if callID == "" {
				continue
			}
			out = append(out, anthropic.NewUserMessage(anthropic.NewToolResultBlock(callID, turn.Content, false)))
		default:
			if txt := strings.TrimSpace(turn.Content); txt != "" {
				out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(txt)))
			}
		}
	}
	if len(out) == 0 {
		out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock("Continue.")))
	}
	return out
}

func buildAnthropicTools(schemas []gateway.ToolSchema) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(schemas))
	for _, schema := range schemas {
		name := strings.TrimSpace(schema.Name)
		if name == "" {
			continue
		}
		jsonSchema := toolParameterSchema(schema)
		required, _ := jsonSchema["required"].([]string)
		param := anthropic.ToolParam{
			Name:        name,
			Description: anthropic.String(strings.TrimSpace(schema.Description)),
			InputSchema: anthropic.ToolInputSchemaParam{Type: "object", Properties: jsonSchema["properties"], Required: required},
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &param})
	}
	return out
}

func collectSystemText(turns []gateway.Turn) string {
	parts := make([]string, 0, 2)
	for _, turn := range turns {
		if turn.Role != gateway.RoleSystem {
			continue
		}
		if txt := strings.TrimSpace(turn.Content); txt != "" {
			parts = append(parts, txt)
		}
	}
	return strings.Join(parts, "\n\n")
}

func mapAnthropicStopReason(reason anthropic.StopReason) gateway.FinishReason {
	switch strings.TrimSpace(strings.ToLower(string(reason))) {
	case "tool_use":
		return gateway.FinishToolCalls
	case "max_tokens":
		return gateway.FinishLength
	default:
		return gateway.FinishStop
	}
}
