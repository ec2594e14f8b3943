package provider

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/floegence/modelgate/internal/gateway"
	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
	oresponses "github.com/openai/openai-go/responses"
	oshared "github.com/openai/openai-go/shared"
)

const sdkDefaultMaxOutputTokens = 4096

// openAISDKAdapter serves the hosted OpenAI provider through the official
// SDK's Responses API.
type openAISDKAdapter struct{}

func (a *openAISDKAdapter) call(ctx context.Context, cfg Config, req gateway.ProviderRequest) (gateway.ProviderResponse, error) {
	opts := []ooption.RequestOption{ooption.WithAPIKey(strings.TrimSpace(cfg.APIKey))}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, ooption.WithBaseURL(base))
	}
	client := openai.NewClient(opts...)

	params := oresponses.ResponseNewParams{
		Model:             oshared.ResponsesModel(strings.TrimSpace(req.Model)),
		MaxOutputTokens:   openai.Int(sdkDefaultMaxOutputTokens),
		ParallelToolCalls: openai.Bool(false),
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}

	items, instructions := buildResponsesInput(req.Turns)
	if len(items) == 0 {
		items = append(items, oresponses.ResponseInputItemParamOfMessage("Continue.", oresponses.EasyInputMessageRoleUser))
	}
	params.Input = oresponses.ResponseNewParamsInputUnion{OfInputItemList: items}
	if strings.TrimSpace(instructions) != "" {
		params.Instructions = openai.String(strings.TrimSpace(instructions))
	}
	if req.Protocol == gateway.ProtocolNative && len(req.Tools) > 0 {
		tools := make([]oresponses.ToolUnionParam, 0, len(req.Tools))
		for _, schema := range req.Tools {
			name := strings.TrimSpace(schema.Name)
			if name == "" {
				continue
			}
			tools = append(tools, oresponses.ToolParamOfFunction(name, toolParameterSchema(schema), false))
		}
		if len(tools) > 0 {
			params.Tools = tools
		}
	}

	resp, err := client.Responses.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			msg := strings.TrimSpace(apiErr.Message)
			if msg == "" {
				msg = strings.TrimSpace(apiErr.RawJSON())
			}
			return gateway.ProviderResponse{}, &Error{Provider: cfg.ID, StatusCode: apiErr.StatusCode, Message: msg}
		}
		return gateway.ProviderResponse{}, err
	}

	out := gateway.ProviderResponse{FinishReason: mapResponsesStatus(resp.Status)}
	var textBuf strings.Builder
	for _, item := range resp.Output {
		switch strings.TrimSpace(item.Type) {
		case "message":
			msg := item.AsMessage()
			for _, part := range msg.Content {
				if strings.TrimSpace(part.Type) != "output_text" {
					continue
				}
				if textBuf.Len() > 0 {
					textBuf.WriteString("\n")
				}
				textBuf.WriteString(part.Text)
			}
		case "function_call":
			callID := strings.TrimSpace(item.CallID)
			if callID == "" {
				callID = strings.TrimSpace(item.ID)
			}
			out.ToolCalls = append(out.ToolCalls, gateway.RawToolCall{
				ID:            callID,
				Name:          strings.TrimSpace(item.Name),
				ArgumentsJSON: strings.TrimSpace(item.Arguments),
			})
		}
	}
	out.Content = textBuf.String()
	if len(out.ToolCalls) > 0 {
		out.FinishReason = gateway.FinishToolCalls
	}
	return out, nil
}

func buildResponsesInput(turns []gateway.Turn) (oresponses.ResponseInputParam, string) {
	items := make(oresponses.ResponseInputParam, 0, len(turns))
	instructions := ""
	for _, turn := range turns {
		switch turn.Role {
		case gateway.RoleSystem:
			if txt := strings.TrimSpace(turn.Content); txt != "" {
				if instructions == "" {
					instructions = txt
				} else {
					instructions += "\n\n" + txt
				}
			}
		case gateway.RoleAssistant:
			if txt := strings.TrimSpace(turn.Content); txt != "" {
				items = append(items, oresponses.ResponseInputItemParamOfMessage(txt, oresponses.EasyInputMessageRoleAssistant))
			}
			for _, call := range turn.ToolCalls {
				argsRaw := strings.TrimSpace(call.RawArgs)
				if argsRaw == "" && call.Args != nil {
					if b, err := json.Marshal(call.Args); err == nil {
						argsRaw = string(b)
					}
				}
				if argsRaw == "" || !json.Valid([]byte(argsRaw)) {
					argsRaw = "{}"
				}
				items = append(items, oresponses.ResponseInputItemParamOfFunctionCall(argsRaw, strings.TrimSpace(call.ID), strings.TrimSpace(call.Name)))
			}
		case gateway.RoleTool:
			callID := strings.TrimSpace(turn.ToolCallID)
			if callID == "" {
				continue
			}
			items = append(items, oresponses.ResponseInputItemParamOfFunctionCallOutput(callID, turn.Content))
		default:
			if txt := strings.TrimSpace(turn.Content); txt != "" {
				items = append(items, oresponses.ResponseInputItemParamOfMessage(txt, oresponses.EasyInputMessageRoleUser))
			}
		}
	}
	return items, instructions
}

func mapResponsesStatus(status oresponses.ResponseStatus) gateway.FinishReason {
	switch strings.TrimSpace(strings.ToLower(string(status))) {
	case "incomplete":
		return gateway.FinishLength
	case "failed", "cancelled":
		return gateway.FinishError
	default:
		return gateway.FinishStop
	}
}
