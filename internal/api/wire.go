package api

import (
	"encoding/json"
	"strings"

	"github.com/floegence/modelgate/internal/gateway"
)

// The wire types mirror the OpenAI chat-completions surface, which is the
// inbound contract clients already speak.

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Tools       []chatTool    `json:"tools,omitempty"`
	ToolChoice  any           `json:"tool_choice,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
}

type chatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type chatToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function chatToolFunction `json:"function"`
}

type chatToolFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatTool struct {
	Type     string      `json:"type"`
	Function chatToolDef `json:"function"`
}

type chatToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

type modelList struct {
	Object string      `json:"object"`
	Data   []modelInfo `json:"data"`
}

type modelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

// toInbound canonicalizes the wire request into the internal shape.
func (r chatRequest) toInbound() gateway.InboundRequest {
	in := gateway.InboundRequest{
		Model:       strings.TrimSpace(r.Model),
		Temperature: r.Temperature,
	}
	if choice, ok := r.ToolChoice.(string); ok {
		in.ToolChoice = strings.TrimSpace(choice)
	}
	for _, msg := range r.Messages {
		turn := gateway.Turn{
			Role:       gateway.NormalizeRole(msg.Role),
			Content:    msg.Content,
			ToolCallID: strings.TrimSpace(msg.ToolCallID),
		}
		for _, call := range msg.ToolCalls {
			tc := gateway.ToolCall{
				ID:      strings.TrimSpace(call.ID),
				Name:    strings.TrimSpace(call.Function.Name),
				RawArgs: call.Function.Arguments,
			}
			var args map[string]any
			if json.Unmarshal([]byte(call.Function.Arguments), &args) == nil {
				tc.Args = args
			}
			turn.ToolCalls = append(turn.ToolCalls, tc)
		}
		in.Turns = append(in.Turns, turn)
	}
	for _, tool := range r.Tools {
		if schema, ok := toolSchemaFromWire(tool); ok {
			in.Tools = append(in.Tools, schema)
		}
	}
	return in
}

// toolSchemaFromWire flattens a JSON-schema parameters object into the
// internal parameter list. Nested schemas keep their top-level properties
// only; deeper structure is opaque to the protocol layer.
func toolSchemaFromWire(tool chatTool) (gateway.ToolSchema, bool) {
	name := strings.TrimSpace(tool.Function.Name)
	if name == "" {
		return gateway.ToolSchema{}, false
	}
	schema := gateway.ToolSchema{
		Name:        name,
		Description: strings.TrimSpace(tool.Function.Description),
	}
	if len(tool.Function.Parameters) == 0 {
		return schema, true
	}

	var params struct {
		Properties map[string]struct {
			Type        string `json:"type"`
			Description string `json:"description"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(tool.Function.Parameters, &params); err != nil {
		return schema, true
	}
	required := map[string]bool{}
	for _, name := range params.Required {
		required[name] = true
	}
	for pname, prop := range params.Properties {
		schema.Parameters = append(schema.Parameters, gateway.ToolParameter{
			Name:        pname,
			Type:        prop.Type,
			Description: prop.Description,
			Required:    required[pname],
		})
	}
	sortParameters(schema.Parameters)
	return schema, true
}

func sortParameters(params []gateway.ToolParameter) {
	for i := 1; i < len(params); i++ {
		for j := i; j > 0 && params[j].Name < params[j-1].Name; j-- {
			params[j], params[j-1] = params[j-1], params[j]
		}
	}
}

// toWireMessage renders the terminal assistant turn back onto the wire.
func toWireMessage(result gateway.LoopResult) chatMessage {
	msg := chatMessage{Role: "assistant", Content: result.Content}
	if result.FinishReason != gateway.FinishToolCalls || result.State == nil {
		return msg
	}
	for i := len(result.State.Transcript) - 1; i >= 0; i-- {
		turn := result.State.Transcript[i]
		if turn.Role != gateway.RoleAssistant || len(turn.ToolCalls) == 0 {
			continue
		}
		for _, call := range turn.ToolCalls {
			args := call.RawArgs
			if args == "" {
				if b, err := json.Marshal(call.Args); err == nil {
					args = string(b)
				} else {
					args = "{}"
				}
			}
			msg.ToolCalls = append(msg.ToolCalls, chatToolCall{
				ID:   call.ID,
				Type: "function",
				Function: chatToolFunction{
					Name:      call.Name,
					Arguments: args,
				},
			})
		}
		break
	}
	return msg
}
