package gateway

import (
	"strings"
)

// InboundRequest is the canonicalized inbound API call before normalization.
type InboundRequest struct {
	Model       string
	Turns       []Turn
	Tools       []ToolSchema
	ToolChoice  string
	Temperature *float64
}

// NormalizedRequest is the canonical internal request carried through the
// rest of the pipeline.
type NormalizedRequest struct {
	Model       string
	Turns       []Turn
	Tools       []ToolSchema
	ToolChoice  string
	Temperature *float64
	Protocol    Protocol
}

// ModelCapability declares what the target model supports. It is configured
// per model; the normalizer only reads it.
type ModelCapability struct {
	SupportsNativeTools bool
	ContextWindow       int
}

// Normalize builds the canonical internal request and selects the tool
// protocol for the target model. It is a pure transform: the inbound request
// is never mutated.
//
// Models without native structured tool calling get the XML fallback: a
// system-prompt addendum enumerates every tool and dictates the
// <tool_call> output grammar.
func Normalize(in InboundRequest, capability ModelCapability) NormalizedRequest {
	out := NormalizedRequest{
		Model:       strings.TrimSpace(in.Model),
		Tools:       append([]ToolSchema(nil), in.Tools...),
		ToolChoice:  strings.TrimSpace(in.ToolChoice),
		Temperature: in.Temperature,
		Protocol:    ProtocolNative,
	}
	out.Turns = make([]Turn, 0, len(in.Turns)+1)
	for _, turn := range in.Turns {
		turn.Role = NormalizeRole(string(turn.Role))
		out.Turns = append(out.Turns, turn)
	}

	if len(out.Tools) == 0 || capability.SupportsNativeTools {
		return out
	}

	out.Protocol = ProtocolXML
	addendum := buildXMLToolAddendum(out.Tools)
	if idx := firstSystemTurn(out.Turns); idx >= 0 {
		merged := out.Turns[idx]
		merged.Content = strings.TrimSpace(merged.Content) + "\n\n" + addendum
		out.Turns[idx] = merged
	} else {
		out.Turns = append([]Turn{{Role: RoleSystem, Content: addendum}}, out.Turns...)
	}
	return out
}

func firstSystemTurn(turns []Turn) int {
	for i, turn := range turns {
		if turn.Role == RoleSystem {
			return i
		}
	}
	return -1
}

// buildXMLToolAddendum renders the prompt-injected tool protocol: one tagged
// block per tool plus the exact output grammar the extractor accepts.
func buildXMLToolAddendum(tools []ToolSchema) string {
	var b strings.Builder
	b.WriteString("You can invoke the following tools. To call a tool, output exactly one block in this format and nothing else on those lines:\n")
	b.WriteString("<tool_call><name>tool_name</name><arguments><param>value</param></arguments></tool_call>\n\n")
	b.WriteString("Available tools:\n")
	for _, tool := range tools {
		name := strings.TrimSpace(tool.Name)
		if name == "" {
			continue
		}
		b.WriteString("<tool>\n")
		b.WriteString("  <name>" + name + "</name>\n")
		if desc := strings.TrimSpace(tool.Description); desc != "" {
			b.WriteString("  <description>" + desc + "</description>\n")
		}
		for _, param := range tool.Parameters {
			pname := strings.TrimSpace(param.Name)
			if pname == "" {
				continue
			}
			ptype := strings.TrimSpace(param.Type)
			if ptype == "" {
				ptype = "string"
			}
			b.WriteString("  <parameter name=\"" + pname + "\" type=\"" + ptype + "\">")
			b.WriteString(strings.TrimSpace(param.Description))
			b.WriteString("</parameter>\n")
		}
		b.WriteString("</tool>\n")
	}
	b.WriteString("\nDo not invent tool names. Answer directly when no tool is needed.")
	return b.String()
}
