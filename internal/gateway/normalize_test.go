package gateway

import (
	"strings"
	"testing"
)

func sampleTools() []ToolSchema {
	return []ToolSchema{
		{
			Name:        "read_file",
			Description: "Read a file from the workspace.",
			Parameters: []ToolParameter{
				{Name: "path", Type: "string", Description: "File path.", Required: true},
			},
		},
	}
}

func TestNormalize_NativeProtocol(t *testing.T) {
	t.Parallel()

	in := InboundRequest{
		Model: " gpt-4o ",
		Turns: []Turn{
			{Role: "SYSTEM", Content: "be helpful"},
			{Role: "user", Content: "hi"},
		},
		Tools: sampleTools(),
	}
	out := Normalize(in, ModelCapability{SupportsNativeTools: true})
	if out.Protocol != ProtocolNative {
		t.Fatalf("protocol = %q, want native", out.Protocol)
	}
	if out.Model != "gpt-4o" {
		t.Fatalf("model = %q", out.Model)
	}
	if out.Turns[0].Role != RoleSystem {
		t.Fatalf("role not normalized: %q", out.Turns[0].Role)
	}
	if strings.Contains(out.Turns[0].Content, "<tool>") {
		t.Fatalf("native protocol must not inject the XML addendum")
	}
}

func TestNormalize_XMLFallbackMergesSystemTurn(t *testing.T) {
	t.Parallel()

	in := InboundRequest{
		Model: "local/small-model",
		Turns: []Turn{
			{Role: "system", Content: "be helpful"},
			{Role: "user", Content: "read main.go"},
		},
		Tools: sampleTools(),
	}
	out := Normalize(in, ModelCapability{SupportsNativeTools: false})
	if out.Protocol != ProtocolXML {
		t.Fatalf("protocol = %q, want xml", out.Protocol)
	}
	if len(out.Turns) != 2 {
		t.Fatalf("expected addendum merged into the existing system turn, got %d turns", len(out.Turns))
	}
	system := out.Turns[0].Content
	if !strings.HasPrefix(system, "be helpful") {
		t.Fatalf("original system prompt lost: %q", system)
	}
	for _, needle := range []string{"<tool>", "read_file", "<tool_call>", `name="path"`} {
		if !strings.Contains(system, needle) {
			t.Fatalf("addendum missing %q", needle)
		}
	}
}

func TestNormalize_XMLFallbackPrependsSystemTurn(t *testing.T) {
	t.Parallel()

	in := InboundRequest{
		Model: "local/small-model",
		Turns: []Turn{{Role: "user", Content: "read main.go"}},
		Tools: sampleTools(),
	}
	out := Normalize(in, ModelCapability{SupportsNativeTools: false})
	if len(out.Turns) != 2 {
		t.Fatalf("expected a prepended system turn, got %d turns", len(out.Turns))
	}
	if out.Turns[0].Role != RoleSystem {
		t.Fatalf("first turn role = %q", out.Turns[0].Role)
	}
	if out.Turns[1].Role != RoleUser {
		t.Fatalf("user turn displaced: %q", out.Turns[1].Role)
	}
}

func TestNormalize_NoToolsStaysNative(t *testing.T) {
	t.Parallel()

	in := InboundRequest{
		Model: "local/small-model",
		Turns: []Turn{{Role: "user", Content: "hi"}},
	}
	out := Normalize(in, ModelCapability{SupportsNativeTools: false})
	if out.Protocol != ProtocolNative {
		t.Fatalf("tool-less request must not switch protocols, got %q", out.Protocol)
	}
	if len(out.Turns) != 1 {
		t.Fatalf("tool-less request gained turns: %d", len(out.Turns))
	}
}

func TestNormalize_DoesNotMutateInput(t *testing.T) {
	t.Parallel()

	turns := []Turn{{Role: "system", Content: "be helpful"}, {Role: "user", Content: "hi"}}
	in := InboundRequest{Model: "local/m", Turns: turns, Tools: sampleTools()}
	_ = Normalize(in, ModelCapability{SupportsNativeTools: false})
	if turns[0].Content != "be helpful" {
		t.Fatalf("inbound turn mutated: %q", turns[0].Content)
	}
}
