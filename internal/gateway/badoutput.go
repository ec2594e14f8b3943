package gateway

import (
	"strings"
)

// minLoopLineLen is the minimum line length for the repetition check. Short
// repeated lines (list bullets, separators) are legitimate output.
const minLoopLineLen = 20

// leakedControlTokens are chat-template control markers collected across
// common templates (ChatML, Llama 2/3, Gemma, Phi, Zephyr). A model that
// emits any of these leaked its own formatting instead of answering.
var leakedControlTokens = []string{
	"<|im_start|>",
	"<|im_end|>",
	"<|endoftext|>",
	"<|begin_of_text|>",
	"<|eot_id|>",
	"<|start_header_id|>",
	"<|end_header_id|>",
	"[INST]",
	"[/INST]",
	"<<SYS>>",
	"<</SYS>>",
	"<start_of_turn>",
	"<end_of_turn>",
	"<|assistant|>",
	"<|user|>",
	"<|system|>",
	"<|end|>",
}

// BadOutputReport flags degenerate model output. It never mutates the text;
// the orchestration loop decides what to do with the flags.
type BadOutputReport struct {
	IsLooping       bool     `json:"is_looping"`
	HasLeakedTokens bool     `json:"has_leaked_tokens"`
	LeakedTokens    []string `json:"leaked_tokens,omitempty"`
	IsMalformed     bool     `json:"is_malformed"`
}

// Anomalous reports whether any flag is set.
func (r BadOutputReport) Anomalous() bool {
	return r.IsLooping || r.HasLeakedTokens || r.IsMalformed
}

// Summary renders the flags for logs and degraded responses.
func (r BadOutputReport) Summary() string {
	parts := make([]string, 0, 3)
	if r.IsLooping {
		parts = append(parts, "looping")
	}
	if r.HasLeakedTokens {
		parts = append(parts, "leaked_tokens("+strings.Join(r.LeakedTokens, ",")+")")
	}
	if r.IsMalformed {
		parts = append(parts, "malformed_tool_fragment")
	}
	if len(parts) == 0 {
		return "clean"
	}
	return strings.Join(parts, ",")
}

// DetectBadOutput scans raw model text for repetition loops, leaked
// chat-template control tokens, and malformed tool-call fragments.
func DetectBadOutput(text string) BadOutputReport {
	report := BadOutputReport{}

	lines := strings.Split(text, "\n")
	prev := ""
	for _, line := range lines {
		line = strings.TrimRight(line, "\r")
		if len(line) > minLoopLineLen && line == prev {
			report.IsLooping = true
			break
		}
		prev = line
	}

	for _, token := range leakedControlTokens {
		if strings.Contains(text, token) {
			report.HasLeakedTokens = true
			report.LeakedTokens = append(report.LeakedTokens, token)
		}
	}

	report.IsMalformed = hasMalformedToolFragment(text)
	return report
}

// hasMalformedToolFragment looks for broken tool-call attempts embedded in
// free text: empty-name XML blocks or tool_calls JSON with an empty name or
// arguments field. These indicate the model tried to call a tool outside the
// structured channel and got the shape wrong.
func hasMalformedToolFragment(text string) bool {
	if strings.Contains(text, "<tool_call>") {
		inner, _, found, err := nextTagBlock(text, "tool_call")
		if err != nil {
			return true
		}
		if found {
			name, _, nameFound, nameErr := nextTagBlock(inner, "name")
			if nameErr != nil || !nameFound || strings.TrimSpace(name) == "" {
				return true
			}
		}
	}
	if strings.Contains(text, `"tool_calls"`) {
		compact := strings.Map(func(r rune) rune {
			switch r {
			case ' ', '\t', '\n', '\r':
				return -1
			}
			return r
		}, text)
		if strings.Contains(compact, `"name":""`) || strings.Contains(compact, `"arguments":""`) {
			return true
		}
	}
	return false
}
