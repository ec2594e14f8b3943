package gateway

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// RawToolCall is a provider-reported structured tool call before normalization.
// ArgumentsJSON is the provider's JSON-encoded argument payload, kept as a
// string because several backends emit invalid JSON there.
type RawToolCall struct {
	ID            string `json:"id,omitempty"`
	Name          string `json:"name"`
	ArgumentsJSON string `json:"arguments_json,omitempty"`
}

// ExtractNative normalizes the provider's structured tool-call array.
//
// Argument payloads that fail to decode are retained raw rather than discarded:
// the call is still returned so the executor (or the caller) can surface the
// problem instead of silently dropping the invocation. Native arguments are
// never coerced; decoding the same payload twice yields the same mapping.
func ExtractNative(calls []RawToolCall) []ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]ToolCall, 0, len(calls))
	seen := make(map[string]struct{}, len(calls))
	for _, raw := range calls {
		name := strings.TrimSpace(raw.Name)
		if name == "" {
			continue
		}
		call := ToolCall{
			ID:      dedupeCallID(raw.ID, seen),
			Name:    name,
			RawArgs: strings.TrimSpace(raw.ArgumentsJSON),
		}
		if call.RawArgs != "" {
			var args map[string]any
			if err := json.Unmarshal([]byte(call.RawArgs), &args); err == nil {
				call.Args = args
			}
		}
		out = append(out, call)
	}
	return out
}

// ExtractXML parses <tool_call> blocks out of free text produced under the
// XML fallback protocol.
//
// The scanner is deliberately explicit instead of regex-based: on markup it
// cannot make sense of it returns a ParseError rather than a corrupted partial
// match. Text without any <tool_call> block yields (nil, nil).
func ExtractXML(text string) ([]ToolCall, error) {
	var out []ToolCall
	seen := map[string]struct{}{}
	remaining := text
	for {
		block, rest, found, err := nextTagBlock(remaining, "tool_call")
		if err != nil {
			return nil, &ParseError{Protocol: ProtocolXML, Detail: err.Error()}
		}
		if !found {
			break
		}
		remaining = rest

		name, _, nameFound, err := nextTagBlock(block, "name")
		if err != nil {
			return nil, &ParseError{Protocol: ProtocolXML, Detail: err.Error()}
		}
		if !nameFound || strings.TrimSpace(name) == "" {
			return nil, &ParseError{Protocol: ProtocolXML, Detail: "tool_call block without a name tag"}
		}

		call := ToolCall{ID: dedupeCallID("", seen), Name: strings.TrimSpace(name)}
		argsBlock, _, argsFound, err := nextTagBlock(block, "arguments")
		if err != nil {
			return nil, &ParseError{Protocol: ProtocolXML, Detail: err.Error()}
		}
		if argsFound {
			args, err := parseArgumentTags(argsBlock)
			if err != nil {
				return nil, &ParseError{Protocol: ProtocolXML, Detail: err.Error()}
			}
			call.Args = args
		}
		out = append(out, call)
	}
	return out, nil
}

// StripXMLToolCalls removes well-formed <tool_call> blocks from text so that
// extracted calls do not leak back to the user as literal markup.
func StripXMLToolCalls(text string) string {
	for {
		open := strings.Index(text, "<tool_call>")
		if open == -1 {
			return strings.TrimSpace(text)
		}
		closeIdx := strings.Index(text[open:], "</tool_call>")
		if closeIdx == -1 {
			return strings.TrimSpace(text)
		}
		text = text[:open] + text[open+closeIdx+len("</tool_call>"):]
	}
}

type tagScanError struct{ detail string }

func (e *tagScanError) Error() string { return e.detail }

// nextTagBlock finds the first <tag>...</tag> pair and returns its inner text
// and the text after the close tag. A dangling open tag is a scan error; no
// open tag at all reports found=false.
func nextTagBlock(text, tag string) (inner string, rest string, found bool, err error) {
	openTag := "<" + tag + ">"
	closeTag := "</" + tag + ">"
	open := strings.Index(text, openTag)
	if open == -1 {
		return "", text, false, nil
	}
	after := text[open+len(openTag):]
	closeIdx := strings.Index(after, closeTag)
	if closeIdx == -1 {
		return "", "", false, &tagScanError{detail: "unterminated <" + tag + "> tag"}
	}
	return after[:closeIdx], after[closeIdx+len(closeTag):], true, nil
}

// parseArgumentTags turns each child tag of an <arguments> block into one
// argument with scalar coercion. Coercion applies only on this XML path.
func parseArgumentTags(block string) (map[string]any, error) {
	args := map[string]any{}
	remaining := block
	for {
		lt := strings.Index(remaining, "<")
		if lt == -1 {
			break
		}
		gt := strings.Index(remaining[lt:], ">")
		if gt == -1 {
			return nil, &tagScanError{detail: "unterminated argument tag"}
		}
		name := strings.TrimSpace(remaining[lt+1 : lt+gt])
		if name == "" || strings.HasPrefix(name, "/") {
			return nil, &tagScanError{detail: "malformed argument tag"}
		}
		value, rest, found, err := nextTagBlock(remaining[lt:], name)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, &tagScanError{detail: "argument tag <" + name + "> never closed"}
		}
		args[name] = coerceScalar(value)
		remaining = rest
	}
	return args, nil
}

// coerceScalar maps an XML argument string onto a scalar: a full numeric parse
// becomes a number, a case-insensitive true/false becomes a bool, anything
// else stays a trimmed string.
func coerceScalar(raw string) any {
	v := strings.TrimSpace(raw)
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	switch strings.ToLower(v) {
	case "true":
		return true
	case "false":
		return false
	}
	return v
}

// dedupeCallID keeps tool-call ids unique within the producing turn. Missing
// or colliding provider ids get a locally generated replacement.
func dedupeCallID(raw string, seen map[string]struct{}) string {
	id := strings.TrimSpace(raw)
	if id == "" {
		id = "call_" + uuid.NewString()[:8]
	}
	for {
		if _, dup := seen[id]; !dup {
			break
		}
		id = id + "_" + uuid.NewString()[:4]
	}
	seen[id] = struct{}{}
	return id
}
