package gateway

import (
	"fmt"
	"strings"
)

// ParseError reports a tool-call extraction failure. The orchestration loop
// recovers from it locally by degrading to a content-only answer.
type ParseError struct {
	Protocol Protocol
	Detail   string
}

func (e *ParseError) Error() string {
	detail := strings.TrimSpace(e.Detail)
	if detail == "" {
		detail = "tool call extraction failed"
	}
	return fmt.Sprintf("parse error (%s): %s", e.Protocol, detail)
}

// BadOutputError reports degenerate model output that survived the retry
// budget. The anomaly detail is attached to the degraded response.
type BadOutputError struct {
	Report BadOutputReport
}

func (e *BadOutputError) Error() string {
	return "bad model output: " + e.Report.Summary()
}
