package provider

import (
	"fmt"
	"strings"
	"time"
)

// Error is a backend HTTP failure. It carries the status code and is surfaced
// to the caller; the dispatcher never retries it automatically.
type Error struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = "request failed"
	}
	return fmt.Sprintf("provider %s: status=%d: %s", e.Provider, e.StatusCode, msg)
}

// TimeoutError reports that a backend call exceeded its per-call timeout.
type TimeoutError struct {
	Provider string
	Timeout  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("provider %s: timed out after %s", e.Provider, e.Timeout)
}
