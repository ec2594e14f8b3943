package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/floegence/modelgate/internal/gateway"
)

// Handler executes one tool. Implementations report failures through the
// exit code where possible; a returned error means the tool could not run
// at all.
type Handler func(ctx context.Context, args map[string]any) (gateway.ToolResult, error)

// LocalExecutor dispatches calls to in-process handlers registered by name.
// It implements gateway.ToolExecutor.
type LocalExecutor struct {
	registry *Registry
	handlers map[string]Handler
}

func NewLocalExecutor(registry *Registry) *LocalExecutor {
	return &LocalExecutor{registry: registry, handlers: map[string]Handler{}}
}

// Bind attaches a handler to a registered schema.
func (e *LocalExecutor) Bind(name string, handler Handler) error {
	name = strings.TrimSpace(name)
	if e.registry != nil {
		if _, ok := e.registry.Lookup(name); !ok {
			return fmt.Errorf("tool %q has no registered schema", name)
		}
	}
	e.handlers[name] = handler
	return nil
}

func (e *LocalExecutor) Execute(ctx context.Context, name string, args map[string]any) (gateway.ToolResult, error) {
	handler, ok := e.handlers[strings.TrimSpace(name)]
	if !ok {
		return gateway.ToolResult{}, fmt.Errorf("unknown tool %q", name)
	}
	return handler(ctx, args)
}

// RegisterBuiltins installs the built-in tools used for local runs and
// capability probes.
func RegisterBuiltins(registry *Registry, executor *LocalExecutor) error {
	builtins := []struct {
		schema  gateway.ToolSchema
		handler Handler
	}{
		{
			schema: gateway.ToolSchema{
				Name:        "time.now",
				Description: "Returns the current time in RFC 3339 format.",
			},
			handler: func(ctx context.Context, args map[string]any) (gateway.ToolResult, error) {
				return gateway.ToolResult{Output: time.Now().Format(time.RFC3339)}, nil
			},
		},
		{
			schema: gateway.ToolSchema{
				Name:        "text.echo",
				Description: "Echoes the given text back unchanged.",
				Parameters: []gateway.ToolParameter{
					{Name: "text", Type: "string", Description: "Text to echo.", Required: true},
				},
			},
			handler: func(ctx context.Context, args map[string]any) (gateway.ToolResult, error) {
				text, _ := args["text"].(string)
				if strings.TrimSpace(text) == "" {
					return gateway.ToolResult{Output: "missing text argument", ExitCode: 1}, nil
				}
				return gateway.ToolResult{Output: text}, nil
			},
		},
	}
	for _, builtin := range builtins {
		if err := registry.Register(builtin.schema); err != nil {
			return err
		}
		if err := executor.Bind(builtin.schema.Name, builtin.handler); err != nil {
			return err
		}
	}
	return nil
}
