package tools

import (
	"context"
	"strings"
	"testing"

	"github.com/floegence/modelgate/internal/gateway"
)

func TestRegistry_RegisterAndLookup(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	if err := r.Register(gateway.ToolSchema{Name: " read_file "}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, ok := r.Lookup("read_file"); !ok {
		t.Fatalf("trimmed name not found")
	}
	if err := r.Register(gateway.ToolSchema{Name: "read_file"}); err == nil {
		t.Fatalf("duplicate registration accepted")
	}
	if err := r.Register(gateway.ToolSchema{Name: "  "}); err == nil {
		t.Fatalf("blank name accepted")
	}
}

func TestRegistry_SnapshotSorted(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := r.Register(gateway.ToolSchema{Name: name}); err != nil {
			t.Fatalf("Register(%s): %v", name, err)
		}
	}
	snap := r.Snapshot()
	if len(snap) != 3 || snap[0].Name != "alpha" || snap[2].Name != "zeta" {
		t.Fatalf("snapshot = %#v", snap)
	}
}

func TestLocalExecutor_BindRequiresSchema(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	e := NewLocalExecutor(r)
	err := e.Bind("ghost", func(ctx context.Context, args map[string]any) (gateway.ToolResult, error) {
		return gateway.ToolResult{}, nil
	})
	if err == nil {
		t.Fatalf("bind without schema accepted")
	}
}

func TestLocalExecutor_UnknownTool(t *testing.T) {
	t.Parallel()

	e := NewLocalExecutor(NewRegistry())
	if _, err := e.Execute(context.Background(), "ghost", nil); err == nil {
		t.Fatalf("unknown tool executed")
	}
}

func TestBuiltins(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	e := NewLocalExecutor(r)
	if err := RegisterBuiltins(r, e); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}

	ctx := context.Background()
	res, err := e.Execute(ctx, "time.now", nil)
	if err != nil || res.ExitCode != 0 || strings.TrimSpace(res.Output) == "" {
		t.Fatalf("time.now: %#v err=%v", res, err)
	}

	res, err = e.Execute(ctx, "text.echo", map[string]any{"text": "ping"})
	if err != nil || res.Output != "ping" || res.ExitCode != 0 {
		t.Fatalf("text.echo: %#v err=%v", res, err)
	}

	// Missing argument is a tool failure, not an executor error.
	res, err = e.Execute(ctx, "text.echo", nil)
	if err != nil {
		t.Fatalf("text.echo without args: %v", err)
	}
	if res.ExitCode == 0 {
		t.Fatalf("missing argument must set a non-zero exit code")
	}
}
