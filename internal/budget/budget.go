// Package budget allocates a model's context window across prompt content
// categories and prunes conversation history to fit its share.
package budget

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/floegence/modelgate/internal/gateway"
)

// Category is one slice of the context window.
type Category string

const (
	CategorySystemPrompt Category = "system_prompt"
	CategoryToolSchemas  Category = "tool_schemas"
	CategoryMemory       Category = "memory"
	CategoryRetrieval    Category = "retrieval"
	CategoryHistory      Category = "history"
	CategoryReserve      Category = "reserve"
)

// defaultRatios splits the window. The ratios sum to 1.0 so the category
// allotments can never exceed the model's declared context window.
var defaultRatios = map[Category]float64{
	CategorySystemPrompt: 0.10,
	CategoryToolSchemas:  0.10,
	CategoryMemory:       0.10,
	CategoryRetrieval:    0.15,
	CategoryHistory:      0.45,
	CategoryReserve:      0.10,
}

const defaultContextWindow = 128000

// TokenCounter estimates token counts for budget accounting. The gateway
// delegates to an external counter; HeuristicCounter is the fallback.
type TokenCounter interface {
	Estimate(text string) int
}

// HeuristicCounter approximates tokens from rune count. Good enough for
// budget decisions when no model-specific tokenizer is wired in.
type HeuristicCounter struct{}

func (HeuristicCounter) Estimate(text string) int {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0
	}
	return len([]rune(text))/4 + 1
}

// Allocation is the per-category token allotment for one request.
type Allocation map[Category]int

// Split divides a context window by the default ratios.
func Split(window int) Allocation {
	if window <= 0 {
		window = defaultContextWindow
	}
	out := make(Allocation, len(defaultRatios))
	for category, ratio := range defaultRatios {
		out[category] = int(float64(window) * ratio)
	}
	return out
}

// FitInput carries everything the manager budgets for one request.
type FitInput struct {
	Turns     []gateway.Turn
	Tools     []gateway.ToolSchema
	Memory    string
	Retrieved []string
	Window    int
}

// FitResult is the budgeted transcript plus accounting.
type FitResult struct {
	Turns      []gateway.Turn
	Retrieved  []string
	Allocation Allocation
	Breakdown  map[Category]int
	Warnings   []string
}

// Manager enforces the context budget. Read-only after construction; safe
// for concurrent requests.
type Manager struct {
	counter TokenCounter
	logger  *slog.Logger
}

func NewManager(counter TokenCounter, logger *slog.Logger) *Manager {
	if counter == nil {
		counter = HeuristicCounter{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{counter: counter, logger: logger}
}

// Fit trims the request into the window. History pruning drops the oldest
// non-pinned turn until the history allotment holds; the system-prompt turn
// and the most recent user turn are always pinned and never dropped.
func (m *Manager) Fit(in FitInput) FitResult {
	alloc := Split(in.Window)
	out := FitResult{Allocation: alloc, Breakdown: map[Category]int{}}

	out.Retrieved = m.fitStrings(in.Retrieved, alloc[CategoryRetrieval])
	if len(out.Retrieved) < len(in.Retrieved) {
		out.Warnings = append(out.Warnings, fmt.Sprintf("retrieval truncated to %d of %d snippets", len(out.Retrieved), len(in.Retrieved)))
	}

	turns := append([]gateway.Turn(nil), in.Turns...)
	systemIdx := -1
	for i, turn := range turns {
		if turn.Role == gateway.RoleSystem {
			systemIdx = i
			break
		}
	}
	latestUserIdx := -1
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == gateway.RoleUser {
			latestUserIdx = i
			break
		}
	}

	historyBudget := alloc[CategoryHistory]
	dropped := 0
	for m.historyTokens(turns, systemIdx) > historyBudget {
		dropIdx := -1
		for i, turn := range turns {
			if i == systemIdx || i == latestUserIdx {
				continue
			}
			if turn.Role == gateway.RoleSystem {
				continue
			}
			dropIdx = i
			break
		}
		if dropIdx == -1 {
			out.Warnings = append(out.Warnings, "history over budget but only pinned turns remain")
			break
		}
		turns = append(turns[:dropIdx], turns[dropIdx+1:]...)
		dropped++
		if dropIdx < systemIdx {
			systemIdx--
		}
		if dropIdx < latestUserIdx {
			latestUserIdx--
		}
	}
	if dropped > 0 {
		out.Warnings = append(out.Warnings, fmt.Sprintf("dropped %d oldest history turns to fit the context budget", dropped))
		m.logger.Debug("history pruned", "dropped", dropped, "remaining", len(turns))
	}
	out.Turns = turns

	out.Breakdown[CategorySystemPrompt] = m.systemTokens(turns)
	out.Breakdown[CategoryToolSchemas] = m.toolTokens(in.Tools)
	out.Breakdown[CategoryMemory] = m.counter.Estimate(in.Memory)
	out.Breakdown[CategoryRetrieval] = m.stringsTokens(out.Retrieved)
	out.Breakdown[CategoryHistory] = m.historyTokens(turns, systemIdx)
	for category, allotment := range alloc {
		if used := out.Breakdown[category]; used > allotment {
			out.Warnings = append(out.Warnings, fmt.Sprintf("%s exceeds its allotment (%d > %d tokens)", category, used, allotment))
		}
	}
	return out
}

// TurnTokens estimates one turn's cost: content plus tool-call payloads.
func (m *Manager) TurnTokens(turn gateway.Turn) int {
	total := m.counter.Estimate(turn.Content)
	for _, call := range turn.ToolCalls {
		total += m.counter.Estimate(call.Name)
		total += m.counter.Estimate(call.RawArgs)
	}
	return total
}

func (m *Manager) historyTokens(turns []gateway.Turn, systemIdx int) int {
	total := 0
	for i, turn := range turns {
		if i == systemIdx {
			continue
		}
		total += m.TurnTokens(turn)
	}
	return total
}

func (m *Manager) systemTokens(turns []gateway.Turn) int {
	total := 0
	for _, turn := range turns {
		if turn.Role == gateway.RoleSystem {
			total += m.counter.Estimate(turn.Content)
		}
	}
	return total
}

func (m *Manager) toolTokens(tools []gateway.ToolSchema) int {
	total := 0
	for _, tool := range tools {
		total += m.counter.Estimate(tool.Name)
		total += m.counter.Estimate(tool.Description)
		for _, param := range tool.Parameters {
			total += m.counter.Estimate(param.Name)
			total += m.counter.Estimate(param.Description)
		}
	}
	return total
}

func (m *Manager) stringsTokens(items []string) int {
	total := 0
	for _, item := range items {
		total += m.counter.Estimate(item)
	}
	return total
}

// fitStrings keeps items in rank order until the allotment runs out.
func (m *Manager) fitStrings(items []string, allotment int) []string {
	if len(items) == 0 {
		return nil
	}
	out := make([]string, 0, len(items))
	remaining := allotment
	for _, item := range items {
		cost := m.counter.Estimate(item)
		if remaining-cost < 0 {
			break
		}
		remaining -= cost
		out = append(out, item)
	}
	return out
}
