package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/floegence/modelgate/internal/trace"
	"github.com/google/uuid"
)

const (
	defaultMaxIterations = 8
	// retryTemperature is the sampling ceiling applied when a turn is retried
	// after a bad-output anomaly.
	retryTemperature = 0.2

	protocolReminder = "Reminder: answer the user directly, or call a tool using the exact tool-call format. Do not repeat yourself and do not emit chat-template markers."
)

// LoopConfig bounds one orchestration run. Zero values fall back to package
// defaults; both knobs are deliberately externally configurable.
type LoopConfig struct {
	MaxIterations    int
	BadOutputRetries int

	// ExecutorModel enables dual-model orchestration when non-empty: the
	// architect (request) model takes the opening decision and the final
	// answer, the executor model drives intermediate tool-argument turns.
	ExecutorModel string
}

func (c LoopConfig) maxIterations() int {
	if c.MaxIterations > 0 {
		return c.MaxIterations
	}
	return defaultMaxIterations
}

func (c LoopConfig) badOutputRetries() int {
	if c.BadOutputRetries > 0 {
		return c.BadOutputRetries
	}
	return 1
}

// ToolExecution is one executed call, kept for verification.
type ToolExecution struct {
	CallID   string `json:"call_id"`
	Name     string `json:"name"`
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output"`
}

// LoopResult is the terminal outcome of one orchestration run.
type LoopResult struct {
	State        *OrchestrationState
	Content      string
	FinishReason FinishReason
	ToolTrace    []ToolExecution
	Degraded     bool
	Anomaly      *BadOutputReport
}

// Loop drives the decision / tool-execution state machine. The struct is
// read-only after construction; every Run owns its own OrchestrationState.
type Loop struct {
	provider Provider
	executor ToolExecutor
	cfg      LoopConfig
	logger   *slog.Logger
}

func NewLoop(provider Provider, executor ToolExecutor, cfg LoopConfig, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{provider: provider, executor: executor, cfg: cfg, logger: logger}
}

// Run executes the loop until a terminal status.
//
// Per Running cycle: cancellation check, iteration cap check, provider call,
// tool-call extraction, bad-output screening. Tool calls execute sequentially
// in the order returned; each result is appended as a tool turn before
// control returns to Running. Anomalous output without tool calls is retried
// with a temperature ceiling and an explicit protocol reminder; the retry
// budget is per anomalous turn, and exhausting it yields a degraded failure,
// never an unbounded retry and never a clean completion.
func (l *Loop) Run(ctx context.Context, req NormalizedRequest) (LoopResult, error) {
	recorder := trace.FromContext(ctx)
	runID := recorder.RunID()
	if runID == "" {
		runID = uuid.NewString()
	}
	state := &OrchestrationState{
		RunID:  runID,
		Status: StatusRunning,
	}
	state.Transcript = append(state.Transcript, req.Turns...)
	result := LoopResult{State: state, FinishReason: FinishStop}

	maxIterations := l.cfg.maxIterations()
	dual := strings.TrimSpace(l.cfg.ExecutorModel) != ""
	// When the executor model finishes tool work, the architect still owes
	// the final-answer turn.
	awaitingArchitectFinal := false

	for {
		select {
		case <-ctx.Done():
			state.Status = StatusAborted
			state.AbortReason = AbortCancelled
			result.Content = state.LastAssistantText()
			result.FinishReason = FinishError
			return result, nil
		default:
		}
		if state.Iteration >= maxIterations {
			state.Status = StatusAborted
			state.AbortReason = AbortMaxIterationsExceeded
			state.Warnings = append(state.Warnings, fmt.Sprintf("iteration cap %d reached", maxIterations))
			result.Content = state.LastAssistantText()
			result.FinishReason = FinishLength
			return result, nil
		}
		state.Iteration++

		model := req.Model
		if dual && !awaitingArchitectFinal && state.Iteration > 1 && lastRole(state.Transcript) == RoleTool {
			model = l.cfg.ExecutorModel
		}

		resp, err := l.callProvider(ctx, recorder, model, state.Transcript, req, nil)
		if err != nil {
			state.Status = StatusFailed
			return result, err
		}

		calls, parseWarn := l.extractCalls(req, resp)
		if parseWarn != "" {
			state.Warnings = append(state.Warnings, parseWarn)
		}
		report := DetectBadOutput(resp.Content)

		// The retry budget resets each turn: a later anomalous turn earns
		// its own retry, and an exhausted budget is a degraded failure,
		// not a clean completion.
		retriesLeft := l.cfg.badOutputRetries()
		for len(calls) == 0 && report.Anomalous() {
			if retriesLeft <= 0 {
				state.Append(Turn{Role: RoleAssistant, Content: resp.Content})
				state.Status = StatusFailed
				state.Warnings = append(state.Warnings, "bad output persisted after retry: "+report.Summary())
				result.Content = resp.Content
				result.FinishReason = FinishError
				result.Degraded = true
				result.Anomaly = &report
				return result, nil
			}
			retriesLeft--
			state.Warnings = append(state.Warnings, "bad output detected, retrying: "+report.Summary())
			l.logger.Warn("bad model output, retrying", "run_id", state.RunID, "iteration", state.Iteration, "anomaly", report.Summary())

			retryTemp := retryTemperature
			resp, err = l.callProvider(ctx, recorder, model, state.Transcript, req, &retryTemp)
			if err != nil {
				state.Status = StatusFailed
				return result, err
			}
			calls, parseWarn = l.extractCalls(req, resp)
			if parseWarn != "" {
				state.Warnings = append(state.Warnings, parseWarn)
			}
			report = DetectBadOutput(resp.Content)
		}

		if len(calls) == 0 {
			content := resp.Content
			if req.Protocol == ProtocolXML {
				content = StripXMLToolCalls(content)
			}
			if dual && model == l.cfg.ExecutorModel {
				// Executor has nothing left to execute; the architect owns
				// the final answer. Its draft is not appended.
				awaitingArchitectFinal = true
				continue
			}
			state.Append(Turn{Role: RoleAssistant, Content: content})
			state.Status = StatusCompleted
			result.Content = content
			result.FinishReason = FinishStop
			if resp.FinishReason == FinishLength {
				result.FinishReason = FinishLength
			}
			return result, nil
		}

		state.Status = StatusAwaitingTool
		assistant := Turn{Role: RoleAssistant, Content: resp.Content, ToolCalls: calls}
		if req.Protocol == ProtocolXML {
			assistant.Content = StripXMLToolCalls(resp.Content)
		}
		state.Append(assistant)

		if l.executor == nil {
			// No executor collaborator: hand the calls back to the caller.
			state.Status = StatusCompleted
			result.Content = assistant.Content
			result.FinishReason = FinishToolCalls
			return result, nil
		}

		// Sequential by design: several backends reject interleaved results
		// for parallel calls from a single turn.
		for _, call := range calls {
			execution := l.executeTool(ctx, recorder, state.RunID, call)
			result.ToolTrace = append(result.ToolTrace, execution)
			state.Append(Turn{Role: RoleTool, Content: execution.Output, ToolCallID: call.ID})
		}
		awaitingArchitectFinal = false
		state.Status = StatusRunning
	}
}

func (l *Loop) callProvider(ctx context.Context, recorder *trace.Recorder, model string, transcript []Turn, req NormalizedRequest, retryTemp *float64) (ProviderResponse, error) {
	call := ProviderRequest{
		Model:       model,
		Turns:       transcript,
		ToolChoice:  req.ToolChoice,
		Temperature: req.Temperature,
		Protocol:    req.Protocol,
	}
	if req.Protocol == ProtocolNative {
		call.Tools = req.Tools
	}
	if retryTemp != nil {
		call.Temperature = retryTemp
		call.Turns = append(append([]Turn(nil), transcript...), Turn{Role: RoleUser, Content: protocolReminder})
	}

	span := recorder.StartSpan("provider.call")
	resp, err := l.provider.Call(ctx, call)
	if err != nil {
		span.End("failed", err.Error())
		return ProviderResponse{}, err
	}
	span.End("ok", string(resp.FinishReason))
	return resp, nil
}

// extractCalls normalizes tool calls from the response under the request's
// protocol. A ParseError degrades to a content-only answer; the warning is
// surfaced, the text is kept. A request without tools never yields calls.
func (l *Loop) extractCalls(req NormalizedRequest, resp ProviderResponse) ([]ToolCall, string) {
	if len(req.Tools) == 0 {
		return nil, ""
	}
	switch req.Protocol {
	case ProtocolXML:
		calls, err := ExtractXML(resp.Content)
		if err != nil {
			return nil, "tool call extraction degraded to content: " + err.Error()
		}
		return calls, ""
	default:
		return ExtractNative(resp.ToolCalls), ""
	}
}

// executeTool runs one call through the external executor. Executor errors
// become a non-zero-exit tool turn; the loop itself never fails on them.
func (l *Loop) executeTool(ctx context.Context, recorder *trace.Recorder, runID string, call ToolCall) ToolExecution {
	span := recorder.StartSpan("tool." + call.Name)
	execution := ToolExecution{CallID: call.ID, Name: call.Name}
	res, err := l.executor.Execute(ctx, call.Name, call.Args)
	if err != nil {
		execution.ExitCode = 1
		execution.Output = "tool execution failed: " + err.Error()
		span.End("failed", err.Error())
		l.logger.Warn("tool execution failed", "run_id", runID, "tool", call.Name, "error", err)
		return execution
	}
	execution.ExitCode = res.ExitCode
	execution.Output = res.Output
	status := "ok"
	if res.ExitCode != 0 {
		status = "failed"
	}
	span.End(status, fmt.Sprintf("exit=%d", res.ExitCode))
	return execution
}

func lastRole(turns []Turn) Role {
	if len(turns) == 0 {
		return ""
	}
	return turns[len(turns)-1].Role
}
