package gateway

import (
	"context"
	"log/slog"
	"strings"
)

// Deviation is one structural problem found in a completed run.
type Deviation string

const (
	// DeviationToolFailure: at least one executed tool returned a non-zero
	// exit code.
	DeviationToolFailure Deviation = "tool_failure"
	// DeviationShortOutput: tools ran but the final answer is suspiciously
	// short for a performed action.
	DeviationShortOutput Deviation = "short_output"
	// DeviationErrorKeyword: the final content carries error/exception
	// vocabulary.
	DeviationErrorKeyword Deviation = "error_keyword"
)

const (
	deviationPenalty     = 30
	shortOutputRuneFloor = 20
)

var errorKeywords = []string{"error:", "exception", "traceback", "fatal:", "panic:"}

// VerificationResult scores a run against the original intent.
type VerificationResult struct {
	Success    bool        `json:"success"`
	Score      int         `json:"score"`
	Deviations []Deviation `json:"deviations,omitempty"`
}

// Verify computes structural deviations over a terminal loop result.
// Score starts at 100 and loses 30 points per distinct deviation, floored
// at 0; success requires zero deviations.
func Verify(result LoopResult) VerificationResult {
	var deviations []Deviation

	for _, execution := range result.ToolTrace {
		if execution.ExitCode != 0 {
			deviations = append(deviations, DeviationToolFailure)
			break
		}
	}
	if len(result.ToolTrace) > 0 && len([]rune(strings.TrimSpace(result.Content))) < shortOutputRuneFloor {
		deviations = append(deviations, DeviationShortOutput)
	}
	lower := strings.ToLower(result.Content)
	for _, keyword := range errorKeywords {
		if strings.Contains(lower, keyword) {
			deviations = append(deviations, DeviationErrorKeyword)
			break
		}
	}

	score := 100 - deviationPenalty*len(deviations)
	if score < 0 {
		score = 0
	}
	return VerificationResult{
		Success:    len(deviations) == 0,
		Score:      score,
		Deviations: deviations,
	}
}

// Verifier runs verification after a terminal status and reports the verdict
// to the learning sink. It never alters the response already sent; sink
// failures are logged and swallowed.
type Verifier struct {
	sink   VerificationSink
	logger *slog.Logger
}

func NewVerifier(sink VerificationSink, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{sink: sink, logger: logger}
}

func (v *Verifier) Run(ctx context.Context, result LoopResult) VerificationResult {
	verdict := Verify(result)
	if v == nil || v.sink == nil {
		return verdict
	}
	runID := ""
	if result.State != nil {
		runID = result.State.RunID
	}
	if err := v.sink.RecordVerification(ctx, runID, verdict); err != nil {
		v.logger.Warn("verification sink failed", "run_id", runID, "error", err)
	}
	return verdict
}
