package gateway

import (
	"context"
	"errors"
	"testing"
)

func TestVerify_CleanRun(t *testing.T) {
	t.Parallel()

	result := LoopResult{
		Content:   "I read the file and it defines package main.",
		ToolTrace: []ToolExecution{{Name: "read_file", ExitCode: 0, Output: "package main"}},
	}
	verdict := Verify(result)
	if !verdict.Success || verdict.Score != 100 {
		t.Fatalf("verdict = %#v", verdict)
	}
	if len(verdict.Deviations) != 0 {
		t.Fatalf("unexpected deviations: %v", verdict.Deviations)
	}
}

func TestVerify_Deviations(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		result    LoopResult
		want      []Deviation
		wantScore int
	}{
		{
			name: "tool failure",
			result: LoopResult{
				Content:   "The command did not work as expected, see details above.",
				ToolTrace: []ToolExecution{{Name: "run", ExitCode: 1}},
			},
			want:      []Deviation{DeviationToolFailure},
			wantScore: 70,
		},
		{
			name: "short output after tool work",
			result: LoopResult{
				Content:   "done",
				ToolTrace: []ToolExecution{{Name: "run", ExitCode: 0}},
			},
			want:      []Deviation{DeviationShortOutput},
			wantScore: 70,
		},
		{
			name:      "error keyword",
			result:    LoopResult{Content: "The build failed with Error: missing package declaration."},
			want:      []Deviation{DeviationErrorKeyword},
			wantScore: 70,
		},
		{
			name: "stacked deviations",
			result: LoopResult{
				Content:   "error: bad",
				ToolTrace: []ToolExecution{{Name: "run", ExitCode: 2}},
			},
			want:      []Deviation{DeviationToolFailure, DeviationShortOutput, DeviationErrorKeyword},
			wantScore: 10,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			verdict := Verify(tc.result)
			if verdict.Success {
				t.Fatalf("deviant run marked successful")
			}
			if verdict.Score != tc.wantScore {
				t.Fatalf("score = %d, want %d", verdict.Score, tc.wantScore)
			}
			if len(verdict.Deviations) != len(tc.want) {
				t.Fatalf("deviations = %v, want %v", verdict.Deviations, tc.want)
			}
			for i, dev := range tc.want {
				if verdict.Deviations[i] != dev {
					t.Fatalf("deviations = %v, want %v", verdict.Deviations, tc.want)
				}
			}
		})
	}
}

func TestVerify_ScoreFloor(t *testing.T) {
	t.Parallel()

	// Four or more deviations would go negative without the floor; three is
	// the current maximum, so check the arithmetic never dips below zero.
	verdict := Verify(LoopResult{
		Content:   "panic: x",
		ToolTrace: []ToolExecution{{ExitCode: 1}},
	})
	if verdict.Score < 0 {
		t.Fatalf("score went negative: %d", verdict.Score)
	}
}

type failingSink struct{ calls int }

func (s *failingSink) RecordVerification(ctx context.Context, runID string, result VerificationResult) error {
	s.calls++
	return errors.New("sink down")
}

func TestVerifier_SinkFailureIsNonFatal(t *testing.T) {
	t.Parallel()

	sink := &failingSink{}
	verifier := NewVerifier(sink, nil)
	result := LoopResult{
		State:   &OrchestrationState{RunID: "run_1", Status: StatusCompleted},
		Content: "All good, the refactor is complete and tests were updated.",
	}
	verdict := verifier.Run(context.Background(), result)
	if !verdict.Success {
		t.Fatalf("verdict = %#v", verdict)
	}
	if sink.calls != 1 {
		t.Fatalf("sink calls = %d", sink.calls)
	}
}
