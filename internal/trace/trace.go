// Package trace records execution spans for one request. A Recorder is owned
// by exactly one in-flight request and travels with its context; there is no
// process-wide span registry, so concurrent requests cannot interfere and
// span completion is deterministic on every exit path.
package trace

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Span is one timed operation inside a run.
type Span struct {
	SpanID          string `json:"span_id"`
	RunID           string `json:"run_id"`
	Name            string `json:"name"`
	Status          string `json:"status"`
	Detail          string `json:"detail,omitempty"`
	StartedAtUnixMs int64  `json:"started_at_unix_ms"`
	EndedAtUnixMs   int64  `json:"ended_at_unix_ms"`
}

// Store persists finished spans. Implementations must tolerate being called
// once per run with the full span list.
type Store interface {
	SaveSpans(ctx context.Context, spans []Span) error
}

// Recorder collects spans for a single run.
type Recorder struct {
	runID  string
	logger *slog.Logger

	mu    sync.Mutex
	spans []Span
	open  map[string]int // span id -> index
}

func NewRecorder(runID string, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{runID: runID, logger: logger, open: map[string]int{}}
}

// RunID returns the run this recorder belongs to. Safe on nil.
func (r *Recorder) RunID() string {
	if r == nil {
		return ""
	}
	return r.runID
}

// ActiveSpan ends one operation. End is idempotent.
type ActiveSpan struct {
	recorder *Recorder
	spanID   string
	ended    bool
}

// StartSpan opens a span by operation name. Safe on a nil recorder: the
// returned span is a no-op, so components never need to guard tracing.
func (r *Recorder) StartSpan(name string) *ActiveSpan {
	if r == nil {
		return nil
	}
	span := Span{
		SpanID:          uuid.NewString(),
		RunID:           r.runID,
		Name:            name,
		Status:          "running",
		StartedAtUnixMs: time.Now().UnixMilli(),
	}
	r.mu.Lock()
	r.spans = append(r.spans, span)
	r.open[span.SpanID] = len(r.spans) - 1
	r.mu.Unlock()
	return &ActiveSpan{recorder: r, spanID: span.SpanID}
}

// End closes the span with a status and optional detail.
func (s *ActiveSpan) End(status string, detail string) {
	if s == nil || s.ended || s.recorder == nil {
		return
	}
	s.ended = true
	r := s.recorder
	r.mu.Lock()
	defer r.mu.Unlock()
	idx, ok := r.open[s.spanID]
	if !ok {
		return
	}
	delete(r.open, s.spanID)
	r.spans[idx].Status = status
	r.spans[idx].Detail = detail
	r.spans[idx].EndedAtUnixMs = time.Now().UnixMilli()
}

// Snapshot returns a copy of all spans recorded so far. Still-open spans are
// closed as "abandoned" first so the snapshot is always consistent.
func (r *Recorder) Snapshot() []Span {
	if r == nil {
		return nil
	}
	now := time.Now().UnixMilli()
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, idx := range r.open {
		r.spans[idx].Status = "abandoned"
		r.spans[idx].EndedAtUnixMs = now
		delete(r.open, id)
	}
	return append([]Span(nil), r.spans...)
}

// Flush persists the snapshot. A nil store or a store failure only logs; the
// request outcome never depends on trace persistence.
func (r *Recorder) Flush(ctx context.Context, store Store) {
	if r == nil || store == nil {
		return
	}
	spans := r.Snapshot()
	if len(spans) == 0 {
		return
	}
	if err := store.SaveSpans(ctx, spans); err != nil {
		r.logger.Warn("trace flush failed", "run_id", r.runID, "error", err)
	}
}

type contextKey struct{}

// WithRecorder attaches the request's recorder to its context.
func WithRecorder(ctx context.Context, r *Recorder) context.Context {
	return context.WithValue(ctx, contextKey{}, r)
}

// FromContext returns the request's recorder, nil when none is attached.
func FromContext(ctx context.Context) *Recorder {
	r, _ := ctx.Value(contextKey{}).(*Recorder)
	return r
}
