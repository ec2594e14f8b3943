// Package api exposes the gateway over an OpenAI-compatible HTTP surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/floegence/modelgate/internal/budget"
	"github.com/floegence/modelgate/internal/gateway"
	"github.com/floegence/modelgate/internal/provider"
	"github.com/floegence/modelgate/internal/retrieval"
	"github.com/floegence/modelgate/internal/trace"
)

// Server wires the request pipeline: normalize, budget, orchestrate, verify.
// All collaborators are read-only after construction.
type Server struct {
	loop       *gateway.Loop
	budget     *budget.Manager
	capability func(modelID string) gateway.ModelCapability
	models     []string
	retriever  retrieval.Queryer
	verifier   *gateway.Verifier
	traceStore trace.Store
	logger     *slog.Logger
}

// Options carries the optional collaborators. Nil fields disable the
// corresponding stage without failing requests.
type Options struct {
	Retriever  retrieval.Queryer
	Verifier   *gateway.Verifier
	TraceStore trace.Store
	Models     []string
}

func NewServer(loop *gateway.Loop, manager *budget.Manager, capability func(string) gateway.ModelCapability, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if capability == nil {
		capability = func(string) gateway.ModelCapability {
			return gateway.ModelCapability{SupportsNativeTools: true}
		}
	}
	return &Server{
		loop:       loop,
		budget:     manager,
		capability: capability,
		models:     opts.Models,
		retriever:  opts.Retriever,
		verifier:   opts.Verifier,
		traceStore: opts.TraceStore,
		logger:     logger,
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", s.recovered(s.handleChatCompletions))
	mux.HandleFunc("GET /v1/models", s.recovered(s.handleModels))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// recovered converts handler panics into an error response. A malformed
// request must never take the daemon down.
func (s *Server) recovered(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("handler panic", "path", r.URL.Path, "panic", rec)
				writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
			}
		}()
		next(w, r)
	}
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "malformed JSON body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Model) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "missing model")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "messages must not be empty")
		return
	}

	in := req.toInbound()
	capability := s.capability(in.Model)
	norm := gateway.Normalize(in, capability)

	retrieved := s.retrieve(r.Context(), norm.Turns)
	if s.budget != nil {
		fit := s.budget.Fit(budget.FitInput{
			Turns:     norm.Turns,
			Tools:     norm.Tools,
			Retrieved: retrieved,
			Window:    capability.ContextWindow,
		})
		norm.Turns = fit.Turns
		retrieved = fit.Retrieved
		for _, warning := range fit.Warnings {
			s.logger.Debug("budget warning", "model", norm.Model, "warning", warning)
		}
	}
	if len(retrieved) > 0 {
		norm.Turns = injectRetrieved(norm.Turns, retrieved)
	}

	runID := uuid.NewString()
	recorder := trace.NewRecorder(runID, s.logger)
	ctx := trace.WithRecorder(r.Context(), recorder)

	result, err := s.loop.Run(ctx, norm)
	flushCtx := context.WithoutCancel(r.Context())
	defer recorder.Flush(flushCtx, s.traceStore)
	if err != nil {
		s.writeProviderError(w, runID, err)
		return
	}

	verifiable := result.State != nil &&
		(result.State.Status == gateway.StatusCompleted || result.State.Status == gateway.StatusAborted)
	if s.verifier != nil && verifiable {
		verdict := s.verifier.Run(flushCtx, result)
		s.logger.Info("run verified",
			"run_id", runID,
			"success", verdict.Success,
			"score", verdict.Score,
			"deviations", len(verdict.Deviations))
	}
	if result.Degraded {
		s.logger.Warn("run degraded", "run_id", runID, "anomaly", result.Anomaly.Summary())
	}

	resp := chatResponse{
		ID:      "chatcmpl-" + runID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []chatChoice{{
			Index:        0,
			Message:      toWireMessage(result),
			FinishReason: string(result.FinishReason),
		}},
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	list := modelList{Object: "list", Data: []modelInfo{}}
	for _, id := range s.models {
		list.Data = append(list.Data, modelInfo{ID: id, Object: "model", OwnedBy: "modelgate"})
	}
	writeJSON(w, http.StatusOK, list)
}

// retrieve queries ranked context for the latest user turn. Retrieval
// failures degrade to an empty result.
func (s *Server) retrieve(ctx context.Context, turns []gateway.Turn) []string {
	if s.retriever == nil {
		return nil
	}
	query := ""
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == gateway.RoleUser {
			query = turns[i].Content
			break
		}
	}
	if strings.TrimSpace(query) == "" {
		return nil
	}
	snippets, err := s.retriever.Query(ctx, query, 5)
	if err != nil {
		s.logger.Warn("retrieval failed", "error", err)
		return nil
	}
	out := make([]string, 0, len(snippets))
	for _, snippet := range snippets {
		out = append(out, snippet.Text)
	}
	return out
}

// injectRetrieved adds the budgeted snippets as a system context turn placed
// after the system prompt and before the conversation.
func injectRetrieved(turns []gateway.Turn, retrieved []string) []gateway.Turn {
	var b strings.Builder
	b.WriteString("Relevant context:\n")
	for _, snippet := range retrieved {
		b.WriteString("- " + strings.TrimSpace(snippet) + "\n")
	}
	contextTurn := gateway.Turn{Role: gateway.RoleSystem, Content: strings.TrimSpace(b.String())}

	insertAt := 0
	if len(turns) > 0 && turns[0].Role == gateway.RoleSystem {
		insertAt = 1
	}
	out := make([]gateway.Turn, 0, len(turns)+1)
	out = append(out, turns[:insertAt]...)
	out = append(out, contextTurn)
	out = append(out, turns[insertAt:]...)
	return out
}

func (s *Server) writeProviderError(w http.ResponseWriter, runID string, err error) {
	var provErr *provider.Error
	var timeoutErr *provider.TimeoutError
	switch {
	case errors.As(err, &timeoutErr):
		s.logger.Warn("provider timeout", "run_id", runID, "provider", timeoutErr.Provider)
		writeError(w, http.StatusGatewayTimeout, "provider_timeout", err.Error())
	case errors.As(err, &provErr):
		s.logger.Warn("provider error", "run_id", runID, "provider", provErr.Provider, "status", provErr.StatusCode)
		writeError(w, http.StatusBadGateway, "provider_error", err.Error())
	default:
		s.logger.Error("run failed", "run_id", runID, "error", err)
		writeError(w, http.StatusBadGateway, "upstream_error", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: errorBody{
		Message: message,
		Type:    code,
		Code:    code,
	}})
}
