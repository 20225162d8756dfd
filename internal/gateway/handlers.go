package gateway

import (
	"bufio"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/conduitrun/conduit/internal/auth"
	"github.com/conduitrun/conduit/internal/decision"
	"github.com/conduitrun/conduit/internal/orchestrator"
	"github.com/conduitrun/conduit/pkg/models"
)

// runStepRequest is Stage A's wire request: a new step
// (query set, resumeStepId empty) or a resume (resumeStepId set,
// clientResults populated).
type runStepRequest struct {
	ConversationID string                      `json:"conversationId"`
	Query          string                      `json:"query,omitempty"`
	ResumeStepID   string                      `json:"resumeStepId,omitempty"`
	ClientResults  []clientResultWire          `json:"clientResults,omitempty"`
	ClientTools    []decision.ToolManifestEntry `json:"clientTools,omitempty"`
	Model          string                      `json:"model,omitempty"`
}

type clientResultWire struct {
	ToolCallID string          `json:"toolCallId"`
	Name       string          `json:"name"`
	Data       json.RawMessage `json:"data"`
	IsError    bool            `json:"isError,omitempty"`
}

// wireEvent is the line-delimited JSON shape written to the Stage A
// response body, one JSON object per line.
type wireEvent struct {
	Type   orchestrator.EventType `json:"type"`
	StepID string                 `json:"stepId"`
	Kind   orchestrator.StepKind  `json:"kind,omitempty"`
	Data   any                    `json:"data,omitempty"`
}

// handleRunStep implements Stage A: POST /v1/steps starts or resumes a
// step and streams its event sequence back as newline-delimited JSON.
func (s *Server) handleRunStep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req runStepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	userID := userIDFromRequest(r)
	if userID == "" || req.ConversationID == "" {
		http.Error(w, "userId and conversationId are required", http.StatusBadRequest)
		return
	}

	clientResults := make([]orchestrator.ClientResult, len(req.ClientResults))
	for i, cr := range req.ClientResults {
		clientResults[i] = orchestrator.ClientResult{
			ToolCallID: cr.ToolCallID, Name: cr.Name, Data: cr.Data, IsError: cr.IsError,
		}
	}

	events, err := s.orch.Run(r.Context(), orchestrator.Request{
		UserID:         userID,
		ConversationID: req.ConversationID,
		Query:          req.Query,
		ResumeStepID:   req.ResumeStepID,
		ClientResults:  clientResults,
		ClientTools:    req.ClientTools,
		Model:          req.Model,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	for ev := range events {
		if err := enc.Encode(wireEvent{Type: ev.Type, StepID: ev.StepID, Kind: ev.Kind, Data: ev.Data}); err != nil {
			s.logger.Warn("stage a: write event failed", "error", err)
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// handleStepStream implements Stage B: GET /v1/steps/{stepId}/stream
// attaches a long-lived subscriber to the Stream Fabric for a stepId.
func (s *Server) handleStepStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stepID := stepIDFromPath(r.URL.Path)
	if stepID == "" {
		http.Error(w, "stepId is required", http.StatusBadRequest)
		return
	}

	ch, cancel := s.hub.Subscribe(stepID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	writer := bufio.NewWriter(w)

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			writer.WriteString("data: ")
			writer.Write(payload)
			writer.WriteString("\n\n")
			writer.Flush()
			if flusher != nil {
				flusher.Flush()
			}
			if ev.Type == "end" || ev.Type == "evicted" {
				return
			}
		}
	}
}

func userIDFromRequest(r *http.Request) string {
	if user, ok := auth.UserFromContext(r.Context()); ok && user != nil {
		return userIDOf(user)
	}
	return r.Header.Get("X-User-Id")
}

func userIDOf(u *models.User) string {
	return u.ID
}

func stepIDFromPath(path string) string {
	const prefix = "/v1/steps/"
	trimmed := strings.TrimPrefix(path, prefix)
	return strings.TrimSuffix(trimmed, "/stream")
}
