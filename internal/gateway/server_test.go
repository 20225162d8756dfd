package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/conduitrun/conduit/internal/streamhub"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHandleHealthz(t *testing.T) {
	s := &Server{hub: streamhub.New(context.Background(), streamhub.DefaultOptions())}
	defer s.hub.Shutdown()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.handleHealthz(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestHandleRunStepRejectsMissingScope(t *testing.T) {
	hub := streamhub.New(context.Background(), streamhub.DefaultOptions())
	defer hub.Shutdown()
	s := &Server{hub: hub, logger: discardLogger()}

	body, _ := json.Marshal(runStepRequest{Query: "hi"})
	req := httptest.NewRequest(http.MethodPost, "/v1/steps", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.handleRunStep(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing userId/conversationId, got %d", rec.Code)
	}
}

func TestHandleStepStreamForwardsHubEvents(t *testing.T) {
	hub := streamhub.New(context.Background(), streamhub.DefaultOptions())
	defer hub.Shutdown()
	s := &Server{hub: hub, logger: discardLogger()}

	req := httptest.NewRequest(http.MethodGet, "/v1/steps/step-1/stream", nil)
	ctx, cancel := context.WithTimeout(req.Context(), time.Second)
	defer cancel()
	req = req.WithContext(ctx)

	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		s.handleStepStream(rec, req)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	hub.Complete("step-1")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not return after completion")
	}

	scanner := bufio.NewScanner(rec.Body)
	var sawData bool
	for scanner.Scan() {
		if bytes.HasPrefix(scanner.Bytes(), []byte("data: ")) {
			sawData = true
		}
	}
	if !sawData {
		t.Fatalf("expected at least one SSE data line, got body: %s", rec.Body.String())
	}
}
