package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap/zaptest"

	"imageAnonymizer/api/dto"
)

func TestTraceID_PropagatesValidHeader(t *testing.T) {
	traceID := uuid.NewString()
	var seen string

	h := TraceID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetTraceID(r.Context())
	}))

	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set(TraceIDHeader, traceID)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if seen != traceID {
		t.Errorf("Expected trace id %s, got %s", traceID, seen)
	}
	if rec.Header().Get(TraceIDHeader) != traceID {
		t.Errorf("Expected response header %s, got %s", traceID, rec.Header().Get(TraceIDHeader))
	}
}

func TestTraceID_ReplacesInvalidHeader(t *testing.T) {
	h := TraceID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set(TraceIDHeader, "not a uuid\n")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if _, err := uuid.Parse(rec.Header().Get(TraceIDHeader)); err != nil {
		t.Errorf("Expected generated trace id, got %q", rec.Header().Get(TraceIDHeader))
	}
}

func TestChain_RecoversPanics(t *testing.T) {
	logger := zaptest.NewLogger(t)
	panicky := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})

	h := Chain(panicky, TraceID, Logging(logger, nil), Recovery(logger))

	req := httptest.NewRequest("GET", "/api/tasks/x", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("Expected status 500, got %d", rec.Code)
	}

	var body dto.ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if body.Code != "internal_error" || body.TraceID == "" {
		t.Errorf("Unexpected error body: %+v", body)
	}
}
