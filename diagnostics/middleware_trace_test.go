package diagnostics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alexherrero/sherwood/tracing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTraceMiddleware_InjectsTraceID(t *testing.T) {
	var capturedTraceID string

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedTraceID = tracing.TraceIDFromCtx(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	handler := TraceMiddleware(inner)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, capturedTraceID, "trace ID should be set in context")

	headerTraceID := rec.Header().Get("X-Trace-ID")
	assert.Equal(t, capturedTraceID, headerTraceID, "response header should match context trace ID")
}

func TestTraceMiddleware_UniquePerRequest(t *testing.T) {
	var traceIDs []string

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceIDs = append(traceIDs, tracing.TraceIDFromCtx(r.Context()))
		w.WriteHeader(http.StatusOK)
	})

	handler := TraceMiddleware(inner)

	for i := 0; i < 10; i++ {
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
	}

	seen := make(map[string]bool)
	for _, id := range traceIDs {
		assert.False(t, seen[id], "trace ID collision detected")
		seen[id] = true
	}
}
