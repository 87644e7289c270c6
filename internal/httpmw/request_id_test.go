package httpmw

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRequestID_PropagatesExisting(t *testing.T) {
	var got string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = RequestIDFromContext(r.Context())
	})

	r := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	r.Header.Set("X-Request-Id", "abc-123")
	rec := httptest.NewRecorder()

	RequestID("")(handler).ServeHTTP(rec, r)

	if got != "abc-123" {
		t.Fatalf("context id = %q, want abc-123", got)
	}
	if echo := rec.Header().Get("X-Request-Id"); echo != "abc-123" {
		t.Fatalf("response header = %q, want abc-123", echo)
	}
}

func TestRequestID_GeneratesWhenMissing(t *testing.T) {
	var got string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = RequestIDFromContext(r.Context())
	})

	rec := httptest.NewRecorder()
	RequestID("")(handler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	if got == "" {
		t.Fatal("expected generated request id")
	}
	if len(got) != 32 {
		t.Fatalf("generated id length = %d, want 32 hex chars", len(got))
	}
	if rec.Header().Get("X-Request-Id") != got {
		t.Fatal("response header does not match context id")
	}
}

func TestRequestID_CustomHeader(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	r := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	r.Header.Set("X-Correlation-Id", "corr-9")
	rec := httptest.NewRecorder()

	RequestID("X-Correlation-Id")(handler).ServeHTTP(rec, r)

	if got := rec.Header().Get("X-Correlation-Id"); got != "corr-9" {
		t.Fatalf("response header = %q, want corr-9", got)
	}
}

func TestRequestIDFromContext_Absent(t *testing.T) {
	if id := RequestIDFromContext(context.Background()); id != "" {
		t.Fatalf("expected empty, got %q", id)
	}
}

func TestWithRequestID_EmptyIsNoop(t *testing.T) {
	ctx := context.Background()
	if got := WithRequestID(ctx, ""); got != ctx {
		t.Fatal("empty id should not allocate a new context")
	}
}
