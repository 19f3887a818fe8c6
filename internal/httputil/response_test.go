package httputil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pew-pew-pew/pew/internal/errors"
	"github.com/pew-pew-pew/pew/internal/logging"
)

func TestWriteServiceErrorUsesStatusAndTrace(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/posts/view/9", nil)
	req = req.WithContext(logging.WithTraceID(req.Context(), "abc"))
	rec := httptest.NewRecorder()

	WriteServiceError(rec, req, fmt.Errorf("lookup: %w", errors.NotFound("post")))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	var body ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Code != "NOT_FOUND" || body.TraceID != "abc" {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestWriteServiceErrorHidesPlainErrors(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteServiceError(rec, httptest.NewRequest(http.MethodGet, "/", nil), fmt.Errorf("secret dsn leaked"))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "secret dsn") {
		t.Fatalf("internal error text leaked: %s", rec.Body.String())
	}
}

func TestDecodeJSONRejectsGarbage(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{nope"))
	rec := httptest.NewRecorder()

	var v map[string]any
	if DecodeJSON(rec, req, &v) {
		t.Fatal("expected decode failure")
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	if ip := ClientIP(req); ip != "10.0.0.1" {
		t.Fatalf("expected remote host, got %q", ip)
	}

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if ip := ClientIP(req); ip != "203.0.113.9" {
		t.Fatalf("expected forwarded host, got %q", ip)
	}
}
