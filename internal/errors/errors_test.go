package errors

import (
	"fmt"
	"net/http"
	"testing"
)

func TestGetServiceErrorUnwrapsChain(t *testing.T) {
	base := NotFound("post")
	wrapped := fmt.Errorf("dispatch: %w", base)

	got := GetServiceError(wrapped)
	if got == nil {
		t.Fatal("expected service error in chain")
	}
	if got.HTTPStatus != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", got.HTTPStatus)
	}
	if got.Details["resource"] != "post" {
		t.Fatalf("expected resource detail, got %v", got.Details)
	}
}

func TestStatusOfDefaultsToInternal(t *testing.T) {
	if status := StatusOf(New("boom")); status != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", status)
	}
	if status := StatusOf(Unauthorized("")); status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", status)
	}
}

func TestInternalKeepsCause(t *testing.T) {
	cause := New("disk full")
	err := Internal("cache write failed", cause)
	if !Is(err, cause) {
		t.Fatal("expected errors.Is to find cause")
	}
	if err.Error() != "INTERNAL_ERROR: cache write failed: disk full" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}
