package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestWithContextAddsTraceAndUser(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriter("test", &buf, logrus.DebugLevel)

	ctx := WithTraceID(context.Background(), "trace-1")
	ctx = WithUserID(ctx, "42")
	logger.WithContext(ctx).Info("hello")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if entry["trace_id"] != "trace-1" || entry["user_id"] != "42" {
		t.Fatalf("expected context fields, got %v", entry)
	}
	if entry["component"] != "test" {
		t.Fatalf("expected component field, got %v", entry)
	}
}

func TestLogRequestLevelFollowsStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriter("http", &buf, logrus.DebugLevel)

	logger.LogRequest(context.Background(), "GET", "/posts", 503, 12*time.Millisecond)

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if entry["level"] != "error" {
		t.Fatalf("expected error level for 5xx, got %v", entry["level"])
	}
	if entry["status"] != float64(503) {
		t.Fatalf("expected status field, got %v", entry["status"])
	}
}

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	logger, err := New("file", Config{Level: "debug", Format: "json", Output: path})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer logger.Close()

	if logger.GetLevel() != logrus.DebugLevel {
		t.Fatalf("expected debug level, got %s", logger.GetLevel())
	}
}

func TestNewFallsBackToInfo(t *testing.T) {
	logger, err := New("x", Config{Level: "loud"})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	if logger.GetLevel() != logrus.InfoLevel {
		t.Fatalf("expected info level, got %s", logger.GetLevel())
	}
}
