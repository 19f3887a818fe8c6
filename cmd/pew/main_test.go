package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pew-pew-pew/pew/internal/auth"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestHashPassword(t *testing.T) {
	out, err := execute(t, "", "hash-password", "hunter2")
	if err != nil {
		t.Fatalf("hash-password: %v", err)
	}
	if !auth.CheckPassword(strings.TrimSpace(out), "hunter2") {
		t.Fatalf("hash %q does not match password", out)
	}

	out, err = execute(t, "from-stdin\n", "hash-password")
	if err != nil {
		t.Fatalf("hash-password stdin: %v", err)
	}
	if !auth.CheckPassword(strings.TrimSpace(out), "from-stdin") {
		t.Fatalf("hash %q does not match stdin password", out)
	}

	if _, err := execute(t, "", "hash-password"); err == nil {
		t.Fatal("expected empty password to fail")
	}
}

func TestRoutes(t *testing.T) {
	path := writeConfig(t, `
routes:
  - pattern: /blog/{slug}
    target: posts/view/{slug}
    methods: [GET]
`)
	out, err := execute(t, "", "--config", path, "routes")
	if err != nil {
		t.Fatalf("routes: %v", err)
	}
	for _, want := range []string{"/blog/{slug}", "posts/view/{slug}", "GET", "pages/index"} {
		if !strings.Contains(out, want) {
			t.Fatalf("routes output missing %q:\n%s", want, out)
		}
	}
}

func TestMigrate(t *testing.T) {
	dsn := "file:" + filepath.Join(t.TempDir(), "pew.db")
	path := writeConfig(t, "database:\n  driver: sqlite\n  dsn: "+dsn+"\nlogging:\n  output: stderr\n")

	out, err := execute(t, "", "--config", path, "migrate")
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if !strings.Contains(out, "Applied 001_users") {
		t.Fatalf("unexpected output %q", out)
	}

	out, err = execute(t, "", "--config", path, "migrate")
	if err != nil {
		t.Fatalf("migrate again: %v", err)
	}
	if !strings.Contains(out, "Nothing to migrate") {
		t.Fatalf("second run applied migrations again: %q", out)
	}

	out, err = execute(t, "", "--config", path, "migrate", "--list")
	if err != nil {
		t.Fatalf("migrate --list: %v", err)
	}
	if strings.TrimSpace(out) != "001_users" {
		t.Fatalf("unexpected list %q", out)
	}
}

func TestSplitAddr(t *testing.T) {
	host, port, err := splitAddr("0.0.0.0:9000")
	if err != nil || host != "0.0.0.0" || port != 9000 {
		t.Fatalf("splitAddr = %q, %d, %v", host, port, err)
	}
	if _, _, err := splitAddr("nope"); err == nil {
		t.Fatal("expected error for address without port")
	}
}
