package preflight

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"enforcer/internal/config"
	"enforcer/internal/targets"
)

func TestCheckDirectoryAccess_OK(t *testing.T) {
	dir := t.TempDir()
	result := CheckDirectoryAccess("test", dir)
	if !result.Passed {
		t.Fatalf("expected pass for temp dir, got: %s", result.Detail)
	}
}

func TestCheckDirectoryAccess_NotExist(t *testing.T) {
	result := CheckDirectoryAccess("test", filepath.Join(t.TempDir(), "nope"))
	if result.Passed {
		t.Fatal("expected failure for missing dir")
	}
	if result.Detail == "" {
		t.Fatal("expected non-empty detail")
	}
}

func TestCheckDirectoryAccess_NotDir(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	result := CheckDirectoryAccess("test", f)
	if result.Passed {
		t.Fatal("expected failure for file path")
	}
}

func TestCheckTargets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "targets.yaml")
	if result := CheckTargets(path); result.Passed {
		t.Fatal("expected failure for missing directory file")
	}
	if err := os.WriteFile(path, targets.Sample(), 0o644); err != nil {
		t.Fatal(err)
	}
	result := CheckTargets(path)
	if !result.Passed {
		t.Fatalf("expected pass, got: %s", result.Detail)
	}
	if !strings.Contains(result.Detail, "providers") {
		t.Fatalf("expected provider count in detail, got %q", result.Detail)
	}

	if err := os.WriteFile(path, []byte("providers: [:::"), 0o644); err != nil {
		t.Fatal(err)
	}
	if result := CheckTargets(path); result.Passed {
		t.Fatal("expected failure for malformed directory")
	}
}

func TestCheckEmail(t *testing.T) {
	tests := []struct {
		name   string
		cfg    config.Email
		passed bool
	}{
		{"missing key", config.Email{FromAddress: "legal@brand.example"}, false},
		{"missing from", config.Email{SendGridAPIKey: "SG.key"}, false},
		{"bad from", config.Email{SendGridAPIKey: "SG.key", FromAddress: "not an address"}, false},
		{"ok", config.Email{SendGridAPIKey: "SG.key", FromAddress: "legal@brand.example"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CheckEmail(tt.cfg); got.Passed != tt.passed {
				t.Fatalf("CheckEmail passed=%v, want %v (%s)", got.Passed, tt.passed, got.Detail)
			}
		})
	}
}

func TestCheckClassifier_OK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		body, _ := json.Marshal(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"content": `{"ok":true}`}}},
		})
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	result := CheckClassifier(context.Background(), config.Classifier{Enabled: true, APIKey: "good-key", BaseURL: srv.URL})
	if !result.Passed {
		t.Fatalf("expected pass, got: %s", result.Detail)
	}
}

func TestCheckClassifier_BadKey(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	result := CheckClassifier(context.Background(), config.Classifier{Enabled: true, APIKey: "bad", BaseURL: srv.URL})
	if result.Passed {
		t.Fatal("expected failure for rejected key")
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
}

func TestCheckClassifier_MissingKey(t *testing.T) {
	result := CheckClassifier(context.Background(), config.Classifier{Enabled: true})
	if result.Passed || result.Detail != "API key missing" {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestRunAllSkipsDisabledFeatures(t *testing.T) {
	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = base
	cfg.Paths.LogDir = base
	cfg.Targets.DirectoryPath = filepath.Join(base, "targets.yaml")
	cfg.Email = config.Email{}
	cfg.Classifier.Enabled = false
	if err := os.WriteFile(cfg.Targets.DirectoryPath, targets.Sample(), 0o644); err != nil {
		t.Fatal(err)
	}

	results := RunAll(context.Background(), &cfg)
	if len(results) != 3 {
		t.Fatalf("expected 3 checks, got %d: %+v", len(results), results)
	}
	if failed := Failed(results); len(failed) != 0 {
		t.Fatalf("unexpected failures: %+v", failed)
	}
}

func TestRunAllNilConfig(t *testing.T) {
	if results := RunAll(context.Background(), nil); results != nil {
		t.Fatalf("expected nil, got %+v", results)
	}
}
