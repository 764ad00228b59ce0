package classifier_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"enforcer/internal/classifier"
	"enforcer/internal/config"
	"enforcer/internal/services"
)

func completion(content string) string {
	body, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{{"message": map[string]string{"content": content}}},
	})
	return string(body)
}

func newClient(t *testing.T, url string) *classifier.Client {
	t.Helper()
	return classifier.NewClient(config.Classifier{
		APIKey:  "key",
		BaseURL: url,
		Model:   "test-model",
		Referer: "https://enforcer.example",
		Title:   "Enforcer",
	}, classifier.WithRetry(3, time.Millisecond, 2*time.Millisecond), classifier.WithSleeper(func(time.Duration) {}))
}

func TestCompleteJSONSendsRequest(t *testing.T) {
	var gotAuth, gotTitle, gotModel string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotTitle = r.Header.Get("X-Title")
		var req struct {
			Model string `json:"model"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotModel = req.Model
		_, _ = w.Write([]byte(completion(`{"ok":true}`)))
	}))
	defer server.Close()

	out, err := newClient(t, server.URL).CompleteJSON(context.Background(), "sys", "user")
	if err != nil {
		t.Fatalf("CompleteJSON: %v", err)
	}
	if out != `{"ok":true}` {
		t.Fatalf("unexpected content %q", out)
	}
	if gotAuth != "Bearer key" || gotTitle != "Enforcer" || gotModel != "test-model" {
		t.Fatalf("unexpected request auth=%q title=%q model=%q", gotAuth, gotTitle, gotModel)
	}
}

func TestCompleteJSONRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(completion(`{"ok":true}`)))
	}))
	defer server.Close()

	if _, err := newClient(t, server.URL).CompleteJSON(context.Background(), "sys", "user"); err != nil {
		t.Fatalf("CompleteJSON: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 calls, got %d", calls.Load())
	}
}

func TestCompleteJSONErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
		calls  int32
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, want: services.ErrTransient, calls: 3},
		{name: "bad request", status: http.StatusBadRequest, want: services.ErrPermanent, calls: 1},
		{name: "unauthorized", status: http.StatusUnauthorized, want: services.ErrPermanent, calls: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			_, err := newClient(t, server.URL).CompleteJSON(context.Background(), "sys", "user")
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if calls.Load() != tt.calls {
				t.Fatalf("expected %d calls, got %d", tt.calls, calls.Load())
			}
		})
	}
}

func TestCompleteJSONRequiresAPIKey(t *testing.T) {
	client := classifier.NewClient(config.Classifier{BaseURL: "http://127.0.0.1:1"})
	if _, err := client.CompleteJSON(context.Background(), "sys", "user"); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestDecodeJSONToleratesFences(t *testing.T) {
	tests := []string{
		`{"verdict":"likely"}`,
		"```json\n{\"verdict\":\"likely\"}\n```",
		"Here you go: {\"verdict\":\"likely\"} hope that helps",
	}
	for _, raw := range tests {
		var out struct {
			Verdict string `json:"verdict"`
		}
		if err := classifier.DecodeJSON(raw, &out); err != nil {
			t.Fatalf("DecodeJSON(%q): %v", raw, err)
		}
		if out.Verdict != "likely" {
			t.Fatalf("DecodeJSON(%q) = %q", raw, out.Verdict)
		}
	}
	var out map[string]any
	if err := classifier.DecodeJSON("no json here", &out); err == nil {
		t.Fatal("expected error for prose payload")
	}
}

type stubCompleter struct {
	response   string
	err        error
	userPrompt string
}

func (s *stubCompleter) CompleteJSON(_ context.Context, _, user string) (string, error) {
	s.userPrompt = user
	return s.response, s.err
}

func TestClassifyParsesVerdict(t *testing.T) {
	stub := &stubCompleter{response: `{"verdict":"Confirmed","confidence":1.4,"severity":72,"reason":" full download "}`}
	result, err := classifier.NewLLMClassifier(stub).Classify(context.Background(), classifier.Input{
		ProductName:       "Course",
		URL:               "https://files.example/course.zip",
		Category:          "file_host",
		ConfidenceContext: "file host detections are 40% accurate",
	})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if result.Label != classifier.LabelConfirmed || result.Confidence != 1 || result.Severity != 72 || result.Reason != "full download" {
		t.Fatalf("unexpected result %+v", result)
	}
	if !result.Infringing() {
		t.Fatal("confirmed result should be infringing")
	}
	for _, want := range []string{"Product: Course", "URL: https://files.example/course.zip", "Detection category: file_host", "40% accurate"} {
		if !strings.Contains(stub.userPrompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, stub.userPrompt)
		}
	}
}

func TestClassifyRejectsUnknownVerdict(t *testing.T) {
	stub := &stubCompleter{response: `{"verdict":"maybe"}`}
	_, err := classifier.NewLLMClassifier(stub).Classify(context.Background(), classifier.Input{URL: "https://a.example"})
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestClassifyRequiresURL(t *testing.T) {
	_, err := classifier.NewLLMClassifier(&stubCompleter{}).Classify(context.Background(), classifier.Input{})
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
