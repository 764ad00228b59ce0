package notifications_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"enforcer/internal/config"
	"enforcer/internal/notifications"
)

func TestNewServiceReturnsNoopWhenTopicMissing(t *testing.T) {
	cfg := config.Default()
	cfg.Notifications.NtfyTopic = ""
	svc := notifications.NewService(&cfg)
	if err := svc.Publish(context.Background(), notifications.EventQueueItemFailed, notifications.Payload{"target": "Example"}); err != nil {
		t.Fatalf("expected noop notifier to return nil, got %v", err)
	}
}

func TestNtfyServiceFormatsPayloads(t *testing.T) {
	tests := []struct {
		name           string
		event          notifications.Event
		payload        notifications.Payload
		expectTitle    string
		expectMessage  string
		expectTags     string
		expectPriority string
	}{
		{
			name:  "queue item failed",
			event: notifications.EventQueueItemFailed,
			payload: notifications.Payload{
				"target":   "Example Hosting",
				"attempts": 3,
				"error":    "provider returned 503",
			},
			expectTitle:    "Enforcer - Takedown Failed",
			expectMessage:  "Takedown to Example Hosting failed after 3 attempts\nprovider returned 503",
			expectTags:     "enforcer,queue,failed",
			expectPriority: "high",
		},
		{
			name:  "manual action",
			event: notifications.EventManualActionNeeded,
			payload: notifications.Payload{
				"instructions": "Submit the form at https://host.example/dmca",
			},
			expectTitle:   "Enforcer - Manual Submission Needed",
			expectMessage: "Submit the form at https://host.example/dmca",
			expectTags:    "enforcer,queue,manual",
		},
		{
			name:          "overdue takedowns",
			event:         notifications.EventTakedownsOverdue,
			payload:       notifications.Payload{"count": int64(2)},
			expectTitle:   "Enforcer - Takedowns Overdue",
			expectMessage: "2 takedown notices passed their response deadline",
			expectTags:    "enforcer,deadline,overdue",
		},
		{
			name:  "escalation",
			event: notifications.EventEscalationSuggested,
			payload: notifications.Payload{
				"url":           "https://files.example.com/a",
				"currentTier":   "platform",
				"suggestedTier": "hosting",
			},
			expectTitle:   "Enforcer - Escalation Suggested",
			expectMessage: "Escalate https://files.example.com/a from platform to hosting",
			expectTags:    "enforcer,deadline,escalation",
		},
		{
			name:          "review backlog",
			event:         notifications.EventReviewBacklog,
			payload:       notifications.Payload{"count": 4},
			expectTitle:   "Enforcer - Review Backlog",
			expectMessage: "4 detections have waited too long for verification",
			expectTags:    "enforcer,review,backlog",
		},
		{
			name:          "cycle with failures",
			event:         notifications.EventCycleCompleted,
			payload:       notifications.Payload{"sent": 5, "failed": 1, "retried": 2},
			expectTitle:   "Enforcer - Queue Cycle (with errors)",
			expectMessage: "Queue cycle complete: 5 sent, 1 failed, 2 retrying",
			expectTags:    "enforcer,queue,cycle",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var captured struct {
				title    string
				tags     string
				priority string
				body     string
			}

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost {
					t.Errorf("unexpected method: %s", r.Method)
				}
				captured.title = r.Header.Get("Title")
				captured.tags = r.Header.Get("Tags")
				captured.priority = r.Header.Get("Priority")
				body, err := io.ReadAll(r.Body)
				if err != nil {
					t.Errorf("read body: %v", err)
				}
				captured.body = string(body)
				_ = r.Body.Close()
				w.WriteHeader(http.StatusOK)
			}))
			defer server.Close()

			cfg := config.Default()
			cfg.Notifications.NtfyTopic = server.URL
			cfg.Notifications.RequestTimeout = 5

			svc := notifications.NewService(&cfg)
			if err := svc.Publish(context.Background(), tc.event, tc.payload); err != nil {
				t.Fatalf("notification returned error: %v", err)
			}

			if captured.title != tc.expectTitle {
				t.Fatalf("expected title %q, got %q", tc.expectTitle, captured.title)
			}
			if captured.body != tc.expectMessage {
				t.Fatalf("expected message %q, got %q", tc.expectMessage, captured.body)
			}
			if captured.tags != tc.expectTags {
				t.Fatalf("expected tags %q, got %q", tc.expectTags, captured.tags)
			}
			if captured.priority != tc.expectPriority {
				t.Fatalf("expected priority %q, got %q", tc.expectPriority, captured.priority)
			}
		})
	}
}

func TestNtfyServiceIgnoresSuppressedEvents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected call for suppressed event: %s", r.Header.Get("Title"))
	}))
	defer server.Close()

	cfg := config.Default()
	cfg.Notifications.NtfyTopic = server.URL
	cfg.Notifications.Escalations = false

	svc := notifications.NewService(&cfg)
	cases := []struct {
		event   notifications.Event
		payload notifications.Payload
	}{
		{notifications.EventEscalationSuggested, notifications.Payload{"url": "https://x.example"}},
		{notifications.EventTakedownsOverdue, notifications.Payload{"count": 3}},
		{notifications.EventCycleCompleted, notifications.Payload{"sent": 4, "failed": 0}},
		{notifications.EventReviewBacklog, notifications.Payload{"count": 0}},
		{notifications.Event("unknown"), notifications.Payload{"value": "ignored"}},
	}

	for _, tc := range cases {
		if err := svc.Publish(context.Background(), tc.event, tc.payload); err != nil {
			t.Fatalf("expected no error for suppressed event %s, got %v", tc.event, err)
		}
	}
}

func TestNtfyServiceReportsServerErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer server.Close()

	cfg := config.Default()
	cfg.Notifications.NtfyTopic = server.URL
	svc := notifications.NewService(&cfg)
	if err := svc.Publish(context.Background(), notifications.EventTest, nil); err == nil {
		t.Fatal("expected error for 500 response")
	}
}
