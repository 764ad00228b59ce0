package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"enforcer/internal/config"
)

const userAgent = "Enforcer-Go/0.1.0"

// Event names a notification-worthy enforcement occurrence.
type Event string

const (
	EventQueueItemFailed     Event = "queue_item_failed"
	EventManualActionNeeded  Event = "manual_action_needed"
	EventCycleCompleted      Event = "cycle_completed"
	EventTakedownsOverdue    Event = "takedowns_overdue"
	EventEscalationSuggested Event = "escalation_suggested"
	EventReviewBacklog       Event = "review_backlog"
	EventScanCompleted       Event = "scan_completed"
	EventTest                Event = "test"
)

// Payload carries event fields used to render the message.
type Payload map[string]any

// Service defines the notification surface exposed to enforcement components.
type Service interface {
	Publish(ctx context.Context, event Event, payload Payload) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	if cfg == nil {
		return noopService{}
	}
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
		enabled: map[Event]bool{
			EventQueueItemFailed:     cfg.Notifications.QueueFailures,
			EventManualActionNeeded:  cfg.Notifications.QueueFailures,
			EventCycleCompleted:      cfg.Notifications.QueueFailures,
			EventTakedownsOverdue:    cfg.Notifications.Escalations,
			EventEscalationSuggested: cfg.Notifications.Escalations,
			EventReviewBacklog:       cfg.Notifications.ReviewBacklog,
			EventScanCompleted:       true,
			EventTest:                true,
		},
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
	enabled  map[Event]bool
}

func (n *ntfyService) Publish(ctx context.Context, event Event, data Payload) error {
	if n == nil || !n.enabled[event] {
		return nil
	}
	message, ok := render(event, data)
	if !ok {
		return nil
	}
	return n.send(ctx, message)
}

func render(event Event, data Payload) (payload, bool) {
	switch event {
	case EventQueueItemFailed:
		message := fmt.Sprintf("Takedown to %s failed after %d attempts", stringValue(data, "target"), intValue(data, "attempts"))
		if reason := stringValue(data, "error"); reason != "" {
			message += "\n" + reason
		}
		return payload{
			title:    "Enforcer - Takedown Failed",
			message:  message,
			tags:     []string{"enforcer", "queue", "failed"},
			priority: "high",
		}, true
	case EventManualActionNeeded:
		return payload{
			title:   "Enforcer - Manual Submission Needed",
			message: stringValue(data, "instructions"),
			tags:    []string{"enforcer", "queue", "manual"},
		}, true
	case EventCycleCompleted:
		failed := intValue(data, "failed")
		if failed == 0 {
			return payload{}, false
		}
		return payload{
			title: "Enforcer - Queue Cycle (with errors)",
			message: fmt.Sprintf("Queue cycle complete: %d sent, %d failed, %d retrying",
				intValue(data, "sent"), failed, intValue(data, "retried")),
			tags: []string{"enforcer", "queue", "cycle"},
		}, true
	case EventTakedownsOverdue:
		count := intValue(data, "count")
		if count == 0 {
			return payload{}, false
		}
		return payload{
			title:   "Enforcer - Takedowns Overdue",
			message: fmt.Sprintf("%d takedown notices passed their response deadline", count),
			tags:    []string{"enforcer", "deadline", "overdue"},
		}, true
	case EventEscalationSuggested:
		return payload{
			title: "Enforcer - Escalation Suggested",
			message: fmt.Sprintf("Escalate %s from %s to %s",
				stringValue(data, "url"), stringValue(data, "currentTier"), stringValue(data, "suggestedTier")),
			tags: []string{"enforcer", "deadline", "escalation"},
		}, true
	case EventReviewBacklog:
		count := intValue(data, "count")
		if count == 0 {
			return payload{}, false
		}
		return payload{
			title:   "Enforcer - Review Backlog",
			message: fmt.Sprintf("%d detections have waited too long for verification", count),
			tags:    []string{"enforcer", "review", "backlog"},
		}, true
	case EventScanCompleted:
		newCount := intValue(data, "new")
		if newCount == 0 {
			return payload{}, false
		}
		return payload{
			title:   "Enforcer - New Detections",
			message: fmt.Sprintf("Scan %s found %d new infringements", stringValue(data, "scan"), newCount),
			tags:    []string{"enforcer", "scan", "new"},
		}, true
	case EventTest:
		return payload{
			title:    "Enforcer - Test",
			message:  "Notification system test",
			tags:     []string{"enforcer", "test"},
			priority: "low",
		}, true
	default:
		return payload{}, false
	}
}

func stringValue(data Payload, key string) string {
	if data == nil {
		return ""
	}
	switch v := data[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case fmt.Stringer:
		return strings.TrimSpace(v.String())
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func intValue(data Payload, key string) int {
	if data == nil {
		return 0
	}
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) Publish(context.Context, Event, Payload) error { return nil }
