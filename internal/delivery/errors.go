package delivery

import (
	"fmt"
	"net/http"
	"strings"

	"enforcer/internal/services"
)

// ClassifyStatus maps a provider HTTP status to a delivery error. 2xx is
// success. 408, 429 and 5xx are transient; every other 4xx is permanent.
func ClassifyStatus(status int, body string) error {
	if status >= 200 && status < 300 {
		return nil
	}
	detail := fmt.Sprintf("provider returned %d", status)
	if trimmed := strings.TrimSpace(body); trimmed != "" {
		if len(trimmed) > 512 {
			trimmed = trimmed[:512]
		}
		detail += ": " + trimmed
	}
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return services.Wrap(services.ErrTransient, "delivery", "provider response", detail, nil)
	case status >= 400:
		return services.Wrap(services.ErrPermanent, "delivery", "provider response", detail, nil)
	default:
		return services.Wrap(services.ErrTransient, "delivery", "provider response", detail, nil)
	}
}
