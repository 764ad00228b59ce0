package preflight

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/mail"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"enforcer/internal/classifier"
	"enforcer/internal/config"
	"enforcer/internal/targets"
)

// CheckClassifier verifies that the classification API is reachable and the
// key is valid. It uses a 30-second timeout and a single attempt.
func CheckClassifier(ctx context.Context, cfg config.Classifier) Result {
	const name = "Classifier LLM"
	if cfg.APIKey == "" {
		return Result{Name: name, Detail: "API key missing"}
	}

	checkCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	client := classifier.NewClient(cfg, classifier.WithRetry(1, 0, 0))
	if err := client.HealthCheck(checkCtx); err != nil {
		return Result{Name: name, Detail: summarizeClassifierError(err)}
	}
	return Result{Name: name, Passed: true, Detail: "API reachable"}
}

// CheckEmail verifies that direct email delivery has both a key and a
// parseable sender address.
func CheckEmail(cfg config.Email) Result {
	const name = "SendGrid email"
	if cfg.SendGridAPIKey == "" {
		return Result{Name: name, Detail: "missing api key"}
	}
	if cfg.FromAddress == "" {
		return Result{Name: name, Detail: "missing from address"}
	}
	if _, err := mail.ParseAddress(cfg.FromAddress); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("invalid from address %q", cfg.FromAddress)}
	}
	return Result{Name: name, Passed: true, Detail: "Configured (" + cfg.FromAddress + ")"}
}

// CheckTargets verifies that the provider directory loads and lists at
// least one provider.
func CheckTargets(path string) Result {
	const name = "Provider directory"
	dir, err := targets.Load(path)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: %v)", path, err)}
	}
	count := len(dir.Providers())
	if count == 0 {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: no providers)", path)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (%d providers)", path, count)}
}

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// summarizeClassifierError produces a human-readable summary for health check failures.
func summarizeClassifierError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "health check timed out (classifier API unresponsive)"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "health check timed out (classifier API unreachable)"
	}
	return err.Error()
}
