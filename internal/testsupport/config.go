package testsupport

import (
	"path/filepath"
	"testing"

	"enforcer/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.DataDir = filepath.Join(base, "data")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Server.Bind = "127.0.0.1:0"
	cfgVal.Server.SchedulerSecret = "test-secret"
	cfgVal.Targets.DirectoryPath = filepath.Join(base, "targets.yaml")

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithSchedulerSecret sets the shared secret required by internal triggers.
func WithSchedulerSecret(secret string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Server.SchedulerSecret = secret
	}
}

// WithEmail enables direct email delivery against the given API base URL.
func WithEmail(baseURL string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Email.SendGridAPIKey = "SG.test"
		b.cfg.Email.BaseURL = baseURL
		b.cfg.Email.FromAddress = "notices@example.com"
		b.cfg.Email.SendsPerSecond = 1000
		b.cfg.Email.Burst = 1000
	}
}

// WithQueue overrides queue attempt and backoff bounds.
func WithQueue(maxAttempts, backoffBaseSeconds, backoffMaxSeconds int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Queue.MaxAttempts = maxAttempts
		b.cfg.Queue.BackoffBaseSeconds = backoffBaseSeconds
		b.cfg.Queue.BackoffMaxSeconds = backoffMaxSeconds
	}
}

// WithAutoEscalate toggles automatic execution of escalation suggestions.
func WithAutoEscalate(enabled bool) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Deadlines.AutoEscalate = enabled
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.DataDir)
}
