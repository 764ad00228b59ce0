package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	DataDir string `toml:"data_dir"`
	LogDir  string `toml:"log_dir"`
}

// Server contains HTTP front-end settings.
type Server struct {
	Bind                    string `toml:"bind"`
	SchedulerSecret         string `toml:"scheduler_secret"`
	TenantRequestsPerMinute int    `toml:"tenant_requests_per_minute"`
	TenantBurst             int    `toml:"tenant_burst"`
}

// Queue contains send queue processing settings.
type Queue struct {
	MaxAttempts            int `toml:"max_attempts"`
	BackoffBaseSeconds     int `toml:"backoff_base_seconds"`
	BackoffMaxSeconds      int `toml:"backoff_max_seconds"`
	StaleProcessingSeconds int `toml:"stale_processing_seconds"`
	DispatchConcurrency    int `toml:"dispatch_concurrency"`
	DispatchTimeoutSeconds int `toml:"dispatch_timeout_seconds"`
	CycleLimit             int `toml:"cycle_limit"`
}

// BackoffBase returns the first retry delay.
func (q Queue) BackoffBase() time.Duration {
	return time.Duration(q.BackoffBaseSeconds) * time.Second
}

// BackoffMax returns the retry delay cap.
func (q Queue) BackoffMax() time.Duration {
	return time.Duration(q.BackoffMaxSeconds) * time.Second
}

// StaleProcessing returns how long a claimed item may sit before reclaim.
func (q Queue) StaleProcessing() time.Duration {
	return time.Duration(q.StaleProcessingSeconds) * time.Second
}

// DispatchTimeout bounds a single delivery call.
func (q Queue) DispatchTimeout() time.Duration {
	return time.Duration(q.DispatchTimeoutSeconds) * time.Second
}

// Deadlines contains response windows and escalation gates.
type Deadlines struct {
	PlatformDays              int  `toml:"platform_days"`
	HostingDays               int  `toml:"hosting_days"`
	RegistrarDays             int  `toml:"registrar_days"`
	SearchEngineDays          int  `toml:"search_engine_days"`
	ActiveWithoutTakedownDays int  `toml:"active_without_takedown_days"`
	ManualAwaitingDays        int  `toml:"manual_awaiting_days"`
	ReviewStaleHours          int  `toml:"review_stale_hours"`
	AutoEscalate              bool `toml:"auto_escalate"`
	AutoReopenOnRelist        bool `toml:"auto_reopen_on_relist"`
}

// ReviewStale returns the age after which unverified detections are flagged.
func (d Deadlines) ReviewStale() time.Duration {
	return time.Duration(d.ReviewStaleHours) * time.Hour
}

// Precision contains sample thresholds for the precision engine.
type Precision struct {
	MinSample        int `toml:"min_sample"`
	RankingMinSample int `toml:"ranking_min_sample"`
	RankingLimit     int `toml:"ranking_limit"`
}

// Email contains transactional email settings for direct notices.
type Email struct {
	SendGridAPIKey string  `toml:"sendgrid_api_key"`
	BaseURL        string  `toml:"base_url"`
	FromAddress    string  `toml:"from_address"`
	FromName       string  `toml:"from_name"`
	SendsPerSecond float64 `toml:"sends_per_second"`
	Burst          int     `toml:"burst"`
}

// Enabled reports whether direct email delivery is configured.
func (e Email) Enabled() bool {
	return e.SendGridAPIKey != "" && e.FromAddress != ""
}

// Classifier contains LLM classification connection settings.
type Classifier struct {
	Enabled        bool   `toml:"enabled"`
	APIKey         string `toml:"api_key"`
	BaseURL        string `toml:"base_url"`
	Model          string `toml:"model"`
	Referer        string `toml:"referer"`
	Title          string `toml:"title"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	Escalations    bool   `toml:"escalations"`
	QueueFailures  bool   `toml:"queue_failures"`
	ReviewBacklog  bool   `toml:"review_backlog"`
}

// Targets points at the enforcement provider directory.
type Targets struct {
	DirectoryPath string `toml:"directory_path"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for enforcer.
//
// Configuration sections by subsystem:
//   - Paths: data and log directories
//   - Server: HTTP bind, scheduler secret and tenant rate limits
//   - Queue: send queue attempts, backoff and dispatch bounds
//   - Deadlines: response windows and escalation gates
//   - Precision: sample thresholds for category precision
//   - Email: SendGrid delivery settings
//   - Classifier: LLM classification settings
//   - Notifications: ntfy push notification settings
//   - Targets: provider directory location
//   - Logging: log format and level
type Config struct {
	Paths         Paths         `toml:"paths"`
	Server        Server        `toml:"server"`
	Queue         Queue         `toml:"queue"`
	Deadlines     Deadlines     `toml:"deadlines"`
	Precision     Precision     `toml:"precision"`
	Email         Email         `toml:"email"`
	Classifier    Classifier    `toml:"classifier"`
	Notifications Notifications `toml:"notifications"`
	Targets       Targets       `toml:"targets"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("enforcer.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// DatabasePath returns the SQLite file backing the enforcement store.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.DataDir, "enforcer.db")
}

// LockPath returns the lock file guarding a data directory's HTTP front-end.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.DataDir, "enforcer.lock")
}

// EnsureDirectories creates the data and log directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
