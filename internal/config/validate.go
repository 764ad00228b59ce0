package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateServer(); err != nil {
		return err
	}
	if err := c.validateQueue(); err != nil {
		return err
	}
	if err := c.validateDeadlines(); err != nil {
		return err
	}
	if err := c.validatePrecision(); err != nil {
		return err
	}
	if err := c.validateEmail(); err != nil {
		return err
	}
	if err := c.validateClassifier(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateServer() error {
	if c.Server.TenantRequestsPerMinute <= 0 {
		return errors.New("server.tenant_requests_per_minute must be positive")
	}
	if c.Server.TenantBurst <= 0 {
		return errors.New("server.tenant_burst must be positive")
	}
	return nil
}

func (c *Config) validateQueue() error {
	q := c.Queue
	if q.MaxAttempts < 1 {
		return errors.New("queue.max_attempts must be at least 1")
	}
	if q.BackoffBaseSeconds <= 0 {
		return errors.New("queue.backoff_base_seconds must be positive")
	}
	if q.BackoffMaxSeconds < q.BackoffBaseSeconds {
		return fmt.Errorf("queue.backoff_max_seconds (%d) must be >= queue.backoff_base_seconds (%d)", q.BackoffMaxSeconds, q.BackoffBaseSeconds)
	}
	if q.StaleProcessingSeconds <= q.DispatchTimeoutSeconds {
		return errors.New("queue.stale_processing_seconds must exceed queue.dispatch_timeout_seconds")
	}
	if q.DispatchConcurrency < 1 {
		return errors.New("queue.dispatch_concurrency must be at least 1")
	}
	if q.DispatchTimeoutSeconds <= 0 {
		return errors.New("queue.dispatch_timeout_seconds must be positive")
	}
	if q.CycleLimit < 1 {
		return errors.New("queue.cycle_limit must be at least 1")
	}
	return nil
}

func (c *Config) validateDeadlines() error {
	windows := map[string]int{
		"deadlines.platform_days":                c.Deadlines.PlatformDays,
		"deadlines.hosting_days":                 c.Deadlines.HostingDays,
		"deadlines.registrar_days":               c.Deadlines.RegistrarDays,
		"deadlines.search_engine_days":           c.Deadlines.SearchEngineDays,
		"deadlines.active_without_takedown_days": c.Deadlines.ActiveWithoutTakedownDays,
		"deadlines.manual_awaiting_days":         c.Deadlines.ManualAwaitingDays,
		"deadlines.review_stale_hours":           c.Deadlines.ReviewStaleHours,
	}
	for key, value := range windows {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}

func (c *Config) validatePrecision() error {
	if c.Precision.MinSample < 1 {
		return errors.New("precision.min_sample must be at least 1")
	}
	if c.Precision.RankingMinSample < 1 {
		return errors.New("precision.ranking_min_sample must be at least 1")
	}
	if c.Precision.RankingLimit < 0 {
		return errors.New("precision.ranking_limit must be >= 0")
	}
	return nil
}

func (c *Config) validateEmail() error {
	if c.Email.SendGridAPIKey != "" && !strings.Contains(c.Email.FromAddress, "@") {
		return errors.New("email.from_address must be a valid address when email.sendgrid_api_key is set")
	}
	if c.Email.SendsPerSecond <= 0 {
		return errors.New("email.sends_per_second must be positive")
	}
	if c.Email.Burst < 1 {
		return errors.New("email.burst must be at least 1")
	}
	return nil
}

func (c *Config) validateClassifier() error {
	if c.Classifier.Enabled && c.Classifier.APIKey == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			defaultPath = defaultConfigPath
		}
		return fmt.Errorf("classifier.api_key is required when classifier.enabled is true. Set LLM_API_KEY env var or edit %s (create with 'enforcer config init')", defaultPath)
	}
	return nil
}
