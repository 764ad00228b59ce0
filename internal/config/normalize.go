package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeServer()
	c.normalizeEmail()
	c.normalizeClassifier()
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	if c.Notifications.RequestTimeout <= 0 {
		c.Notifications.RequestTimeout = defaultNotifyRequestTimeout
	}
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if c.Targets.DirectoryPath, err = expandPath(strings.TrimSpace(c.Targets.DirectoryPath)); err != nil {
		return fmt.Errorf("targets.directory_path: %w", err)
	}
	return nil
}

func (c *Config) normalizeServer() {
	c.Server.Bind = strings.TrimSpace(c.Server.Bind)
	if c.Server.Bind == "" {
		c.Server.Bind = defaultBind
	}
	c.Server.SchedulerSecret = strings.TrimSpace(c.Server.SchedulerSecret)
	if c.Server.SchedulerSecret == "" {
		if value, ok := os.LookupEnv("ENFORCER_SCHEDULER_SECRET"); ok {
			c.Server.SchedulerSecret = strings.TrimSpace(value)
		}
	}
}

func (c *Config) normalizeEmail() {
	c.Email.SendGridAPIKey = strings.TrimSpace(c.Email.SendGridAPIKey)
	if c.Email.SendGridAPIKey == "" {
		if value, ok := os.LookupEnv("SENDGRID_API_KEY"); ok {
			c.Email.SendGridAPIKey = strings.TrimSpace(value)
		}
	}
	c.Email.BaseURL = strings.TrimRight(strings.TrimSpace(c.Email.BaseURL), "/")
	if c.Email.BaseURL == "" {
		c.Email.BaseURL = defaultSendGridBaseURL
	}
	c.Email.FromAddress = strings.TrimSpace(c.Email.FromAddress)
	c.Email.FromName = strings.TrimSpace(c.Email.FromName)
	if c.Email.FromName == "" {
		c.Email.FromName = defaultFromName
	}
}

func (c *Config) normalizeClassifier() {
	c.Classifier.BaseURL = strings.TrimSpace(c.Classifier.BaseURL)
	if c.Classifier.BaseURL == "" {
		c.Classifier.BaseURL = defaultClassifierBaseURL
	}
	c.Classifier.Model = strings.TrimSpace(c.Classifier.Model)
	if c.Classifier.Model == "" {
		c.Classifier.Model = defaultClassifierModel
	}
	c.Classifier.Referer = strings.TrimSpace(c.Classifier.Referer)
	c.Classifier.Title = strings.TrimSpace(c.Classifier.Title)
	if c.Classifier.Title == "" {
		c.Classifier.Title = defaultClassifierTitle
	}
	if c.Classifier.TimeoutSeconds <= 0 {
		c.Classifier.TimeoutSeconds = defaultClassifierTimeout
	}
	c.Classifier.APIKey = strings.TrimSpace(c.Classifier.APIKey)
	if c.Classifier.APIKey == "" {
		if value, ok := os.LookupEnv("LLM_API_KEY"); ok {
			c.Classifier.APIKey = strings.TrimSpace(value)
		} else if value, ok := os.LookupEnv("OPENROUTER_API_KEY"); ok {
			c.Classifier.APIKey = strings.TrimSpace(value)
		}
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
