package config

const (
	defaultConfigPath              = "~/.config/enforcer/config.toml"
	defaultDataDir                 = "~/.local/share/enforcer"
	defaultLogDir                  = "~/.local/share/enforcer/logs"
	defaultBind                    = "127.0.0.1:8087"
	defaultTenantRequestsPerMinute = 120
	defaultTenantBurst             = 20
	defaultMaxAttempts             = 3
	defaultBackoffBaseSeconds      = 300
	defaultBackoffMaxSeconds       = 6 * 60 * 60
	defaultStaleProcessingSeconds  = 15 * 60
	defaultDispatchConcurrency     = 4
	defaultDispatchTimeoutSeconds  = 30
	defaultCycleLimit              = 25
	defaultPlatformDays            = 7
	defaultHostingDays             = 10
	defaultRegistrarDays           = 14
	defaultSearchEngineDays        = 21
	defaultActiveWithoutTakedown   = 14
	defaultManualAwaitingDays      = 3
	defaultReviewStaleHours        = 72
	defaultMinSample               = 3
	defaultRankingMinSample        = 5
	defaultRankingLimit            = 3
	defaultSendGridBaseURL         = "https://api.sendgrid.com"
	defaultFromName                = "Copyright Enforcement"
	defaultSendsPerSecond          = 2
	defaultSendBurst               = 5
	defaultClassifierBaseURL       = "https://openrouter.ai/api/v1/chat/completions"
	defaultClassifierModel         = "google/gemini-3-flash-preview"
	defaultClassifierTitle         = "Enforcer Classifier"
	defaultClassifierTimeout       = 60
	defaultNotifyRequestTimeout    = 10
	defaultTargetsPath             = "~/.config/enforcer/targets.yaml"
	defaultLogFormat               = "console"
	defaultLogLevel                = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
			LogDir:  defaultLogDir,
		},
		Server: Server{
			Bind:                    defaultBind,
			TenantRequestsPerMinute: defaultTenantRequestsPerMinute,
			TenantBurst:             defaultTenantBurst,
		},
		Queue: Queue{
			MaxAttempts:            defaultMaxAttempts,
			BackoffBaseSeconds:     defaultBackoffBaseSeconds,
			BackoffMaxSeconds:      defaultBackoffMaxSeconds,
			StaleProcessingSeconds: defaultStaleProcessingSeconds,
			DispatchConcurrency:    defaultDispatchConcurrency,
			DispatchTimeoutSeconds: defaultDispatchTimeoutSeconds,
			CycleLimit:             defaultCycleLimit,
		},
		Deadlines: Deadlines{
			PlatformDays:              defaultPlatformDays,
			HostingDays:               defaultHostingDays,
			RegistrarDays:             defaultRegistrarDays,
			SearchEngineDays:          defaultSearchEngineDays,
			ActiveWithoutTakedownDays: defaultActiveWithoutTakedown,
			ManualAwaitingDays:        defaultManualAwaitingDays,
			ReviewStaleHours:          defaultReviewStaleHours,
		},
		Precision: Precision{
			MinSample:        defaultMinSample,
			RankingMinSample: defaultRankingMinSample,
			RankingLimit:     defaultRankingLimit,
		},
		Email: Email{
			BaseURL:        defaultSendGridBaseURL,
			FromName:       defaultFromName,
			SendsPerSecond: defaultSendsPerSecond,
			Burst:          defaultSendBurst,
		},
		Classifier: Classifier{
			BaseURL:        defaultClassifierBaseURL,
			Model:          defaultClassifierModel,
			Title:          defaultClassifierTitle,
			TimeoutSeconds: defaultClassifierTimeout,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyRequestTimeout,
			Escalations:    true,
			QueueFailures:  true,
			ReviewBacklog:  true,
		},
		Targets: Targets{
			DirectoryPath: defaultTargetsPath,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
