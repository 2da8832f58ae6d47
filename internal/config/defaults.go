package config

const (
	defaultDataDir             = "~/.local/share/roadwatch/data"
	defaultLogDir              = "~/.local/share/roadwatch/logs"
	defaultAPIBind             = "127.0.0.1:7506"
	defaultInferenceBaseURL    = "http://127.0.0.1:5000"
	defaultPrepareTimeout      = 10
	defaultHandshakeTimeout    = 15
	defaultPollInterval        = 2
	defaultPollTimeout         = 5
	defaultPollRetryLimit      = 5
	defaultReportTimeout       = 60
	defaultRetentionHours      = 24
	defaultStaleTimeoutMinutes = 10
	defaultGCIntervalSeconds   = 60
	defaultHubCapacity         = 512
	defaultSubscriberQueue     = 64
	defaultNotifyTimeout       = 10
	defaultLogFormat           = "console"
	defaultLogLevel            = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
			LogDir:  defaultLogDir,
			APIBind: defaultAPIBind,
		},
		Inference: Inference{
			BaseURL:          defaultInferenceBaseURL,
			PrepareTimeout:   defaultPrepareTimeout,
			HandshakeTimeout: defaultHandshakeTimeout,
			PollInterval:     defaultPollInterval,
			PollTimeout:      defaultPollTimeout,
			PollRetryLimit:   defaultPollRetryLimit,
		},
		Reports: Reports{
			TimeoutSeconds: defaultReportTimeout,
		},
		Sessions: Sessions{
			RetentionHours:      defaultRetentionHours,
			StaleTimeoutMinutes: defaultStaleTimeoutMinutes,
			GCIntervalSeconds:   defaultGCIntervalSeconds,
		},
		Incidents: Incidents{
			HubCapacity:     defaultHubCapacity,
			SubscriberQueue: defaultSubscriberQueue,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyTimeout,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
