package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
		},
		NLU: NLUConfig{
			BaseURL:        "http://localhost:5005",
			TimeoutSeconds: 120,
			MaxRetries:     1,
		},
		Store: StoreConfig{
			Backend:        "http",
			BaseURL:        "http://localhost:5050",
			DBPath:         "~/.deskchat/sessions.db",
			TimeoutSeconds: 30,
			Retry: RetryConfig{
				MaxRetries:  3,
				BaseDelayMs: 1000,
			},
		},
		Waiting: WaitingConfig{
			DelayMs:    20000,
			IntervalMs: 10000,
		},
		Notify: NotifyConfig{
			Enabled:       false,
			Exchange:      "deskchat.events",
			RetryAttempts: 5,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9464",
		},
	}
}
