package config

import "gmatbot/internal/objstore"

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			Stand:    StandDev,
			LogLevel: "info",
		},
		Telegram: TelegramConfig{
			ParseMode:      "HTML",
			SendsPerSecond: 25,
		},
		Storage: StorageConfig{
			Endpoint: objstore.DefaultEndpoint,
			Region:   objstore.DefaultRegion,
		},
		EventLog: EventLogConfig{
			Shards:                4,
			QueueSize:             256,
			MaxAttempts:           3,
			AttemptTimeoutSeconds: 10,
			BackoffMillis:         500,
			DrainTimeoutSeconds:   15,
		},
		Notify: NotifyConfig{
			SendTimeoutSeconds: 15,
		},
		Database: DatabaseConfig{
			Path: "~/.gmatbot/bot.db",
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Addr:     "127.0.0.1:9100",
			Endpoint: "/metrics",
		},
	}
}
