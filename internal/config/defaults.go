package config

// Defaults returns the baseline configuration. Load overlays the config
// file on top of these values.
func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			BotName:  "relaybot",
			LogLevel: "info",
		},
		Upstream: UpstreamConfig{
			URL:                  "ws://localhost:8765/stream",
			ReconnectBaseMs:      1000,
			MaxReconnectAttempts: 5,
		},
		Relay: RelayConfig{
			FlushIntervalMs: 500,
			MaxChunkLen:     3000,
			QueueSize:       32,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9091,
		},
	}
}
