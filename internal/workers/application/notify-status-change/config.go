// internal/workers/application/notify-status-change/config.go
package notifystatuschange

import "time"

type Config struct {
	// Enabled false completes jobs without publishing.
	Enabled bool
	Timeout time.Duration
}

func LoadConfig() *Config {
	return &Config{
		Enabled: true,
		Timeout: 10 * time.Second,
	}
}
