// internal/workers/refund/reconcile-refunds/config.go
package reconcilerefunds

import "time"

type Config struct {
	Timeout time.Duration
}

func LoadConfig() *Config {
	return &Config{
		Timeout: 5 * time.Minute,
	}
}
