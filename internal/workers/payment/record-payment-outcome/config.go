// internal/workers/payment/record-payment-outcome/config.go
package recordpaymentoutcome

import "time"

type Config struct {
	Timeout time.Duration
}

func LoadConfig() *Config {
	return &Config{
		Timeout: 30 * time.Second,
	}
}
