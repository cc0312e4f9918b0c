// pkg/registry/schema.go
package registry

import (
	"fmt"
	"time"
)

// Categories group the lifecycle activities by the record they act on.
const (
	CategoryPayment     = "payment"
	CategoryRefund      = "refund"
	CategoryApplication = "application"
)

// ActivityRegistry describes every job type the lifecycle manager serves.
type ActivityRegistry struct {
	Version     string     `json:"version"`
	LastUpdated string     `json:"lastUpdated"`
	Activities  []Activity `json:"activities"`
}

// Activity is one Zeebe job type with the contract its workflows rely on.
type Activity struct {
	ID                   string                 `json:"id"`
	DisplayName          string                 `json:"displayName"`
	Description          string                 `json:"description"`
	Category             string                 `json:"category"`
	Version              string                 `json:"version"`
	TaskType             string                 `json:"taskType"`
	ImplementationStatus string                 `json:"implementationStatus"`
	InputSchema          map[string]interface{} `json:"inputSchema"`
	OutputSchema         map[string]interface{} `json:"outputSchema"`
	ErrorCodes           []string               `json:"errorCodes"`
	Timeout              string                 `json:"timeout"`
	Retries              int                    `json:"retries"`
	Workflows            []string               `json:"workflows"`
	Tags                 []string               `json:"tags"`
}

// JobTimeout parses Timeout. An empty value means the worker default.
func (a *Activity) JobTimeout() (time.Duration, error) {
	if a.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(a.Timeout)
	if err != nil {
		return 0, fmt.Errorf("activity %s: bad timeout %q: %w", a.ID, a.Timeout, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("activity %s: timeout must be positive", a.ID)
	}
	return d, nil
}

func knownCategory(c string) bool {
	switch c {
	case CategoryPayment, CategoryRefund, CategoryApplication:
		return true
	}
	return false
}
