// internal/workers/refund/reconcile-refunds/models.go
package reconcilerefunds

import "application-lifecycle/internal/lifecycle/service"

type Input struct {
	RunID string `json:"runId,omitempty"`
}

type Output struct {
	RunID      string                      `json:"runId,omitempty"`
	Checked    int                         `json:"checked"`
	Confirmed  int                         `json:"confirmed"`
	Waiting    int                         `json:"waiting"`
	Failed     int                         `json:"failed"`
	Mismatches []service.ReconcileMismatch `json:"mismatches"`
}
