// internal/workers/refund/reconcile-refunds/handler.go
package reconcilerefunds

import (
	"context"
	"encoding/json"
	"fmt"

	"application-lifecycle/internal/common/errors"
	"application-lifecycle/internal/common/logger"
	"application-lifecycle/internal/lifecycle/service"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
	"github.com/google/uuid"
)

const (
	TaskType = "reconcile-refunds"
)

type Reconciler interface {
	ReconcileRefunds(ctx context.Context) (*service.ReconcileReport, error)
}

type Handler struct {
	config       *Config
	reconciler   Reconciler
	errorHandler *errors.ErrorHandler
	logger       logger.Logger
}

func NewHandler(config *Config, reconciler Reconciler, log logger.Logger) *Handler {
	log = log.WithFields(map[string]interface{}{"taskType": TaskType})
	return &Handler{
		config:       config,
		reconciler:   reconciler,
		errorHandler: errors.NewErrorHandler(log),
		logger:       log,
	}
}

func (h *Handler) Handle(client worker.JobClient, job entities.Job) {
	h.logger.Info("processing job", map[string]interface{}{
		"jobKey":      job.Key,
		"workflowKey": job.ProcessInstanceKey,
	})

	ctx, cancel := context.WithTimeout(context.Background(), h.config.Timeout)
	defer cancel()

	var input Input
	if job.Variables != "" {
		if err := json.Unmarshal([]byte(job.Variables), &input); err != nil {
			h.errorHandler.HandleJobError(ctx, client, job, errors.NewValidationErrorf("parse input: %v", err))
			return
		}
	}

	output, err := h.Execute(ctx, &input)
	if err != nil {
		h.errorHandler.HandleJobError(ctx, client, job, err)
		return
	}

	cmd, err := client.NewCompleteJobCommand().JobKey(job.Key).VariablesFromObject(output)
	if err != nil {
		h.errorHandler.HandleJobError(ctx, client, job, fmt.Errorf("encode output: %w", err))
		return
	}
	if _, err := cmd.Send(ctx); err != nil {
		h.logger.Error("failed to send complete job command", map[string]interface{}{
			"jobKey": job.Key,
			"error":  err.Error(),
		})
	}
}

// Execute runs one reconciliation pass. Mismatches are alerted by the engine
// and reported in the output; they do not fail the job.
func (h *Handler) Execute(ctx context.Context, input *Input) (*Output, error) {
	runID := input.RunID
	if runID == "" {
		runID = uuid.New().String()
	}

	report, err := h.reconciler.ReconcileRefunds(ctx)
	if err != nil {
		return nil, err
	}

	mismatches := report.Mismatches
	if mismatches == nil {
		mismatches = []service.ReconcileMismatch{}
	}
	h.logger.Info("refund reconciliation finished", map[string]interface{}{
		"runId":      runID,
		"checked":    report.Checked,
		"confirmed":  report.Confirmed,
		"mismatches": len(mismatches),
	})
	return &Output{
		RunID:      runID,
		Checked:    report.Checked,
		Confirmed:  report.Confirmed,
		Waiting:    report.Waiting,
		Failed:     report.Failed,
		Mismatches: mismatches,
	}, nil
}
