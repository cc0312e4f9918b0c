// internal/workers/payment/record-payment-outcome/handler.go
package recordpaymentoutcome

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"application-lifecycle/internal/common/errors"
	"application-lifecycle/internal/common/logger"
	"application-lifecycle/internal/common/validation"
	"application-lifecycle/internal/lifecycle/payments"
	"application-lifecycle/internal/lifecycle/service"
	"application-lifecycle/internal/models"
	"application-lifecycle/pkg/registry"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
	"github.com/shopspring/decimal"
)

const (
	TaskType = "record-payment-outcome"
)

// Recorder applies payment notifications. *service.Engine satisfies it.
type Recorder interface {
	RecordPaymentOutcome(ctx context.Context, n payments.Notification) (*service.PaymentResult, error)
}

type Handler struct {
	config       *Config
	recorder     Recorder
	schema       *validation.Schema
	errorHandler *errors.ErrorHandler
	logger       logger.Logger
}

func NewHandler(config *Config, recorder Recorder, log logger.Logger) *Handler {
	log = log.WithFields(map[string]interface{}{"taskType": TaskType})
	return &Handler{
		config:       config,
		recorder:     recorder,
		schema:       registry.MustInputValidator(TaskType),
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

	input, err := parseInput(job)
	if err != nil {
		h.errorHandler.HandleJobError(ctx, client, job, err)
		return
	}

	output, err := h.Execute(ctx, input)
	if err != nil {
		h.errorHandler.HandleJobError(ctx, client, job, err)
		return
	}
	h.completeJob(ctx, client, job, output)
}

// parseInput decodes the job variables. The workflow carries the whole
// process scope, so unrelated variables are dropped here.
func parseInput(job entities.Job) (*Input, error) {
	var input Input
	if err := json.Unmarshal([]byte(job.Variables), &input); err != nil {
		return nil, errors.NewValidationErrorf("parse input: %v", err)
	}
	return &input, nil
}

// Execute validates the notification and applies it. A mismatched completion
// is recorded by the engine and still surfaces as PAYMENT_MISMATCH so the
// process can route it to manual handling.
func (h *Handler) Execute(ctx context.Context, input *Input) (*Output, error) {
	if res := h.schema.ValidateDocument(input); !res.Valid {
		return nil, errors.NewValidationError("invalid payment notification: " + strings.Join(res.GetErrorMessages(), "; ")).
			WithMetadata("fields", res.GetErrorMessages())
	}
	amount, err := decimal.NewFromString(input.Amount)
	if err != nil {
		return nil, errors.NewValidationErrorf("invalid amount %q", input.Amount)
	}

	res, err := h.recorder.RecordPaymentOutcome(ctx, payments.Notification{
		ExternalReference: input.ExternalReference,
		Outcome:           models.PaymentOutcome(input.Outcome),
		Amount:            amount,
		Currency:          input.Currency,
		Reason:            input.Reason,
	})
	if err != nil {
		return nil, err
	}

	out := &Output{Action: res.Outcome, Applied: res.Applied}
	if res.Application != nil {
		out.ApplicationID = res.Application.ID
		out.Status = string(res.Application.Status)
		out.PaymentStatus = string(res.Application.PaymentStatus)
	}
	h.logger.Info("payment outcome applied", map[string]interface{}{
		"externalReference": input.ExternalReference,
		"applicationId":     out.ApplicationID,
		"action":            out.Action,
		"applied":           out.Applied,
	})
	return out, nil
}

func (h *Handler) completeJob(ctx context.Context, client worker.JobClient, job entities.Job, output *Output) {
	cmd, err := client.NewCompleteJobCommand().
		JobKey(job.Key).
		VariablesFromObject(output)
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
