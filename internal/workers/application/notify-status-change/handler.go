// internal/workers/application/notify-status-change/handler.go
package notifystatuschange

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"application-lifecycle/internal/common/errors"
	"application-lifecycle/internal/common/logger"
	"application-lifecycle/internal/common/validation"
	"application-lifecycle/internal/models"
	"application-lifecycle/pkg/registry"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
)

const (
	TaskType = "notify-status-change"
)

// StatusPublisher delivers a status change to applicant-facing channels.
type StatusPublisher interface {
	PublishStatusChange(ctx context.Context, c models.StatusChange) error
}

type Handler struct {
	config       *Config
	publisher    StatusPublisher
	schema       *validation.Schema
	errorHandler *errors.ErrorHandler
	logger       logger.Logger
	now          func() time.Time
}

func NewHandler(config *Config, publisher StatusPublisher, log logger.Logger) *Handler {
	log = log.WithFields(map[string]interface{}{"taskType": TaskType})
	return &Handler{
		config:       config,
		publisher:    publisher,
		schema:       registry.MustInputValidator(TaskType),
		errorHandler: errors.NewErrorHandler(log),
		logger:       log,
		now:          time.Now,
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
	if err := json.Unmarshal([]byte(job.Variables), &input); err != nil {
		h.errorHandler.HandleJobError(ctx, client, job, errors.NewValidationErrorf("parse input: %v", err))
		return
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

func (h *Handler) Execute(ctx context.Context, input *Input) (*Output, error) {
	if res := h.schema.ValidateDocument(input); !res.Valid {
		return nil, errors.NewValidationError("invalid status change: " + strings.Join(res.GetErrorMessages(), "; ")).
			WithMetadata("fields", res.GetErrorMessages())
	}
	change, err := input.toStatusChange()
	if err != nil {
		return nil, err
	}

	if !h.config.Enabled || h.publisher == nil {
		h.logger.Debug("status notifications disabled", map[string]interface{}{
			"applicationId": input.ApplicationID,
		})
		return &Output{Published: false}, nil
	}

	if err := h.publisher.PublishStatusChange(ctx, change); err != nil {
		return nil, errors.NewExternalServiceError("sns", err)
	}
	return &Output{
		Published:   true,
		PublishedAt: h.now().UTC().Format(time.RFC3339),
	}, nil
}

func (in *Input) toStatusChange() (models.StatusChange, error) {
	c := models.StatusChange{
		ApplicationID:   in.ApplicationID,
		ReferenceNumber: in.ReferenceNumber,
		OwnerID:         in.OwnerID,
		From:            models.Status(in.From),
		To:              models.Status(in.To),
		PaymentStatus:   models.PaymentStatus(in.PaymentStatus),
		ActorRole:       models.Role(in.ActorRole),
	}
	if in.OccurredAt != "" {
		t, err := time.Parse(time.RFC3339, in.OccurredAt)
		if err != nil {
			return c, errors.NewValidationErrorf("occurredAt must be RFC3339: %v", err)
		}
		c.OccurredAt = t
	}
	return c, nil
}
