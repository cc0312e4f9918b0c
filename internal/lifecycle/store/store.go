// Package store persists applications, payment attempts, refund requests and
// the audit trail. Every state change is written through Commit so the
// records and their audit entries land atomically.
package store

import (
	"context"

	"application-lifecycle/internal/models"
)

// Store is the durable record layer of the lifecycle engine.
type Store interface {
	// CreateApplication inserts a new draft and its creation audit record.
	// A duplicate reference number is a Conflict.
	CreateApplication(ctx context.Context, app *models.Application, rec models.AuditRecord) error
	GetApplication(ctx context.Context, id string) (*models.Application, error)
	ListApplicationIDs(ctx context.Context) ([]string, error)

	GetPaymentByReference(ctx context.Context, externalReference string) (*models.Payment, error)
	ListPayments(ctx context.Context, applicationID string) ([]models.Payment, error)

	GetRefundRequest(ctx context.Context, id string) (*models.RefundRequest, error)
	ListRefundRequests(ctx context.Context, applicationID string) ([]models.RefundRequest, error)
	ListRefundsByStatus(ctx context.Context, status models.RefundStatus) ([]models.RefundRequest, error)

	// ListAudit returns the trail of an application ordered by Seq.
	ListAudit(ctx context.Context, applicationID string) ([]models.AuditRecord, error)

	Commit(ctx context.Context, cs *ChangeSet) error
}

// ChangeSet is one atomic write. Each guarded part fails the whole commit
// with a Conflict when its expectation no longer holds.
type ChangeSet struct {
	// Application is written when ExpectedVersion still matches; its Version
	// is bumped on success.
	Application     *models.Application
	ExpectedVersion int64
	// ReplaceSelections rewrites the add-on selections of Application.
	ReplaceSelections bool

	NewPayment *models.Payment
	// UpdatedPayment is written when its stored status is still ExpectedPaymentStatus.
	UpdatedPayment        *models.Payment
	ExpectedPaymentStatus models.PaymentOutcome

	NewRefund *models.RefundRequest
	// UpdatedRefund is written when its stored version is still
	// ExpectedRefundVersion; its Version is bumped on success.
	UpdatedRefund         *models.RefundRequest
	ExpectedRefundVersion int64

	// Audit records are appended in order; Seq is assigned on commit.
	Audit []models.AuditRecord
}

func (cs *ChangeSet) applicationID() string {
	switch {
	case cs.Application != nil:
		return cs.Application.ID
	case cs.UpdatedPayment != nil:
		return cs.UpdatedPayment.ApplicationID
	case cs.NewPayment != nil:
		return cs.NewPayment.ApplicationID
	case cs.UpdatedRefund != nil:
		return cs.UpdatedRefund.ApplicationID
	case cs.NewRefund != nil:
		return cs.NewRefund.ApplicationID
	}
	return ""
}
