package models

import "time"

// StatusChange is emitted after a lifecycle transition commits. Delivery to
// applicants is handled outside the engine.
type StatusChange struct {
	ApplicationID   string        `json:"applicationId"`
	ReferenceNumber string        `json:"referenceNumber"`
	OwnerID         string        `json:"ownerId"`
	From            Status        `json:"from"`
	To              Status        `json:"to"`
	PaymentStatus   PaymentStatus `json:"paymentStatus"`
	ActorRole       Role          `json:"actorRole"`
	OccurredAt      time.Time     `json:"occurredAt"`
}

// AlertKind classifies operational alerts raised to staff.
type AlertKind string

const (
	AlertPaymentMismatch        AlertKind = "payment_mismatch"
	AlertUnexpectedPayment      AlertKind = "unexpected_payment"
	AlertReconciliationMismatch AlertKind = "reconciliation_mismatch"
	AlertReversalFailed         AlertKind = "reversal_failed"
)

// Alert is a staff-facing operational alert. Details may carry raw
// processor text and must never be shown to applicants.
type Alert struct {
	Kind          AlertKind         `json:"kind"`
	ApplicationID string            `json:"applicationId"`
	Subject       string            `json:"subject"`
	Details       string            `json:"details"`
	Context       map[string]string `json:"context,omitempty"`
	RaisedAt      time.Time         `json:"raisedAt"`
}
