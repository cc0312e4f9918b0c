package models

import "time"

// AuditKind is the subject an audit record describes.
type AuditKind string

const (
	AuditLifecycle  AuditKind = "lifecycle"
	AuditPayment    AuditKind = "payment"
	AuditRefund     AuditKind = "refund"
	AuditAdminNotes AuditKind = "admin_notes"
)

// AuditRecord is one immutable entry of an application's audit trail. Seq is
// assigned by the store and orders the trail.
type AuditRecord struct {
	Seq           int64     `json:"seq"`
	ID            string    `json:"id"`
	ApplicationID string    `json:"applicationId"`
	Kind          AuditKind `json:"kind"`
	SubjectID     string    `json:"subjectId"`
	ActorID       string    `json:"actorId"`
	ActorRole     Role      `json:"actorRole"`
	FromState     string    `json:"fromState"`
	ToState       string    `json:"toState"`
	Note          string    `json:"note,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}
