// Package audit builds audit records and replays an application's trail.
package audit

import (
	"fmt"
	"time"

	"application-lifecycle/internal/models"
)

// Recorder stamps audit records with ids and times.
type Recorder struct {
	newID func() string
	now   func() time.Time
}

func NewRecorder(newID func() string, now func() time.Time) *Recorder {
	return &Recorder{newID: newID, now: now}
}

// Lifecycle records a status change. from is empty for the creation record.
func (r *Recorder) Lifecycle(app *models.Application, actor models.Actor, from, to models.Status, note string) models.AuditRecord {
	return r.record(app.ID, models.AuditLifecycle, app.ID, actor, string(from), string(to), note)
}

// Payment records a payment attempt changing outcome.
func (r *Recorder) Payment(p *models.Payment, actor models.Actor, from, to models.PaymentOutcome, note string) models.AuditRecord {
	return r.record(p.ApplicationID, models.AuditPayment, p.ID, actor, string(from), string(to), note)
}

// Refund records a refund request changing status. from is empty on creation.
func (r *Recorder) Refund(req *models.RefundRequest, actor models.Actor, from, to models.RefundStatus, note string) models.AuditRecord {
	return r.record(req.ApplicationID, models.AuditRefund, req.ID, actor, string(from), string(to), note)
}

// AdminNotes records a staff notes edit. Notes never carry a state.
func (r *Recorder) AdminNotes(app *models.Application, actor models.Actor, notes string) models.AuditRecord {
	return r.record(app.ID, models.AuditAdminNotes, app.ID, actor, "", "", notes)
}

func (r *Recorder) record(appID string, kind models.AuditKind, subjectID string, actor models.Actor, from, to, note string) models.AuditRecord {
	return models.AuditRecord{
		ID:            r.newID(),
		ApplicationID: appID,
		Kind:          kind,
		SubjectID:     subjectID,
		ActorID:       actor.ID,
		ActorRole:     actor.Role,
		FromState:     from,
		ToState:       to,
		Note:          note,
		CreatedAt:     r.now(),
	}
}

// ChainError reports a lifecycle record whose from-state does not continue
// the trail.
type ChainError struct {
	Seq      int64
	Expected string
	Got      string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("audit record %d starts from %q, trail is at %q", e.Seq, e.Got, e.Expected)
}

// ReplayStatus folds the lifecycle records of a trail, ordered by Seq, into
// the current status.
func ReplayStatus(records []models.AuditRecord) (models.Status, error) {
	current := ""
	seen := false
	for _, rec := range records {
		if rec.Kind != models.AuditLifecycle {
			continue
		}
		if rec.FromState != current {
			return models.Status(current), &ChainError{Seq: rec.Seq, Expected: current, Got: rec.FromState}
		}
		current = rec.ToState
		seen = true
	}
	if !seen {
		return "", fmt.Errorf("trail has no lifecycle records")
	}
	return models.ParseStatus(current)
}

// ReplayRefunds folds refund records into the latest status of every request.
func ReplayRefunds(records []models.AuditRecord) map[string]models.RefundStatus {
	out := make(map[string]models.RefundStatus)
	for _, rec := range records {
		if rec.Kind == models.AuditRefund {
			out[rec.SubjectID] = models.RefundStatus(rec.ToState)
		}
	}
	return out
}

// ReplayPayments folds payment records into the latest outcome of every attempt.
func ReplayPayments(records []models.AuditRecord) map[string]models.PaymentOutcome {
	out := make(map[string]models.PaymentOutcome)
	for _, rec := range records {
		if rec.Kind == models.AuditPayment {
			out[rec.SubjectID] = models.PaymentOutcome(rec.ToState)
		}
	}
	return out
}

// PaymentFailedNote is the only payment note an applicant ever sees.
const PaymentFailedNote = "Payment failed, please retry."

// ForOwner is the applicant's view of a trail. Staff notes are dropped and
// failed payments carry PaymentFailedNote instead of the processor reason.
// Admin notes edits are omitted.
func ForOwner(records []models.AuditRecord) []models.AuditRecord {
	out := make([]models.AuditRecord, 0, len(records))
	for _, rec := range records {
		switch {
		case rec.Kind == models.AuditAdminNotes:
			continue
		case rec.Kind == models.AuditPayment:
			rec.Note = ""
			if rec.ToState == string(models.OutcomeFailed) {
				rec.Note = PaymentFailedNote
			}
		case rec.ActorRole != models.RoleOwner:
			rec.Note = ""
		}
		out = append(out, rec)
	}
	return out
}
