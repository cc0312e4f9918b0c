package audit

import (
	"fmt"
	"testing"
	"time"

	"application-lifecycle/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRecorder() *Recorder {
	n := 0
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return NewRecorder(func() string {
		n++
		return fmt.Sprintf("rec-%d", n)
	}, func() time.Time { return now })
}

func withSeq(recs ...models.AuditRecord) []models.AuditRecord {
	for i := range recs {
		recs[i].Seq = int64(i + 1)
	}
	return recs
}

func TestRecorder_Lifecycle(t *testing.T) {
	r := newTestRecorder()
	app := &models.Application{ID: "app-1"}
	staff := models.Actor{ID: "staff-7", Role: models.RoleStaff}

	rec := r.Lifecycle(app, staff, models.StatusUnderReview, models.StatusRejected, "missing transcript")

	assert.Equal(t, "rec-1", rec.ID)
	assert.Equal(t, models.AuditLifecycle, rec.Kind)
	assert.Equal(t, "app-1", rec.SubjectID)
	assert.Equal(t, "staff-7", rec.ActorID)
	assert.Equal(t, models.RoleStaff, rec.ActorRole)
	assert.Equal(t, "under_review", rec.FromState)
	assert.Equal(t, "rejected", rec.ToState)
	assert.Equal(t, "missing transcript", rec.Note)
}

func TestReplayStatus(t *testing.T) {
	r := newTestRecorder()
	app := &models.Application{ID: "app-1"}
	owner := models.Actor{ID: "u1", Role: models.RoleOwner}
	pay := &models.Payment{ID: "pay-1", ApplicationID: "app-1"}

	trail := withSeq(
		r.Lifecycle(app, owner, "", models.StatusDraft, ""),
		r.Lifecycle(app, owner, models.StatusDraft, models.StatusSubmitted, ""),
		r.Lifecycle(app, models.SystemActor, models.StatusSubmitted, models.StatusPaymentPending, ""),
		r.Payment(pay, models.SystemActor, models.OutcomePending, models.OutcomeCompleted, ""),
		r.Lifecycle(app, models.SystemActor, models.StatusPaymentPending, models.StatusUnderReview, ""),
	)

	status, err := ReplayStatus(trail)
	require.NoError(t, err)
	assert.Equal(t, models.StatusUnderReview, status)
	assert.Equal(t, models.OutcomeCompleted, ReplayPayments(trail)["pay-1"])
}

func TestReplayStatus_BrokenChain(t *testing.T) {
	r := newTestRecorder()
	app := &models.Application{ID: "app-1"}
	owner := models.Actor{ID: "u1", Role: models.RoleOwner}

	trail := withSeq(
		r.Lifecycle(app, owner, "", models.StatusDraft, ""),
		r.Lifecycle(app, owner, models.StatusSubmitted, models.StatusPaymentPending, ""),
	)

	_, err := ReplayStatus(trail)
	var chainErr *ChainError
	require.ErrorAs(t, err, &chainErr)
	assert.Equal(t, int64(2), chainErr.Seq)
	assert.Equal(t, "draft", chainErr.Expected)
}

func TestReplayStatus_EmptyTrail(t *testing.T) {
	_, err := ReplayStatus(nil)
	assert.Error(t, err)
}

func TestReplayRefunds(t *testing.T) {
	r := newTestRecorder()
	req := &models.RefundRequest{ID: "rf-1", ApplicationID: "app-1"}
	staff := models.Actor{ID: "s", Role: models.RoleStaff}

	trail := withSeq(
		r.Refund(req, models.Actor{ID: "u1", Role: models.RoleOwner}, "", models.RefundPending, "visa denied"),
		r.Refund(req, staff, models.RefundPending, models.RefundApproved, "ok"),
	)
	assert.Equal(t, models.RefundApproved, ReplayRefunds(trail)["rf-1"])
}

func TestForOwner(t *testing.T) {
	r := newTestRecorder()
	app := &models.Application{ID: "app-1"}
	owner := models.Actor{ID: "u1", Role: models.RoleOwner}
	staff := models.Actor{ID: "s", Role: models.RoleStaff}
	p := &models.Payment{ID: "pay-1", ApplicationID: "app-1"}
	req := &models.RefundRequest{ID: "rf-1", ApplicationID: "app-1"}

	trail := withSeq(
		r.Lifecycle(app, owner, models.StatusDraft, models.StatusSubmitted, "please hurry"),
		r.Payment(p, models.SystemActor, models.OutcomePending, models.OutcomeFailed, "do_not_honor acct=4242"),
		r.AdminNotes(app, staff, "applicant flagged for manual check"),
		r.Refund(req, staff, models.RefundPending, models.RefundRejected, "outside policy, see ticket 88"),
	)

	view := ForOwner(trail)
	require.Len(t, view, 3)
	assert.Equal(t, "please hurry", view[0].Note)
	assert.Equal(t, PaymentFailedNote, view[1].Note)
	assert.Equal(t, models.AuditRefund, view[2].Kind)
	assert.Empty(t, view[2].Note)
	for _, rec := range view {
		assert.NotContains(t, rec.Note, "acct=4242")
	}
	assert.Equal(t, "do_not_honor acct=4242", trail[1].Note)
}
