package service

import (
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"testing"

	"application-lifecycle/internal/common/database"
	"application-lifecycle/internal/common/errors"
	"application-lifecycle/internal/lifecycle/pricing"
	"application-lifecycle/internal/lifecycle/refunds"
	"application-lifecycle/internal/lifecycle/statemachine"
	"application-lifecycle/internal/lifecycle/store"
	"application-lifecycle/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateApplication(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	app, err := h.engine.CreateApplication(ctx, owner, "standard")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDraft, app.Status)
	assert.Equal(t, models.PaymentStatusPending, app.PaymentStatus)
	assert.True(t, strings.HasPrefix(app.ReferenceNumber, "SA-2026-"), app.ReferenceNumber)
	assert.Equal(t, "599.00", app.TotalAmount.StringFixed(2))
	assert.Equal(t, 1, lifecycleRecords(t, h, app.ID, "", models.StatusDraft))

	_, err = h.engine.CreateApplication(ctx, owner, "nope")
	assert.True(t, stderrors.Is(err, errors.ErrValidation), "unknown tier")
	_, err = h.engine.CreateApplication(ctx, owner, "legacy")
	assert.True(t, stderrors.Is(err, errors.ErrValidation), "inactive tier")
	_, err = h.engine.CreateApplication(ctx, staff, "standard")
	assert.True(t, stderrors.Is(err, errors.ErrForbidden))
	_, err = h.engine.CreateApplication(ctx, models.Actor{Role: models.RoleOwner}, "standard")
	assert.True(t, stderrors.Is(err, errors.ErrValidation), "actor id is required")
}

func TestSubmit_RequiresTier(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	app, err := h.engine.CreateApplication(ctx, owner, "")
	require.NoError(t, err)
	_, err = h.engine.Submit(ctx, owner, app.ID)
	assert.True(t, stderrors.Is(err, errors.ErrValidation), "got %v", err)
	assert.Equal(t, models.StatusDraft, h.reload(t, app.ID).Status)

	_, err = h.engine.SelectTier(ctx, owner, app.ID, "premium")
	require.NoError(t, err)
	submitted, err := h.engine.Submit(ctx, owner, app.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSubmitted, submitted.Status)
	require.NotNil(t, submitted.SubmittedAt)
	assert.Equal(t, "999.00", submitted.TotalAmount.StringFixed(2))

	_, err = h.engine.Submit(ctx, owner, app.ID)
	assert.True(t, stderrors.Is(err, errors.ErrInvalidTransition), "cannot submit twice")
}

func TestUpdateAddOns(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	app := h.draft(t)

	h.catalog.addons["visa-prep"].UnitPrice = h.catalog.addons["visa-prep"].UnitPrice.Add(h.catalog.addons["visa-prep"].UnitPrice)
	totals, err := h.engine.UpdateAddOns(ctx, owner, app.ID, []pricing.Change{
		{AddOnID: "visa-prep", Quantity: 2},
	})
	require.NoError(t, err)
	assert.Equal(t, "240.00", totals.AddonTotal.StringFixed(2), "captured price survives a catalog change")
	assert.Len(t, h.reload(t, app.ID).Selections, 1, "omitted add-ons are removed")

	_, err = h.engine.UpdateAddOns(ctx, owner, app.ID, []pricing.Change{{AddOnID: "visa-prep", Quantity: -1}})
	assert.True(t, stderrors.Is(err, errors.ErrValidation))
	_, err = h.engine.UpdateAddOns(ctx, owner, app.ID, []pricing.Change{{AddOnID: "ghost", Quantity: 1}})
	assert.True(t, stderrors.Is(err, errors.ErrValidation))
	_, err = h.engine.UpdateAddOns(ctx, stranger, app.ID, nil)
	assert.True(t, stderrors.Is(err, errors.ErrForbidden))

	totals, err = h.engine.UpdateAddOns(ctx, owner, app.ID, []pricing.Change{{AddOnID: "visa-prep", Quantity: 0}})
	require.NoError(t, err)
	assert.True(t, totals.AddonTotal.IsZero())
	assert.Empty(t, h.reload(t, app.ID).Selections)

	_, err = h.engine.Submit(ctx, owner, app.ID)
	require.NoError(t, err)
	_, err = h.engine.UpdateAddOns(ctx, owner, app.ID, []pricing.Change{{AddOnID: "visa-prep", Quantity: 1}})
	assert.True(t, stderrors.Is(err, errors.ErrInvalidTransition), "selections freeze at submission")
}

func TestTransition_StaffReview(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	app, _ := h.paid(t)

	_, err := h.engine.Transition(ctx, owner, TransitionRequest{ApplicationID: app.ID, Event: statemachine.EventApprove})
	assert.True(t, stderrors.Is(err, errors.ErrInvalidTransition))

	_, err = h.engine.Transition(ctx, staff, TransitionRequest{ApplicationID: app.ID, Event: statemachine.EventReject})
	assert.True(t, stderrors.Is(err, errors.ErrValidation), "rejection needs a note")

	_, err = h.engine.Transition(ctx, staff, TransitionRequest{ApplicationID: app.ID, Event: statemachine.EventPaymentFailed})
	assert.True(t, stderrors.Is(err, errors.ErrInvalidTransition), "payment events come from payment outcomes")

	approved, err := h.engine.Transition(ctx, staff, TransitionRequest{ApplicationID: app.ID, Event: statemachine.EventApprove})
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, approved.Status)

	completed, err := h.engine.Transition(ctx, staff, TransitionRequest{ApplicationID: app.ID, Event: statemachine.EventComplete})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, completed.Status)

	_, err = h.engine.Cancel(ctx, staff, app.ID, "too late")
	assert.True(t, stderrors.Is(err, errors.ErrInvalidTransition), "terminal states stay terminal")

	assert.Equal(t, 1, h.events.count(models.StatusCompleted))
}

func TestCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	app, _ := h.paid(t)

	_, err := h.engine.Cancel(ctx, owner, app.ID, "")
	assert.True(t, stderrors.Is(err, errors.ErrInvalidTransition), "owners cannot cancel after paying")

	_, err = h.engine.Cancel(ctx, staff, app.ID, "")
	assert.True(t, stderrors.Is(err, errors.ErrValidation))

	cancelled, err := h.engine.Cancel(ctx, staff, app.ID, "duplicate application")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)

	trail, _ := h.store.ListAudit(ctx, app.ID)
	last := trail[len(trail)-1]
	assert.Equal(t, staff.ID, last.ActorID)
	assert.Equal(t, "duplicate application", last.Note)
}

func TestForceTransition(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	app := h.draft(t)

	_, err := h.engine.ForceTransition(ctx, owner, ForceRequest{ApplicationID: app.ID, To: models.StatusApproved, Note: "x"})
	assert.True(t, stderrors.Is(err, errors.ErrForbidden))

	_, err = h.engine.ForceTransition(ctx, staff, ForceRequest{ApplicationID: app.ID, To: models.StatusApproved})
	assert.True(t, stderrors.Is(err, errors.ErrValidation), "note is mandatory")

	_, err = h.engine.ForceTransition(ctx, staff, ForceRequest{ApplicationID: app.ID, To: "archived", Note: "x"})
	assert.True(t, stderrors.Is(err, errors.ErrValidation))

	_, err = h.engine.ForceTransition(ctx, staff, ForceRequest{ApplicationID: app.ID, To: models.StatusApproved, Note: "walk-in"})
	assert.True(t, stderrors.Is(err, errors.ErrInvalidTransition), "not a staff edge without override")
	assert.Equal(t, models.StatusDraft, h.reload(t, app.ID).Status)

	forced, err := h.engine.ForceTransition(ctx, staff, ForceRequest{
		ApplicationID: app.ID, To: models.StatusApproved, Note: "paid in person at the office", Override: true,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, forced.Status)
	assert.NotNil(t, forced.SubmittedAt)

	trail, _ := h.store.ListAudit(ctx, app.ID)
	last := trail[len(trail)-1]
	assert.Equal(t, "draft", last.FromState)
	assert.Equal(t, "approved", last.ToState)
	assert.Contains(t, last.Note, "override")

	report, err := h.engine.Verify(ctx, app.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, report.ReplayedStatus)
}

func TestForceTransition_StaffEdge(t *testing.T) {
	h := newHarness(t)
	app, _ := h.paid(t)

	rejected, err := h.engine.ForceTransition(context.Background(), staff, ForceRequest{
		ApplicationID: app.ID, To: models.StatusRejected, Note: "forged transcript",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, rejected.Status)
}

func TestForceTransition_ConcurrentStaffEdits(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	app, _ := h.paid(t)
	version := h.reload(t, app.ID).Version

	targets := []models.Status{models.StatusApproved, models.StatusCancelled}
	actors := []models.Actor{staff, staff2}
	results := make([]*models.Application, 2)
	errs := make([]error, 2)

	var start, wg sync.WaitGroup
	start.Add(1)
	for i := range targets {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			start.Wait()
			results[i], errs[i] = h.engine.ForceTransition(ctx, actors[i], ForceRequest{
				ApplicationID:   app.ID,
				To:              targets[i],
				Note:            "racing",
				ExpectedVersion: version,
			})
		}(i)
	}
	start.Done()
	wg.Wait()

	winners := 0
	var winner models.Status
	for i, err := range errs {
		if err == nil {
			winners++
			winner = results[i].Status
			continue
		}
		assert.True(t, stderrors.Is(err, errors.ErrConflict), "loser gets Conflict, got %v", err)
	}
	require.Equal(t, 1, winners)
	assert.Equal(t, winner, h.reload(t, app.ID).Status)
	assert.Equal(t, 1, lifecycleRecords(t, h, app.ID, models.StatusUnderReview, winner))
}

// barrierStore holds every application commit until n callers have arrived,
// so both writers read the same version before either writes.
type barrierStore struct {
	store.Store
	arrive sync.WaitGroup
}

func (b *barrierStore) Commit(ctx context.Context, cs *store.ChangeSet) error {
	if cs.Application != nil {
		b.arrive.Done()
		b.arrive.Wait()
	}
	return b.Store.Commit(ctx, cs)
}

func TestTransition_ConcurrentUnpinnedEdits(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	app, _ := h.paid(t)

	bs := &barrierStore{Store: h.store}
	bs.arrive.Add(2)
	engine := NewEngine(bs, h.catalog, h.gateway, Config{}, h.engine.logger)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, ev := range []statemachine.Event{statemachine.EventApprove, statemachine.EventReject} {
		wg.Add(1)
		go func(i int, ev statemachine.Event) {
			defer wg.Done()
			_, errs[i] = engine.Transition(ctx, staff, TransitionRequest{ApplicationID: app.ID, Event: ev, Note: "decision"})
		}(i, ev)
	}
	wg.Wait()

	conflicts := 0
	for _, err := range errs {
		if err != nil {
			require.True(t, stderrors.Is(err, errors.ErrConflict), "got %v", err)
			conflicts++
		}
	}
	assert.Equal(t, 1, conflicts)
}

func TestReviewRefund_ExclusiveApproval(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	app, _ := h.paid(t)
	req, err := h.engine.RequestRefund(ctx, owner, RefundInput{ApplicationID: app.ID})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, actor := range []models.Actor{staff, staff2} {
		wg.Add(1)
		go func(i int, actor models.Actor) {
			defer wg.Done()
			_, errs[i] = h.engine.ReviewRefund(ctx, actor, req.ID, refunds.DecisionApprove, "approved")
		}(i, actor)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.True(t, stderrors.Is(err, errors.ErrConflict) || stderrors.Is(err, errors.ErrInvalidTransition), "got %v", err)
	}
	assert.Equal(t, 1, ok)

	trail, _ := h.store.ListAudit(ctx, app.ID)
	approvals := 0
	for _, r := range trail {
		if r.Kind == models.AuditRefund && r.ToState == string(models.RefundApproved) {
			approvals++
		}
	}
	assert.Equal(t, 1, approvals)
	assert.Len(t, h.gateway.reversals, 1)
}

func TestRecordPaymentOutcome_ConcurrentDeliveries(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	h := newHarness(t, WithLocker(database.NewLocker(rdb, "lifecycle:")))
	ctx := context.Background()
	app, p := h.pending(t)

	const deliveries = 6
	var wg sync.WaitGroup
	applied := make(chan bool, deliveries)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.engine.RecordPaymentOutcome(ctx, completion(p.ExternalReference, "809.00"))
			if assert.NoError(t, err) {
				applied <- res.Applied
			}
		}()
	}
	wg.Wait()
	close(applied)

	n := 0
	for a := range applied {
		if a {
			n++
		}
	}
	assert.Equal(t, 1, n)
	assert.Equal(t, models.StatusUnderReview, h.reload(t, app.ID).Status)
	assert.Equal(t, 1, lifecycleRecords(t, h, app.ID, models.StatusPaymentPending, models.StatusUnderReview))
	assert.False(t, mr.Exists("lifecycle:payment:"+p.ExternalReference), "lock released")
}

func TestRecordPaymentOutcome_UnknownReference(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.RecordPaymentOutcome(context.Background(), completion("ch_missing", "1.00"))
	assert.True(t, stderrors.Is(err, errors.ErrNotFound))
}

func TestUpdateAdminNotes_NeverChangesStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	app, _ := h.paid(t)
	before := h.reload(t, app.ID)

	updated, err := h.engine.UpdateAdminNotes(ctx, staff, app.ID, "transcript pending from registrar", before.Version)
	require.NoError(t, err)
	assert.Equal(t, before.Status, updated.Status)
	assert.Equal(t, before.PaymentStatus, updated.PaymentStatus)
	assert.Equal(t, before.Version+1, updated.Version)

	_, err = h.engine.UpdateAdminNotes(ctx, staff2, app.ID, "stale edit", before.Version)
	assert.True(t, stderrors.Is(err, errors.ErrConflict))

	_, err = h.engine.UpdateAdminNotes(ctx, owner, app.ID, "let me in", 0)
	assert.True(t, stderrors.Is(err, errors.ErrForbidden))

	trail, _ := h.store.ListAudit(ctx, app.ID)
	last := trail[len(trail)-1]
	assert.Equal(t, models.AuditAdminNotes, last.Kind)
	assert.Empty(t, last.ToState)
}

func TestReadAccess(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	app := h.draft(t)

	_, err := h.engine.GetApplication(ctx, stranger, app.ID)
	assert.True(t, stderrors.Is(err, errors.ErrForbidden))
	_, err = h.engine.AuditTrail(ctx, stranger, app.ID)
	assert.True(t, stderrors.Is(err, errors.ErrForbidden))

	trail, err := h.engine.AuditTrail(ctx, staff, app.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, trail)
}

func TestVerify_DetectsDrift(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	app, _ := h.paid(t)

	tampered := h.reload(t, app.ID)
	tampered.Status = models.StatusApproved
	tampered.TotalAmount = tampered.TotalAmount.Add(tampered.TotalAmount)
	require.NoError(t, h.store.Commit(ctx, &store.ChangeSet{Application: tampered, ExpectedVersion: tampered.Version}))

	report, err := h.engine.Verify(ctx, app.ID)
	require.NoError(t, err)
	assert.False(t, report.Consistent())
	assert.Equal(t, models.StatusUnderReview, report.ReplayedStatus)
	assert.Len(t, report.Drift, 2)
}
