package store

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"

	"application-lifecycle/internal/common/errors"
	"application-lifecycle/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seeded(t *testing.T) *Memory {
	t.Helper()
	m := NewMemory()
	require.NoError(t, m.CreateApplication(context.Background(), draftApp(), models.AuditRecord{
		ID: "rec-0", ApplicationID: "app-1", Kind: models.AuditLifecycle, ToState: "draft",
	}))
	return m
}

func TestMemory_CreateApplication(t *testing.T) {
	m := seeded(t)

	app, err := m.GetApplication(context.Background(), "app-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), app.Version)

	dup := draftApp()
	dup.ID = "app-2"
	err = m.CreateApplication(context.Background(), dup, models.AuditRecord{ApplicationID: "app-2"})
	assert.True(t, stderrors.Is(err, errors.ErrConflict), "duplicate reference number")
}

func TestMemory_ReturnsCopies(t *testing.T) {
	m := seeded(t)

	app, _ := m.GetApplication(context.Background(), "app-1")
	app.Selections[0].Quantity = 99
	app.Status = models.StatusCancelled

	again, _ := m.GetApplication(context.Background(), "app-1")
	assert.Equal(t, 1, again.Selections[0].Quantity)
	assert.Equal(t, models.StatusDraft, again.Status)
}

func TestMemory_CommitVersionGuard(t *testing.T) {
	m := seeded(t)
	ctx := context.Background()

	app, _ := m.GetApplication(ctx, "app-1")
	app.Status = models.StatusSubmitted
	require.NoError(t, m.Commit(ctx, &ChangeSet{Application: app, ExpectedVersion: 1}))
	assert.Equal(t, int64(2), app.Version)

	stale, _ := m.GetApplication(ctx, "app-1")
	stale.Status = models.StatusCancelled
	err := m.Commit(ctx, &ChangeSet{
		Application:     stale,
		ExpectedVersion: 1,
		Audit:           []models.AuditRecord{{ID: "lost", ApplicationID: "app-1"}},
	})
	assert.True(t, stderrors.Is(err, errors.ErrConflict))

	trail, _ := m.ListAudit(ctx, "app-1")
	assert.Len(t, trail, 1, "a rejected commit must not append audit records")
}

func TestMemory_PaymentGuards(t *testing.T) {
	m := seeded(t)
	ctx := context.Background()

	p1 := &models.Payment{ID: "p1", ApplicationID: "app-1", ExternalReference: "ch_1", Status: models.OutcomePending}
	p2 := &models.Payment{ID: "p2", ApplicationID: "app-1", ExternalReference: "ch_2", Status: models.OutcomePending}
	require.NoError(t, m.Commit(ctx, &ChangeSet{NewPayment: p1}))
	require.NoError(t, m.Commit(ctx, &ChangeSet{NewPayment: p2}))

	err := m.Commit(ctx, &ChangeSet{NewPayment: &models.Payment{ID: "p3", ApplicationID: "app-1", ExternalReference: "ch_1"}})
	assert.True(t, stderrors.Is(err, errors.ErrConflict), "external reference is unique")

	done := p1.Clone()
	done.Status = models.OutcomeCompleted
	require.NoError(t, m.Commit(ctx, &ChangeSet{UpdatedPayment: done, ExpectedPaymentStatus: models.OutcomePending}))

	err = m.Commit(ctx, &ChangeSet{UpdatedPayment: done, ExpectedPaymentStatus: models.OutcomePending})
	assert.True(t, stderrors.Is(err, errors.ErrConflict), "status guard")

	second := p2.Clone()
	second.Status = models.OutcomeCompleted
	err = m.Commit(ctx, &ChangeSet{UpdatedPayment: second, ExpectedPaymentStatus: models.OutcomePending})
	assert.True(t, stderrors.Is(err, errors.ErrConflict), "one completed attempt per application")

	got, err := m.GetPaymentByReference(ctx, "ch_1")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeCompleted, got.Status)

	list, _ := m.ListPayments(ctx, "app-1")
	require.Len(t, list, 2)
	assert.Equal(t, "p1", list[0].ID)
}

func TestMemory_RefundVersionGuard(t *testing.T) {
	m := seeded(t)
	ctx := context.Background()

	req := &models.RefundRequest{ID: "rf-1", ApplicationID: "app-1", Status: models.RefundPending}
	require.NoError(t, m.Commit(ctx, &ChangeSet{NewRefund: req}))
	assert.Equal(t, int64(1), req.Version)

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, _ := m.GetRefundRequest(ctx, "rf-1")
			approved := r.Clone()
			approved.Status = models.RefundApproved
			if m.Commit(ctx, &ChangeSet{UpdatedRefund: approved, ExpectedRefundVersion: 1}) == nil {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
	pending, _ := m.ListRefundsByStatus(ctx, models.RefundPending)
	approved, _ := m.ListRefundsByStatus(ctx, models.RefundApproved)
	assert.Empty(t, pending)
	assert.Len(t, approved, 1)
}

func TestMemory_AuditSeqIsMonotonic(t *testing.T) {
	m := seeded(t)
	ctx := context.Background()

	require.NoError(t, m.Commit(ctx, &ChangeSet{Audit: []models.AuditRecord{
		{ID: "a", ApplicationID: "app-1"},
		{ID: "b", ApplicationID: "app-1"},
	}}))

	trail, err := m.ListAudit(ctx, "app-1")
	require.NoError(t, err)
	require.Len(t, trail, 3)
	for i := 1; i < len(trail); i++ {
		assert.Greater(t, trail[i].Seq, trail[i-1].Seq)
	}
}

func TestMemory_NotFound(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.GetApplication(ctx, "nope")
	assert.True(t, stderrors.Is(err, errors.ErrNotFound))
	_, err = m.GetPaymentByReference(ctx, "nope")
	assert.True(t, stderrors.Is(err, errors.ErrNotFound))
	_, err = m.GetRefundRequest(ctx, "nope")
	assert.True(t, stderrors.Is(err, errors.ErrNotFound))
}
