package store

import (
	"context"
	"sort"
	"sync"

	"application-lifecycle/internal/common/errors"
	"application-lifecycle/internal/models"
)

// Memory is an in-process Store used by tests and the single-node dev mode.
type Memory struct {
	mu           sync.RWMutex
	apps         map[string]*models.Application
	references   map[string]string
	payments     map[string]*models.Payment
	byExternal   map[string]string
	refunds      map[string]*models.RefundRequest
	audit        map[string][]models.AuditRecord
	paymentOrder []string
	refundOrder  []string
	seq          int64
}

func NewMemory() *Memory {
	return &Memory{
		apps:       make(map[string]*models.Application),
		references: make(map[string]string),
		payments:   make(map[string]*models.Payment),
		byExternal: make(map[string]string),
		refunds:    make(map[string]*models.RefundRequest),
		audit:      make(map[string][]models.AuditRecord),
	}
}

func (m *Memory) CreateApplication(_ context.Context, app *models.Application, rec models.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.apps[app.ID]; ok {
		return errors.NewConflictError("application", app.ID)
	}
	if _, ok := m.references[app.ReferenceNumber]; ok {
		return errors.NewConflictError("reference number", app.ReferenceNumber)
	}
	if app.Version == 0 {
		app.Version = 1
	}
	m.apps[app.ID] = app.Clone()
	m.references[app.ReferenceNumber] = app.ID
	m.appendAudit(&rec)
	return nil
}

func (m *Memory) GetApplication(_ context.Context, id string) (*models.Application, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	app, ok := m.apps[id]
	if !ok {
		return nil, errors.NewNotFoundError("application", id)
	}
	return app.Clone(), nil
}

func (m *Memory) ListApplicationIDs(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.apps))
	for id := range m.apps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) GetPaymentByReference(_ context.Context, ref string) (*models.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byExternal[ref]
	if !ok {
		return nil, errors.NewNotFoundError("payment", ref)
	}
	return m.payments[id].Clone(), nil
}

func (m *Memory) ListPayments(_ context.Context, applicationID string) ([]models.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Payment
	for _, id := range m.paymentOrder {
		if p := m.payments[id]; p.ApplicationID == applicationID {
			out = append(out, *p.Clone())
		}
	}
	return out, nil
}

func (m *Memory) GetRefundRequest(_ context.Context, id string) (*models.RefundRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.refunds[id]
	if !ok {
		return nil, errors.NewNotFoundError("refund request", id)
	}
	return r.Clone(), nil
}

func (m *Memory) ListRefundRequests(_ context.Context, applicationID string) ([]models.RefundRequest, error) {
	return m.listRefunds(func(r *models.RefundRequest) bool { return r.ApplicationID == applicationID }), nil
}

func (m *Memory) ListRefundsByStatus(_ context.Context, status models.RefundStatus) ([]models.RefundRequest, error) {
	return m.listRefunds(func(r *models.RefundRequest) bool { return r.Status == status }), nil
}

func (m *Memory) listRefunds(keep func(*models.RefundRequest) bool) []models.RefundRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.RefundRequest
	for _, id := range m.refundOrder {
		if r := m.refunds[id]; keep(r) {
			out = append(out, *r.Clone())
		}
	}
	return out
}

func (m *Memory) ListAudit(_ context.Context, applicationID string) ([]models.AuditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]models.AuditRecord(nil), m.audit[applicationID]...), nil
}

// Commit validates every guard before applying anything.
func (m *Memory) Commit(_ context.Context, cs *ChangeSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if app := cs.Application; app != nil {
		cur, ok := m.apps[app.ID]
		if !ok {
			return errors.NewNotFoundError("application", app.ID)
		}
		if cur.Version != cs.ExpectedVersion {
			return errors.NewConflictError("application", app.ID)
		}
	}
	if p := cs.NewPayment; p != nil {
		if _, ok := m.byExternal[p.ExternalReference]; ok {
			return errors.NewConflictError("payment", p.ExternalReference)
		}
	}
	if p := cs.UpdatedPayment; p != nil {
		cur, ok := m.payments[p.ID]
		if !ok {
			return errors.NewNotFoundError("payment", p.ID)
		}
		if cur.Status != cs.ExpectedPaymentStatus {
			return errors.NewConflictError("payment", p.ExternalReference)
		}
		if p.Status == models.OutcomeCompleted && m.hasCompleted(p.ApplicationID, p.ID) {
			return errors.NewConflictError("payment", p.ExternalReference)
		}
	}
	if r := cs.UpdatedRefund; r != nil {
		cur, ok := m.refunds[r.ID]
		if !ok {
			return errors.NewNotFoundError("refund request", r.ID)
		}
		if cur.Version != cs.ExpectedRefundVersion {
			return errors.NewConflictError("refund request", r.ID)
		}
	}
	if r := cs.NewRefund; r != nil {
		if _, ok := m.refunds[r.ID]; ok {
			return errors.NewConflictError("refund request", r.ID)
		}
	}

	if app := cs.Application; app != nil {
		app.Version = cs.ExpectedVersion + 1
		m.apps[app.ID] = app.Clone()
	}
	if p := cs.NewPayment; p != nil {
		m.payments[p.ID] = p.Clone()
		m.byExternal[p.ExternalReference] = p.ID
		m.paymentOrder = append(m.paymentOrder, p.ID)
	}
	if p := cs.UpdatedPayment; p != nil {
		m.payments[p.ID] = p.Clone()
	}
	if r := cs.NewRefund; r != nil {
		if r.Version == 0 {
			r.Version = 1
		}
		m.refunds[r.ID] = r.Clone()
		m.refundOrder = append(m.refundOrder, r.ID)
	}
	if r := cs.UpdatedRefund; r != nil {
		r.Version = cs.ExpectedRefundVersion + 1
		m.refunds[r.ID] = r.Clone()
	}
	for i := range cs.Audit {
		m.appendAudit(&cs.Audit[i])
	}
	return nil
}

func (m *Memory) hasCompleted(applicationID, except string) bool {
	for id, p := range m.payments {
		if id != except && p.ApplicationID == applicationID && p.Status == models.OutcomeCompleted {
			return true
		}
	}
	return false
}

func (m *Memory) appendAudit(rec *models.AuditRecord) {
	m.seq++
	rec.Seq = m.seq
	m.audit[rec.ApplicationID] = append(m.audit[rec.ApplicationID], *rec)
}
