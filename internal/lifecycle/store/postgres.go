package store

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"

	"application-lifecycle/internal/common/database"
	"application-lifecycle/internal/common/errors"
	"application-lifecycle/internal/models"
)

// Postgres is the durable Store. Guards are expressed in the WHERE clause of
// each UPDATE so a lost race shows up as zero affected rows.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

const applicationColumns = `id, reference_number, owner_id, tier_id, tier_price, addon_total, subtotal,
	total_amount, currency, status, payment_status, admin_notes, created_at, submitted_at, updated_at, version`

const paymentColumns = `id, application_id, amount, currency, processor, external_reference, status,
	failure_reason, checkout_url, created_at, completed_at, updated_at`

const refundColumns = `id, application_id, payment_id, amount, reason, status, requested_by, requested_at,
	justification, reviewed_by, reviewed_at, review_note, processor_confirmed_at, mismatch_kind,
	mismatch_alerted_at, version`

// completedPaymentIndex allows one completed payment per application.
const completedPaymentIndex = "payments_one_completed_per_application"

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Postgres) CreateApplication(ctx context.Context, app *models.Application, rec models.AuditRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewDatabaseError("begin", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if app.Version == 0 {
		app.Version = 1
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO applications (`+applicationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		app.ID, app.ReferenceNumber, app.OwnerID, nullString(app.TierID), app.TierPrice, app.AddonTotal,
		app.Subtotal, app.TotalAmount, app.Currency, app.Status, app.PaymentStatus, app.AdminNotes,
		app.CreatedAt, app.SubmittedAt, app.UpdatedAt, app.Version,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return errors.NewConflictError("reference number", app.ReferenceNumber)
		}
		return errors.NewDatabaseError("insert application", err)
	}
	if err := insertSelections(ctx, tx, app); err != nil {
		return err
	}
	if err := insertAudit(ctx, tx, &rec); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.NewDatabaseError("commit", err)
	}
	return nil
}

func (s *Postgres) GetApplication(ctx context.Context, id string) (*models.Application, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+applicationColumns+` FROM applications WHERE id = $1`, id)
	app, err := scanApplication(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("application", id)
	}
	if err != nil {
		return nil, errors.NewDatabaseError("select application", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT addon_id, quantity, unit_price FROM addon_selections
		WHERE application_id = $1 ORDER BY position`, id)
	if err != nil {
		return nil, errors.NewDatabaseError("select selections", err)
	}
	defer rows.Close()

	for rows.Next() {
		var sel models.AddOnSelection
		if err := rows.Scan(&sel.AddOnID, &sel.Quantity, &sel.UnitPrice); err != nil {
			return nil, errors.NewDatabaseError("scan selection", err)
		}
		app.Selections = append(app.Selections, sel)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewDatabaseError("select selections", err)
	}
	return app, nil
}

func (s *Postgres) ListApplicationIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM applications ORDER BY id`)
	if err != nil {
		return nil, errors.NewDatabaseError("list applications", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.NewDatabaseError("scan application id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Postgres) GetPaymentByReference(ctx context.Context, ref string) (*models.Payment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE external_reference = $1`, ref)
	p, err := scanPayment(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("payment", ref)
	}
	if err != nil {
		return nil, errors.NewDatabaseError("select payment", err)
	}
	return p, nil
}

func (s *Postgres) ListPayments(ctx context.Context, applicationID string) ([]models.Payment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE application_id = $1 ORDER BY created_at, id`, applicationID)
	if err != nil {
		return nil, errors.NewDatabaseError("list payments", err)
	}
	defer rows.Close()

	var out []models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, errors.NewDatabaseError("scan payment", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *Postgres) GetRefundRequest(ctx context.Context, id string) (*models.RefundRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+refundColumns+` FROM refund_requests WHERE id = $1`, id)
	r, err := scanRefund(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("refund request", id)
	}
	if err != nil {
		return nil, errors.NewDatabaseError("select refund request", err)
	}
	return r, nil
}

func (s *Postgres) ListRefundRequests(ctx context.Context, applicationID string) ([]models.RefundRequest, error) {
	return s.listRefunds(ctx, `WHERE application_id = $1`, applicationID)
}

func (s *Postgres) ListRefundsByStatus(ctx context.Context, status models.RefundStatus) ([]models.RefundRequest, error) {
	return s.listRefunds(ctx, `WHERE status = $1`, string(status))
}

func (s *Postgres) listRefunds(ctx context.Context, where string, arg interface{}) ([]models.RefundRequest, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+refundColumns+` FROM refund_requests `+where+` ORDER BY requested_at, id`, arg)
	if err != nil {
		return nil, errors.NewDatabaseError("list refund requests", err)
	}
	defer rows.Close()

	var out []models.RefundRequest
	for rows.Next() {
		r, err := scanRefund(rows)
		if err != nil {
			return nil, errors.NewDatabaseError("scan refund request", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *Postgres) ListAudit(ctx context.Context, applicationID string) ([]models.AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, application_id, kind, subject_id, actor_id, actor_role, from_state, to_state, note, created_at
		FROM audit_records WHERE application_id = $1 ORDER BY seq`, applicationID)
	if err != nil {
		return nil, errors.NewDatabaseError("list audit", err)
	}
	defer rows.Close()

	var out []models.AuditRecord
	for rows.Next() {
		var rec models.AuditRecord
		if err := rows.Scan(&rec.Seq, &rec.ID, &rec.ApplicationID, &rec.Kind, &rec.SubjectID, &rec.ActorID,
			&rec.ActorRole, &rec.FromState, &rec.ToState, &rec.Note, &rec.CreatedAt); err != nil {
			return nil, errors.NewDatabaseError("scan audit record", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Postgres) Commit(ctx context.Context, cs *ChangeSet) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewDatabaseError("begin", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if app := cs.Application; app != nil {
		res, err := tx.ExecContext(ctx, `
			UPDATE applications SET tier_id = $1, tier_price = $2, addon_total = $3, subtotal = $4,
				total_amount = $5, status = $6, payment_status = $7, admin_notes = $8, submitted_at = $9,
				updated_at = $10, version = version + 1
			WHERE id = $11 AND version = $12`,
			nullString(app.TierID), app.TierPrice, app.AddonTotal, app.Subtotal, app.TotalAmount, app.Status,
			app.PaymentStatus, app.AdminNotes, app.SubmittedAt, app.UpdatedAt, app.ID, cs.ExpectedVersion,
		)
		if err := expectOne(res, err, "update application", "application", app.ID); err != nil {
			return err
		}
		if cs.ReplaceSelections {
			if _, err := tx.ExecContext(ctx, `DELETE FROM addon_selections WHERE application_id = $1`, app.ID); err != nil {
				return errors.NewDatabaseError("delete selections", err)
			}
			if err := insertSelections(ctx, tx, app); err != nil {
				return err
			}
		}
	}

	if p := cs.NewPayment; p != nil {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO payments (`+paymentColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			p.ID, p.ApplicationID, p.Amount, p.Currency, p.Processor, p.ExternalReference, p.Status,
			p.FailureReason, p.CheckoutURL, p.CreatedAt, p.CompletedAt, p.UpdatedAt,
		)
		if err != nil {
			if database.IsUniqueViolation(err) {
				return errors.NewConflictError("payment", p.ExternalReference)
			}
			return errors.NewDatabaseError("insert payment", err)
		}
	}

	if p := cs.UpdatedPayment; p != nil {
		res, err := tx.ExecContext(ctx, `
			UPDATE payments SET status = $1, failure_reason = $2, completed_at = $3, updated_at = $4
			WHERE id = $5 AND status = $6`,
			p.Status, p.FailureReason, p.CompletedAt, p.UpdatedAt, p.ID, cs.ExpectedPaymentStatus,
		)
		if database.UniqueConstraint(err) == completedPaymentIndex {
			return errors.NewConflictError("completed payment", p.ApplicationID)
		}
		if err := expectOne(res, err, "update payment", "payment", p.ExternalReference); err != nil {
			return err
		}
	}

	if r := cs.NewRefund; r != nil {
		if r.Version == 0 {
			r.Version = 1
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO refund_requests (`+refundColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
			r.ID, r.ApplicationID, r.PaymentID, r.Amount, r.Reason, r.Status, r.RequestedBy, r.RequestedAt,
			r.Justification, r.ReviewedBy, r.ReviewedAt, r.ReviewNote, r.ProcessorConfirmedAt, r.MismatchKind,
			r.MismatchAlertedAt, r.Version,
		)
		if err != nil {
			if database.IsUniqueViolation(err) {
				return errors.NewConflictError("refund request", r.ID)
			}
			return errors.NewDatabaseError("insert refund request", err)
		}
	}

	if r := cs.UpdatedRefund; r != nil {
		res, err := tx.ExecContext(ctx, `
			UPDATE refund_requests SET status = $1, reviewed_by = $2, reviewed_at = $3, review_note = $4,
				processor_confirmed_at = $5, mismatch_kind = $6, mismatch_alerted_at = $7, version = version + 1
			WHERE id = $8 AND version = $9`,
			r.Status, r.ReviewedBy, r.ReviewedAt, r.ReviewNote, r.ProcessorConfirmedAt, r.MismatchKind,
			r.MismatchAlertedAt, r.ID, cs.ExpectedRefundVersion,
		)
		if err := expectOne(res, err, "update refund request", "refund request", r.ID); err != nil {
			return err
		}
	}

	for i := range cs.Audit {
		if err := insertAudit(ctx, tx, &cs.Audit[i]); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		if database.IsTransactionConflict(err) {
			return errors.NewConflictError("application", cs.applicationID())
		}
		return errors.NewDatabaseError("commit", err)
	}

	if cs.Application != nil {
		cs.Application.Version = cs.ExpectedVersion + 1
	}
	if cs.UpdatedRefund != nil {
		cs.UpdatedRefund.Version = cs.ExpectedRefundVersion + 1
	}
	return nil
}

func expectOne(res sql.Result, err error, op, resource, id string) error {
	if err != nil {
		if database.IsUniqueViolation(err) || database.IsTransactionConflict(err) {
			return errors.NewConflictError(resource, id)
		}
		return errors.NewDatabaseError(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.NewDatabaseError(op, err)
	}
	if n == 0 {
		return errors.NewConflictError(resource, id)
	}
	return nil
}

func insertSelections(ctx context.Context, tx *sql.Tx, app *models.Application) error {
	for i, sel := range app.Selections {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO addon_selections (application_id, addon_id, position, quantity, unit_price)
			VALUES ($1, $2, $3, $4, $5)`,
			app.ID, sel.AddOnID, i, sel.Quantity, sel.UnitPrice,
		)
		if err != nil {
			return errors.NewDatabaseError(fmt.Sprintf("insert selection %s", sel.AddOnID), err)
		}
	}
	return nil
}

func insertAudit(ctx context.Context, tx *sql.Tx, rec *models.AuditRecord) error {
	err := tx.QueryRowContext(ctx, `
		INSERT INTO audit_records (id, application_id, kind, subject_id, actor_id, actor_role, from_state, to_state, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING seq`,
		rec.ID, rec.ApplicationID, rec.Kind, rec.SubjectID, rec.ActorID, rec.ActorRole,
		rec.FromState, rec.ToState, rec.Note, rec.CreatedAt,
	).Scan(&rec.Seq)
	if err != nil {
		return errors.NewDatabaseError("insert audit record", err)
	}
	return nil
}

func scanApplication(row rowScanner) (*models.Application, error) {
	var (
		app       models.Application
		tierID    sql.NullString
		submitted sql.NullTime
	)
	err := row.Scan(&app.ID, &app.ReferenceNumber, &app.OwnerID, &tierID, &app.TierPrice, &app.AddonTotal,
		&app.Subtotal, &app.TotalAmount, &app.Currency, &app.Status, &app.PaymentStatus, &app.AdminNotes,
		&app.CreatedAt, &submitted, &app.UpdatedAt, &app.Version)
	if err != nil {
		return nil, err
	}
	app.TierID = tierID.String
	if submitted.Valid {
		t := submitted.Time
		app.SubmittedAt = &t
	}
	return &app, nil
}

func scanPayment(row rowScanner) (*models.Payment, error) {
	var (
		p         models.Payment
		completed sql.NullTime
	)
	err := row.Scan(&p.ID, &p.ApplicationID, &p.Amount, &p.Currency, &p.Processor, &p.ExternalReference,
		&p.Status, &p.FailureReason, &p.CheckoutURL, &p.CreatedAt, &completed, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if completed.Valid {
		t := completed.Time
		p.CompletedAt = &t
	}
	return &p, nil
}

func scanRefund(row rowScanner) (*models.RefundRequest, error) {
	var (
		r                     models.RefundRequest
		reviewedBy            sql.NullString
		reviewedAt, confirmed sql.NullTime
		alerted               sql.NullTime
	)
	err := row.Scan(&r.ID, &r.ApplicationID, &r.PaymentID, &r.Amount, &r.Reason, &r.Status, &r.RequestedBy,
		&r.RequestedAt, &r.Justification, &reviewedBy, &reviewedAt, &r.ReviewNote, &confirmed, &r.MismatchKind,
		&alerted, &r.Version)
	if err != nil {
		return nil, err
	}
	if reviewedBy.Valid {
		s := reviewedBy.String
		r.ReviewedBy = &s
	}
	if reviewedAt.Valid {
		t := reviewedAt.Time
		r.ReviewedAt = &t
	}
	if confirmed.Valid {
		t := confirmed.Time
		r.ProcessorConfirmedAt = &t
	}
	if alerted.Valid {
		t := alerted.Time
		r.MismatchAlertedAt = &t
	}
	return &r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
