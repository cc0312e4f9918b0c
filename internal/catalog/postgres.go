// Package catalog reads service tiers and add-ons at selection time.
package catalog

import (
	"context"
	"database/sql"
	stderrors "errors"

	"application-lifecycle/internal/common/errors"
	"application-lifecycle/internal/models"
)

const (
	tierColumns  = `id, name, base_price, active`
	addOnColumns = `id, name, unit_price, category, delivery_estimate, featured, active`
)

// PostgresSource reads the catalog tables directly.
type PostgresSource struct {
	db *sql.DB
}

func NewPostgresSource(db *sql.DB) *PostgresSource {
	return &PostgresSource{db: db}
}

// Tier returns one tier, inactive ones included; callers decide whether an
// inactive tier may be selected.
func (s *PostgresSource) Tier(ctx context.Context, id string) (*models.ServiceTier, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tierColumns+` FROM service_tiers WHERE id = $1`, id)
	t, err := scanTier(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("service tier", id)
	}
	if err != nil {
		return nil, errors.NewDatabaseError("get service tier", err)
	}
	return t, nil
}

func (s *PostgresSource) AddOn(ctx context.Context, id string) (*models.AddOnService, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+addOnColumns+` FROM addon_services WHERE id = $1`, id)
	a, err := scanAddOn(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("add-on", id)
	}
	if err != nil {
		return nil, errors.NewDatabaseError("get add-on", err)
	}
	return a, nil
}

// ListTiers returns the active tiers ordered by price.
func (s *PostgresSource) ListTiers(ctx context.Context) ([]models.ServiceTier, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+tierColumns+` FROM service_tiers WHERE active ORDER BY base_price, id`)
	if err != nil {
		return nil, errors.NewDatabaseError("list service tiers", err)
	}
	defer rows.Close()

	var out []models.ServiceTier
	for rows.Next() {
		t, err := scanTier(rows)
		if err != nil {
			return nil, errors.NewDatabaseError("scan service tier", err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewDatabaseError("list service tiers", err)
	}
	return out, nil
}

// ListAddOns returns the active add-ons, featured first.
func (s *PostgresSource) ListAddOns(ctx context.Context) ([]models.AddOnService, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+addOnColumns+` FROM addon_services WHERE active ORDER BY featured DESC, category, id`)
	if err != nil {
		return nil, errors.NewDatabaseError("list add-ons", err)
	}
	defer rows.Close()

	var out []models.AddOnService
	for rows.Next() {
		a, err := scanAddOn(rows)
		if err != nil {
			return nil, errors.NewDatabaseError("scan add-on", err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewDatabaseError("list add-ons", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTier(s scanner) (*models.ServiceTier, error) {
	var t models.ServiceTier
	if err := s.Scan(&t.ID, &t.Name, &t.BasePrice, &t.Active); err != nil {
		return nil, err
	}
	return &t, nil
}

func scanAddOn(s scanner) (*models.AddOnService, error) {
	var (
		a        models.AddOnService
		estimate sql.NullString
	)
	if err := s.Scan(&a.ID, &a.Name, &a.UnitPrice, &a.Category, &estimate, &a.Featured, &a.Active); err != nil {
		return nil, err
	}
	a.DeliveryEstimate = estimate.String
	return &a, nil
}
