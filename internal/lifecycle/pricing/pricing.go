// Package pricing is the only place application totals are computed.
package pricing

import (
	"context"

	"application-lifecycle/internal/common/errors"
	"application-lifecycle/internal/models"

	"github.com/shopspring/decimal"
)

// MoneyPlaces is the number of decimal places every amount is rounded to.
const MoneyPlaces = 2

// Totals are the derived money fields of an application.
type Totals struct {
	AddonTotal decimal.Decimal `json:"addonTotal"`
	Subtotal   decimal.Decimal `json:"subtotal"`
	Total      decimal.Decimal `json:"totalAmount"`
}

// Change asks for an add-on in a given quantity.
type Change struct {
	AddOnID  string `json:"addonId"`
	Quantity int    `json:"quantity"`
}

// PriceLookup reads a live add-on unit price from the catalog.
type PriceLookup func(ctx context.Context, addonID string) (decimal.Decimal, error)

// Round rounds half away from zero to two places. All prices are non-negative
// so this is round-half-up.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyPlaces)
}

// Calculate sums the selections and adds the tier price.
func Calculate(tierPrice decimal.Decimal, selections []models.AddOnSelection) (Totals, error) {
	if tierPrice.IsNegative() {
		return Totals{}, errors.NewValidationError("tier price must not be negative")
	}

	addonTotal := decimal.Zero
	for _, s := range selections {
		if s.Quantity < 1 {
			return Totals{}, errors.NewValidationErrorf("quantity for add-on %s must be at least 1", s.AddOnID)
		}
		if s.UnitPrice.IsNegative() {
			return Totals{}, errors.NewValidationErrorf("unit price for add-on %s must not be negative", s.AddOnID)
		}
		addonTotal = addonTotal.Add(Round(s.UnitPrice).Mul(decimal.NewFromInt(int64(s.Quantity))))
	}

	addonTotal = Round(addonTotal)
	subtotal := Round(Round(tierPrice).Add(addonTotal))
	return Totals{
		AddonTotal: addonTotal,
		Subtotal:   subtotal,
		Total:      subtotal,
	}, nil
}

// ApplyChanges builds the new selection set from the requested changes. The
// request describes the complete desired set: duplicate ids are summed,
// zero quantities drop the add-on, and add-ons not mentioned are removed.
// Add-ons already selected keep their captured unit price; only newly added
// add-ons are priced through lookup.
func ApplyChanges(ctx context.Context, current []models.AddOnSelection, changes []Change, lookup PriceLookup) ([]models.AddOnSelection, error) {
	order := make([]string, 0, len(changes))
	quantities := make(map[string]int, len(changes))
	for _, c := range changes {
		if c.AddOnID == "" {
			return nil, errors.NewValidationError("addonId is required")
		}
		if c.Quantity < 0 {
			return nil, errors.NewValidationErrorf("quantity for add-on %s must not be negative", c.AddOnID)
		}
		if _, seen := quantities[c.AddOnID]; !seen {
			order = append(order, c.AddOnID)
		}
		quantities[c.AddOnID] += c.Quantity
	}

	captured := make(map[string]decimal.Decimal, len(current))
	for _, s := range current {
		captured[s.AddOnID] = s.UnitPrice
	}

	out := make([]models.AddOnSelection, 0, len(order))
	for _, id := range order {
		qty := quantities[id]
		if qty == 0 {
			continue
		}
		price, ok := captured[id]
		if !ok {
			live, err := lookup(ctx, id)
			if err != nil {
				return nil, err
			}
			price = Round(live)
		}
		out = append(out, models.AddOnSelection{AddOnID: id, Quantity: qty, UnitPrice: price})
	}
	return out, nil
}

// Apply recomputes and stores the totals of app from its own selections.
func Apply(app *models.Application) error {
	t, err := Calculate(app.TierPrice, app.Selections)
	if err != nil {
		return err
	}
	app.AddonTotal = t.AddonTotal
	app.Subtotal = t.Subtotal
	app.TotalAmount = t.Total
	return nil
}

// Matches reports whether the stored totals of app equal a fresh computation.
func Matches(app *models.Application) (Totals, bool, error) {
	t, err := Calculate(app.TierPrice, app.Selections)
	if err != nil {
		return Totals{}, false, err
	}
	ok := t.AddonTotal.Equal(app.AddonTotal) && t.Subtotal.Equal(app.Subtotal) && t.Total.Equal(app.TotalAmount)
	return t, ok, nil
}
