package storage

import (
	"context"

	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/pricing"
)

// ServicePricing reads the service's base values and, when staffID is set and
// an assignment exists, its override. NULL override columns mean "use the
// service default".
func (q *Queries) ServicePricing(ctx context.Context, serviceID, staffID string) (pricing.Base, *pricing.Override, error) {
	var base pricing.Base
	var hasOverride, useDefaults bool
	var duration, price, deposit, buffer *int64
	err := q.db.QueryRow(ctx, `
		SELECT sp.base_duration_min, sp.base_price_cents, sp.base_deposit_cents, sp.base_buffer_min,
			ao.service_id IS NOT NULL,
			COALESCE(ao.use_service_defaults, true),
			ao.override_duration_min, ao.override_price_cents, ao.override_deposit_cents, ao.override_buffer_min
		FROM service_pricing sp
		LEFT JOIN assignment_overrides ao
			ON ao.service_id = sp.service_id AND ao.staff_id = $2 AND $2 <> ''
		WHERE sp.service_id = $1
	`, serviceID, staffID).Scan(
		&base.DurationMin,
		&base.PriceCents,
		&base.DepositCents,
		&base.BufferMin,
		&hasOverride,
		&useDefaults,
		&duration,
		&price,
		&deposit,
		&buffer,
	)
	if IsNotFound(err) {
		return pricing.Base{}, nil, model.ErrNotFound
	}
	if err != nil {
		return pricing.Base{}, nil, err
	}
	if !hasOverride {
		return base, nil, nil
	}
	return base, &pricing.Override{
		UseDefaults: useDefaults,
		Duration:    field(duration),
		Price:       field(price),
		Deposit:     field(deposit),
		Buffer:      field(buffer),
	}, nil
}

func field(v *int64) pricing.Field {
	if v == nil {
		return pricing.Default()
	}
	return pricing.Value(*v)
}
