package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/hosting-engine/generic"
	"github.com/warp/hosting-engine/hosting"
)

var _ hosting.Repository = (*Store)(nil)

// =============================================================================
// SERVICES
// =============================================================================

const serviceColumns = `id, owner_id, plan_id, status, billing_cycle, expires_at, billing_day, auto_renew,
	subscription_ref, cancelled_at, cancel_reason, version, created_at, updated_at`

// CreateService inserts a new service at version 1.
func (s *Store) CreateService(ctx context.Context, svc *hosting.Service) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO services (`+serviceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		svc.ID(),
		svc.OwnerID(),
		svc.PlanID(),
		string(svc.Status()),
		string(svc.Cycle()),
		formatTime(svc.ExpiresAt()),
		svc.BillingDay(),
		boolInt(svc.AutoRenew()),
		nullString(svc.SubscriptionRef()),
		nullTime(svc.CancelledAt()),
		nullString(svc.CancelReason()),
		formatTime(svc.CreatedAt()),
		formatTime(svc.UpdatedAt()),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("service %s: %w", svc.ID(), hosting.ErrConflictingBillingMode)
		}
		return fmt.Errorf("failed to create service: %w", err)
	}
	svc.SetVersion(1)
	return nil
}

// UpdateService writes the aggregate only if nobody else wrote it since it
// was loaded, then bumps its version.
func (s *Store) UpdateService(ctx context.Context, svc *hosting.Service) error {
	res, err := s.q(ctx).ExecContext(ctx, `
		UPDATE services SET
			status = ?, billing_cycle = ?, expires_at = ?, billing_day = ?, auto_renew = ?,
			subscription_ref = ?, cancelled_at = ?, cancel_reason = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		string(svc.Status()),
		string(svc.Cycle()),
		formatTime(svc.ExpiresAt()),
		svc.BillingDay(),
		boolInt(svc.AutoRenew()),
		nullString(svc.SubscriptionRef()),
		nullTime(svc.CancelledAt()),
		nullString(svc.CancelReason()),
		formatTime(svc.UpdatedAt()),
		svc.ID(),
		svc.Version(),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("subscription %s is attached elsewhere: %w", svc.SubscriptionRef(), hosting.ErrConflictingBillingMode)
		}
		return fmt.Errorf("failed to update service: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: service %s version %d", generic.ErrConcurrentModification, svc.ID(), svc.Version())
	}
	svc.SetVersion(svc.Version() + 1)
	return nil
}

func (s *Store) GetService(ctx context.Context, id string) (*hosting.Service, error) {
	services, err := s.queryServices(ctx, `SELECT `+serviceColumns+` FROM services WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(services) == 0 {
		return nil, fmt.Errorf("service %s: %w", id, hosting.ErrNotFound)
	}
	return services[0], nil
}

func (s *Store) FindBySubscriptionRef(ctx context.Context, ref string) (*hosting.Service, error) {
	services, err := s.queryServices(ctx, `SELECT `+serviceColumns+` FROM services WHERE subscription_ref = ?`, ref)
	if err != nil {
		return nil, err
	}
	if len(services) == 0 {
		return nil, fmt.Errorf("subscription %s: %w", ref, hosting.ErrNotFound)
	}
	return services[0], nil
}

func (s *Store) ListServices(ctx context.Context, f hosting.ServiceFilter) ([]*hosting.Service, error) {
	var (
		where []string
		args  []any
	)
	if f.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, f.OwnerID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}

	query := `SELECT ` + serviceColumns + ` FROM services`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	page := f.Page.Normalize()
	query += " ORDER BY created_at DESC, id LIMIT ? OFFSET ?"
	args = append(args, page.Limit, page.Offset)

	return s.queryServices(ctx, query, args...)
}

func (s *Store) ListDueForAutoRenew(ctx context.Context, deadline time.Time) ([]*hosting.Service, error) {
	return s.queryServices(ctx, `
		SELECT `+serviceColumns+` FROM services
		WHERE status != ? AND auto_renew = 1 AND subscription_ref IS NULL AND expires_at <= ?
		ORDER BY expires_at`,
		string(hosting.StatusCancelled), formatTime(deadline))
}

func (s *Store) ListExpired(ctx context.Context, now time.Time) ([]*hosting.Service, error) {
	return s.queryServices(ctx, `
		SELECT `+serviceColumns+` FROM services
		WHERE status = ? AND expires_at < ?
		ORDER BY expires_at`,
		string(hosting.StatusActive), formatTime(now))
}

func (s *Store) queryServices(ctx context.Context, query string, args ...any) ([]*hosting.Service, error) {
	rows, err := s.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query services: %w", err)
	}
	defer rows.Close()

	var services []*hosting.Service
	for rows.Next() {
		var (
			id, ownerID, planID, status, cycle string
			expiresAt, createdAt, updatedAt    string
			billingDay, autoRenew, version     int
			subscriptionRef, cancelledAt       sql.NullString
			cancelReason                       sql.NullString
		)
		if err := rows.Scan(&id, &ownerID, &planID, &status, &cycle, &expiresAt, &billingDay, &autoRenew,
			&subscriptionRef, &cancelledAt, &cancelReason, &version, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan service: %w", err)
		}

		times := make([]time.Time, 3)
		for i, v := range []string{expiresAt, createdAt, updatedAt} {
			if times[i], err = parseTime(v); err != nil {
				return nil, fmt.Errorf("service %s: %w", id, err)
			}
		}
		cancelled, err := parseNullTime(cancelledAt)
		if err != nil {
			return nil, fmt.Errorf("service %s: %w", id, err)
		}

		svc, err := hosting.ReconstructService(
			id, ownerID, planID,
			hosting.Status(status),
			hosting.BillingCycle(cycle),
			times[0],
			billingDay,
			autoRenew == 1,
			subscriptionRef.String,
			cancelled,
			cancelReason.String,
			version,
			times[1], times[2],
		)
		if err != nil {
			return nil, err
		}
		services = append(services, svc)
	}
	return services, rows.Err()
}

// =============================================================================
// RENEWALS
// =============================================================================

const renewalColumns = `id, service_id, account_id, reference, source, amount, billing_cycle,
	period_start, period_end, created_at`

func (s *Store) RecordRenewal(ctx context.Context, r hosting.Renewal) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO renewals (`+renewalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ServiceID, r.AccountID, r.Reference, string(r.Source), r.Amount.String(),
		string(r.Cycle), formatTime(r.PeriodStart), formatTime(r.PeriodEnd), formatTime(r.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return generic.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to record renewal: %w", err)
	}
	return nil
}

func (s *Store) GetRenewal(ctx context.Context, id string) (hosting.Renewal, error) {
	renewals, err := s.queryRenewals(ctx, `SELECT `+renewalColumns+` FROM renewals WHERE id = ?`, id)
	if err != nil {
		return hosting.Renewal{}, err
	}
	if len(renewals) == 0 {
		return hosting.Renewal{}, fmt.Errorf("renewal %s: %w", id, hosting.ErrNotFound)
	}
	return renewals[0], nil
}

// FindRenewalByReference returns nil when the reference was never applied.
func (s *Store) FindRenewalByReference(ctx context.Context, ref string) (*hosting.Renewal, error) {
	renewals, err := s.queryRenewals(ctx, `SELECT `+renewalColumns+` FROM renewals WHERE reference = ?`, ref)
	if err != nil || len(renewals) == 0 {
		return nil, err
	}
	return &renewals[0], nil
}

// ListRenewals returns a service's renewals, most recent first.
func (s *Store) ListRenewals(ctx context.Context, serviceID string) ([]hosting.Renewal, error) {
	return s.queryRenewals(ctx, `
		SELECT `+renewalColumns+` FROM renewals
		WHERE service_id = ?
		ORDER BY created_at DESC, rowid DESC`, serviceID)
}

func (s *Store) queryRenewals(ctx context.Context, query string, args ...any) ([]hosting.Renewal, error) {
	rows, err := s.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query renewals: %w", err)
	}
	defer rows.Close()

	var renewals []hosting.Renewal
	for rows.Next() {
		var (
			r                          hosting.Renewal
			source, amount, cycle      string
			periodStart, periodEnd, at string
		)
		if err := rows.Scan(&r.ID, &r.ServiceID, &r.AccountID, &r.Reference, &source, &amount,
			&cycle, &periodStart, &periodEnd, &at); err != nil {
			return nil, fmt.Errorf("failed to scan renewal: %w", err)
		}
		r.Source = hosting.RenewalSource(source)
		r.Cycle = hosting.BillingCycle(cycle)
		if r.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("renewal %s: %w", r.ID, err)
		}
		if r.PeriodStart, err = parseTime(periodStart); err != nil {
			return nil, err
		}
		if r.PeriodEnd, err = parseTime(periodEnd); err != nil {
			return nil, err
		}
		if r.CreatedAt, err = parseTime(at); err != nil {
			return nil, err
		}
		renewals = append(renewals, r)
	}
	return renewals, rows.Err()
}

// =============================================================================
// PLANS
// =============================================================================

const planColumns = `id, name, monthly_price, yearly_price, cpu, ram_mb, disk_gb, transfer_gb,
	is_public, gateway_product_id, gateway_monthly_price_id, gateway_yearly_price_id,
	created_at, updated_at`

func nullDecimal(d decimal.NullDecimal) sql.NullString {
	if !d.Valid {
		return sql.NullString{}
	}
	return sql.NullString{String: d.Decimal.String(), Valid: true}
}

func (s *Store) CreatePlan(ctx context.Context, p hosting.Plan) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO plans (`+planColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.MonthlyPrice.String(), nullDecimal(p.YearlyPrice),
		p.CPU, p.RAMMB, p.DiskGB, p.TransferGB, boolInt(p.IsPublic),
		nullString(p.GatewayProductID), nullString(p.GatewayMonthlyPriceID), nullString(p.GatewayYearlyPriceID),
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create plan: %w", err)
	}
	return nil
}

func (s *Store) UpdatePlan(ctx context.Context, p hosting.Plan) error {
	res, err := s.q(ctx).ExecContext(ctx, `
		UPDATE plans SET
			name = ?, monthly_price = ?, yearly_price = ?, cpu = ?, ram_mb = ?, disk_gb = ?,
			transfer_gb = ?, is_public = ?, gateway_product_id = ?, gateway_monthly_price_id = ?,
			gateway_yearly_price_id = ?, updated_at = ?
		WHERE id = ?`,
		p.Name, p.MonthlyPrice.String(), nullDecimal(p.YearlyPrice),
		p.CPU, p.RAMMB, p.DiskGB, p.TransferGB, boolInt(p.IsPublic),
		nullString(p.GatewayProductID), nullString(p.GatewayMonthlyPriceID), nullString(p.GatewayYearlyPriceID),
		formatTime(p.UpdatedAt), p.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update plan: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("plan %s: %w", p.ID, hosting.ErrNotFound)
	}
	return nil
}

// DeletePlan refuses plans still referenced by a service, cancelled ones included.
func (s *Store) DeletePlan(ctx context.Context, id string) error {
	return s.WithTx(ctx, func(ctx context.Context) error {
		var refs int
		if err := s.q(ctx).QueryRowContext(ctx,
			`SELECT COUNT(*) FROM services WHERE plan_id = ?`, id).Scan(&refs); err != nil {
			return fmt.Errorf("failed to count plan references: %w", err)
		}
		if refs > 0 {
			return fmt.Errorf("plan %s has %d services: %w", id, refs, hosting.ErrPlanInUse)
		}
		res, err := s.q(ctx).ExecContext(ctx, `DELETE FROM plans WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete plan: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("plan %s: %w", id, hosting.ErrNotFound)
		}
		return nil
	})
}

func (s *Store) GetPlan(ctx context.Context, id string) (hosting.Plan, error) {
	plans, err := s.queryPlans(ctx, `SELECT `+planColumns+` FROM plans WHERE id = ?`, id)
	if err != nil {
		return hosting.Plan{}, err
	}
	if len(plans) == 0 {
		return hosting.Plan{}, fmt.Errorf("plan %s: %w", id, hosting.ErrNotFound)
	}
	return plans[0], nil
}

func (s *Store) ListPlans(ctx context.Context, publicOnly bool) ([]hosting.Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans`
	if publicOnly {
		query += ` WHERE is_public = 1`
	}
	return s.queryPlans(ctx, query+` ORDER BY CAST(monthly_price AS REAL), name`)
}

func (s *Store) queryPlans(ctx context.Context, query string, args ...any) ([]hosting.Plan, error) {
	rows, err := s.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query plans: %w", err)
	}
	defer rows.Close()

	var plans []hosting.Plan
	for rows.Next() {
		var (
			p                               hosting.Plan
			monthly, createdAt, updatedAt   string
			yearly, product, mPrice, yPrice sql.NullString
			isPublic                        int
		)
		if err := rows.Scan(&p.ID, &p.Name, &monthly, &yearly, &p.CPU, &p.RAMMB, &p.DiskGB,
			&p.TransferGB, &isPublic, &product, &mPrice, &yPrice, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		if p.MonthlyPrice, err = decimal.NewFromString(monthly); err != nil {
			return nil, fmt.Errorf("plan %s: %w", p.ID, err)
		}
		if yearly.Valid {
			d, err := decimal.NewFromString(yearly.String)
			if err != nil {
				return nil, fmt.Errorf("plan %s: %w", p.ID, err)
			}
			p.YearlyPrice = decimal.NewNullDecimal(d)
		}
		p.IsPublic = isPublic == 1
		p.GatewayProductID = product.String
		p.GatewayMonthlyPriceID = mPrice.String
		p.GatewayYearlyPriceID = yPrice.String
		if p.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}
