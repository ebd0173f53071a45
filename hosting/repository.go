package hosting

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/hosting-engine/generic"
)

// RenewalSource names what funded a renewal.
type RenewalSource string

const (
	SourcePurchase     RenewalSource = "purchase"
	SourceWallet       RenewalSource = "wallet"
	SourceOneOff       RenewalSource = "one_off"
	SourceSubscription RenewalSource = "subscription"
)

// Renewal is the record of one applied payment. Reference is unique across
// all renewals, which makes redelivered payment events harmless.
type Renewal struct {
	ID          string
	ServiceID   string
	AccountID   string
	Reference   string
	Source      RenewalSource
	Amount      decimal.Decimal
	Cycle       BillingCycle
	PeriodStart time.Time
	PeriodEnd   time.Time
	CreatedAt   time.Time
}

// ServiceFilter narrows ListServices. Zero values match everything.
type ServiceFilter struct {
	OwnerID string
	Status  Status
	Page    generic.Page
}

type ServiceRepository interface {
	CreateService(ctx context.Context, s *Service) error
	GetService(ctx context.Context, id string) (*Service, error)

	// UpdateService writes s if its version is still the stored one and
	// bumps the version. Fails with generic.ErrConcurrentModification otherwise.
	UpdateService(ctx context.Context, s *Service) error

	ListServices(ctx context.Context, f ServiceFilter) ([]*Service, error)
	FindBySubscriptionRef(ctx context.Context, ref string) (*Service, error)

	// ListDueForAutoRenew returns non-cancelled wallet-auto-renew services
	// expiring at or before the deadline.
	ListDueForAutoRenew(ctx context.Context, deadline time.Time) ([]*Service, error)

	// ListExpired returns active services whose expiresAt is before now.
	ListExpired(ctx context.Context, now time.Time) ([]*Service, error)
}

type PlanRepository interface {
	CreatePlan(ctx context.Context, p Plan) error
	GetPlan(ctx context.Context, id string) (Plan, error)
	UpdatePlan(ctx context.Context, p Plan) error

	// DeletePlan fails with ErrPlanInUse while any service references the plan.
	DeletePlan(ctx context.Context, id string) error

	ListPlans(ctx context.Context, publicOnly bool) ([]Plan, error)
}

type RenewalRepository interface {
	// RecordRenewal fails with generic.ErrDuplicateIdempotencyKey when the
	// reference was recorded before.
	RecordRenewal(ctx context.Context, r Renewal) error
	GetRenewal(ctx context.Context, id string) (Renewal, error)
	FindRenewalByReference(ctx context.Context, ref string) (*Renewal, error)
	ListRenewals(ctx context.Context, serviceID string) ([]Renewal, error)
}

// Repository is everything the lifecycle persists, plus the unit of work
// shared with the points and wallet ledgers.
type Repository interface {
	ServiceRepository
	PlanRepository
	RenewalRepository
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}
