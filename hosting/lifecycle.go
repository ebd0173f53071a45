/*
lifecycle.go - Service Lifecycle orchestrator

PURPOSE:
  Applies lifecycle events to services inside one unit of work together with
  their points and wallet side effects. A rolled back unit leaves no
  renewal, no points and no wallet debit behind.

EVENTS:
  Purchase          wallet debit, service created active, first renewal record,
                    spend accrual, yearly bonus, auto-renew bonus
  SetAutoRenew      owner toggles wallet auto-renew; bonus once per account
  AttachSubscription / DetachSubscription
                    gateway created or ended a recurring subscription
  ApplyRenewal      settled payment (one-off or subscription charge):
                    expiresAt += cycle, status active, spend accrual,
                    yearly bonus on the service's first yearly payment
  RenewFromWallet   wallet-auto-renew charge followed by ApplyRenewal
  SuspendExpired    active services past expiresAt become suspended
  Cancel            administrative, terminal

FAILURE SEMANTICS:
  A payment that did not settle returns ErrPaymentFailed and changes
  nothing. A cancelled service refuses every event with ErrServiceCancelled.
  A payment reference applied before returns the earlier renewal together
  with ErrAlreadyRenewed.

SEE ALSO:
  - service.go, billing.go: The aggregate and its guards
  - eko/ledger.go: Points side effects
  - wallet/wallet.go: Wallet debits
*/
package hosting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/hosting-engine/eko"
	"github.com/warp/hosting-engine/generic"
	"github.com/warp/hosting-engine/wallet"
)

// Points is the points ledger as seen by the lifecycle.
type Points interface {
	RecordAccrual(ctx context.Context, a eko.Accrual) (eko.Entry, error)
}

// Wallet is the wallet as seen by the lifecycle.
type Wallet interface {
	Pay(ctx context.Context, accountID string, amount decimal.Decimal, reference, description string) (wallet.Transaction, error)
}

// Event names a lifecycle event for observers.
type Event string

const (
	EventProvision            Event = "provision"
	EventRenewal              Event = "renewal"
	EventExpiry               Event = "expiry"
	EventCancel               Event = "cancel"
	EventAutoRenewOn          Event = "auto_renew_on"
	EventAutoRenewOff         Event = "auto_renew_off"
	EventSubscriptionAttached Event = "subscription_attached"
	EventSubscriptionDetached Event = "subscription_detached"
)

// Observer is notified after a lifecycle unit of work commits.
type Observer interface {
	Transitioned(serviceID string, from, to Status, event Event)
}

type Option func(*Lifecycle)

func WithClock(c generic.Clock) Option {
	return func(l *Lifecycle) { l.clock = c }
}

func WithObserver(o Observer) Option {
	return func(l *Lifecycle) { l.observer = o }
}

// WithIDGenerator replaces uuid generation for services and renewals.
func WithIDGenerator(fn func() string) Option {
	return func(l *Lifecycle) { l.newID = fn }
}

type Lifecycle struct {
	repo     Repository
	points   Points
	wallet   Wallet
	clock    generic.Clock
	newID    func() string
	observer Observer
}

func NewLifecycle(repo Repository, points Points, w Wallet, opts ...Option) *Lifecycle {
	l := &Lifecycle{
		repo:   repo,
		points: points,
		wallet: w,
		clock:  generic.SystemClock{},
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

type transition struct {
	serviceID string
	from, to  Status
	event     Event
}

func (l *Lifecycle) notify(ts ...transition) {
	if l.observer == nil {
		return
	}
	for _, t := range ts {
		l.observer.Transitioned(t.serviceID, t.from, t.to, t.event)
	}
}

// load fetches a service, hiding services of other owners and refusing
// stale expected versions. Empty ownerID and zero expectedVersion skip the
// respective check.
func (l *Lifecycle) load(ctx context.Context, serviceID, ownerID string, expectedVersion int) (*Service, error) {
	svc, err := l.repo.GetService(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	if ownerID != "" && svc.OwnerID() != ownerID {
		return nil, fmt.Errorf("service %s: %w", serviceID, ErrNotFound)
	}
	if expectedVersion > 0 && svc.Version() != expectedVersion {
		return nil, fmt.Errorf("%w: service %s is at version %d, expected %d",
			generic.ErrConcurrentModification, serviceID, svc.Version(), expectedVersion)
	}
	return svc, nil
}

// grant records a points accrual, treating already-granted bonuses as done.
func (l *Lifecycle) grant(ctx context.Context, a eko.Accrual) error {
	if l.points == nil {
		return nil
	}
	if _, err := l.points.RecordAccrual(ctx, a); err != nil && !generic.IsBenign(err) {
		return fmt.Errorf("grant %s: %w", a.Action, err)
	}
	return nil
}

// rewardPayment grants spend points and, for yearly services, the yearly bonus.
func (l *Lifecycle) rewardPayment(ctx context.Context, svc *Service, amount decimal.Decimal, reference string) error {
	if amount.IsPositive() {
		if err := l.grant(ctx, eko.Accrual{
			AccountID: svc.OwnerID(),
			Action:    eko.ActionSpendAccrual,
			Amount:    amount,
			Reference: reference,
		}); err != nil {
			return err
		}
	}
	if svc.Cycle() == CycleYearly {
		return l.grant(ctx, eko.Accrual{
			AccountID: svc.OwnerID(),
			Action:    eko.ActionYearlyPayment,
			Reference: svc.ID(),
		})
	}
	return nil
}

// =============================================================================
// PROVISIONING
// =============================================================================

type PurchaseRequest struct {
	OwnerID   string
	PlanID    string
	Cycle     BillingCycle
	AutoRenew bool
}

// Purchase pays the first cycle from the wallet and provisions the service.
func (l *Lifecycle) Purchase(ctx context.Context, req PurchaseRequest) (*Service, Renewal, error) {
	if !req.Cycle.IsValid() {
		return nil, Renewal{}, fmt.Errorf("%w: %q", ErrInvalidCycle, req.Cycle)
	}

	var (
		svc     *Service
		renewal Renewal
	)
	err := l.repo.WithTx(ctx, func(ctx context.Context) error {
		plan, err := l.repo.GetPlan(ctx, req.PlanID)
		if err != nil {
			return err
		}
		price, err := plan.PriceFor(req.Cycle)
		if err != nil {
			return err
		}

		now := l.clock.Now()
		svc, err = NewService(l.newID(), req.OwnerID, plan.ID, req.Cycle, now)
		if err != nil {
			return err
		}
		reference := "purchase-" + svc.ID()

		if price.IsPositive() {
			desc := fmt.Sprintf("%s (%s)", plan.Name, req.Cycle)
			if _, err := l.wallet.Pay(ctx, req.OwnerID, price, reference, desc); err != nil {
				return paymentError(err)
			}
		}

		if req.AutoRenew {
			if _, err := svc.EnableAutoRenew(now); err != nil {
				return err
			}
		}
		if err := l.repo.CreateService(ctx, svc); err != nil {
			return err
		}

		renewal = Renewal{
			ID:          l.newID(),
			ServiceID:   svc.ID(),
			AccountID:   svc.OwnerID(),
			Reference:   reference,
			Source:      SourcePurchase,
			Amount:      price,
			Cycle:       svc.Cycle(),
			PeriodStart: now,
			PeriodEnd:   svc.ExpiresAt(),
			CreatedAt:   now,
		}
		if err := l.repo.RecordRenewal(ctx, renewal); err != nil {
			return err
		}

		if err := l.rewardPayment(ctx, svc, price, reference); err != nil {
			return err
		}
		if req.AutoRenew {
			return l.grant(ctx, eko.Accrual{AccountID: svc.OwnerID(), Action: eko.ActionAutoRenewEnabled})
		}
		return nil
	})
	if err != nil {
		return nil, Renewal{}, err
	}

	l.notify(transition{svc.ID(), "", StatusActive, EventProvision})
	return svc, renewal, nil
}

func paymentError(err error) error {
	if errors.Is(err, wallet.ErrInsufficientFunds) {
		return fmt.Errorf("%w: %w", ErrPaymentFailed, err)
	}
	return err
}

// =============================================================================
// BILLING MODE CHANGES
// =============================================================================

type AutoRenewCommand struct {
	ServiceID       string
	OwnerID         string
	Enabled         bool
	ExpectedVersion int
}

// SetAutoRenew switches wallet auto-renew. Enabling grants the auto-renew
// bonus once per account; disabling never reverses it.
func (l *Lifecycle) SetAutoRenew(ctx context.Context, cmd AutoRenewCommand) (*Service, error) {
	return l.autoRenew(ctx, cmd, false)
}

// ToggleAutoRenew flips the current auto-renew setting.
func (l *Lifecycle) ToggleAutoRenew(ctx context.Context, serviceID, ownerID string, expectedVersion int) (*Service, error) {
	return l.autoRenew(ctx, AutoRenewCommand{
		ServiceID:       serviceID,
		OwnerID:         ownerID,
		ExpectedVersion: expectedVersion,
	}, true)
}

func (l *Lifecycle) autoRenew(ctx context.Context, cmd AutoRenewCommand, toggle bool) (*Service, error) {
	var (
		svc     *Service
		changed bool
		enabled bool
	)
	err := l.repo.WithTx(ctx, func(ctx context.Context) error {
		var err error
		svc, err = l.load(ctx, cmd.ServiceID, cmd.OwnerID, cmd.ExpectedVersion)
		if err != nil {
			return err
		}

		enabled = cmd.Enabled
		if toggle {
			enabled = !svc.AutoRenew()
		}

		now := l.clock.Now()
		if enabled {
			changed, err = svc.EnableAutoRenew(now)
		} else {
			changed, err = svc.DisableAutoRenew(now)
		}
		if err != nil || !changed {
			return err
		}
		if err := l.repo.UpdateService(ctx, svc); err != nil {
			return err
		}

		if enabled {
			return l.grant(ctx, eko.Accrual{AccountID: svc.OwnerID(), Action: eko.ActionAutoRenewEnabled})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if changed {
		event := EventAutoRenewOff
		if enabled {
			event = EventAutoRenewOn
		}
		l.notify(transition{svc.ID(), svc.Status(), svc.Status(), event})
	}
	return svc, nil
}

// AttachSubscription records the gateway subscription renewing the service
// and forces autoRenew off.
func (l *Lifecycle) AttachSubscription(ctx context.Context, serviceID, ref string) (*Service, error) {
	var (
		svc     *Service
		changed bool
	)
	err := l.repo.WithTx(ctx, func(ctx context.Context) error {
		var err error
		svc, err = l.load(ctx, serviceID, "", 0)
		if err != nil {
			return err
		}
		if svc.SubscriptionRef() == ref {
			return nil
		}
		if err := svc.AttachSubscription(ref, l.clock.Now()); err != nil {
			return err
		}
		changed = true
		return l.repo.UpdateService(ctx, svc)
	})
	if err != nil {
		return nil, err
	}

	if changed {
		l.notify(transition{svc.ID(), svc.Status(), svc.Status(), EventSubscriptionAttached})
	}
	return svc, nil
}

// DetachSubscription returns the subscribed service to manual-one-off.
func (l *Lifecycle) DetachSubscription(ctx context.Context, ref string) (*Service, error) {
	var (
		svc     *Service
		changed bool
	)
	err := l.repo.WithTx(ctx, func(ctx context.Context) error {
		var err error
		svc, err = l.repo.FindBySubscriptionRef(ctx, ref)
		if err != nil {
			return err
		}
		if changed = svc.DetachSubscription(ref, l.clock.Now()); !changed {
			return nil
		}
		return l.repo.UpdateService(ctx, svc)
	})
	if err != nil {
		return nil, err
	}

	if changed {
		l.notify(transition{svc.ID(), svc.Status(), svc.Status(), EventSubscriptionDetached})
	}
	return svc, nil
}

// =============================================================================
// RENEWAL
// =============================================================================

// Payment is a payment outcome reported by the gateway or the wallet.
type Payment struct {
	// ServiceID, or SubscriptionRef for subscription charges.
	ServiceID       string
	SubscriptionRef string

	Reference     string
	Amount        decimal.Decimal
	Source        RenewalSource
	Succeeded     bool
	FailureReason string
}

// ApplyRenewal applies a settled renewal payment to its service.
func (l *Lifecycle) ApplyRenewal(ctx context.Context, p Payment) (Renewal, error) {
	if !p.Succeeded {
		return Renewal{}, fmt.Errorf("%w: %s", ErrPaymentFailed, p.FailureReason)
	}
	if p.Reference == "" {
		return Renewal{}, fmt.Errorf("payment reference is required")
	}

	var (
		renewal Renewal
		t       transition
	)
	err := l.repo.WithTx(ctx, func(ctx context.Context) error {
		svc, err := l.paymentTarget(ctx, p)
		if err != nil {
			return err
		}
		renewal, t, err = l.applyRenewal(ctx, svc, p)
		return err
	})
	if errors.Is(err, ErrAlreadyRenewed) {
		return l.priorRenewal(ctx, p.Reference)
	}
	if err != nil {
		return Renewal{}, err
	}

	l.notify(t)
	return renewal, nil
}

func (l *Lifecycle) paymentTarget(ctx context.Context, p Payment) (*Service, error) {
	if p.ServiceID != "" {
		return l.repo.GetService(ctx, p.ServiceID)
	}
	if p.SubscriptionRef != "" {
		return l.repo.FindBySubscriptionRef(ctx, p.SubscriptionRef)
	}
	return nil, fmt.Errorf("payment %s names no service: %w", p.Reference, ErrNotFound)
}

func (l *Lifecycle) priorRenewal(ctx context.Context, reference string) (Renewal, error) {
	prior, err := l.repo.FindRenewalByReference(ctx, reference)
	if err != nil {
		return Renewal{}, err
	}
	if prior == nil {
		return Renewal{}, generic.ErrTransactionFailed
	}
	return *prior, ErrAlreadyRenewed
}

// applyRenewal runs inside the caller's unit of work.
func (l *Lifecycle) applyRenewal(ctx context.Context, svc *Service, p Payment) (Renewal, transition, error) {
	prior, err := l.repo.FindRenewalByReference(ctx, p.Reference)
	if err != nil {
		return Renewal{}, transition{}, err
	}
	if prior != nil {
		return Renewal{}, transition{}, ErrAlreadyRenewed
	}

	now := l.clock.Now()
	from, start := svc.Status(), svc.periodStart(now)
	if err := svc.Renew(now); err != nil {
		return Renewal{}, transition{}, err
	}
	if err := l.repo.UpdateService(ctx, svc); err != nil {
		return Renewal{}, transition{}, err
	}

	renewal := Renewal{
		ID:          l.newID(),
		ServiceID:   svc.ID(),
		AccountID:   svc.OwnerID(),
		Reference:   p.Reference,
		Source:      p.Source,
		Amount:      p.Amount,
		Cycle:       svc.Cycle(),
		PeriodStart: start,
		PeriodEnd:   svc.ExpiresAt(),
		CreatedAt:   now,
	}
	if err := l.repo.RecordRenewal(ctx, renewal); err != nil {
		if errors.Is(err, generic.ErrDuplicateIdempotencyKey) {
			return Renewal{}, transition{}, ErrAlreadyRenewed
		}
		return Renewal{}, transition{}, err
	}

	if err := l.rewardPayment(ctx, svc, p.Amount, p.Reference); err != nil {
		return Renewal{}, transition{}, err
	}
	return renewal, transition{svc.ID(), from, StatusActive, EventRenewal}, nil
}

// walletReference is stable for one paid period, so a retried job cannot
// charge the same period twice.
func walletReference(svc *Service) string {
	return fmt.Sprintf("auto-%s-%s", svc.ID(), svc.ExpiresAt().UTC().Format("20060102T150405"))
}

// RenewFromWallet charges the plan price to the owner's wallet and renews.
// Insufficient funds fail with ErrPaymentFailed and leave the service as is.
func (l *Lifecycle) RenewFromWallet(ctx context.Context, serviceID string) (Renewal, error) {
	var (
		renewal   Renewal
		t         transition
		reference string
	)
	err := l.repo.WithTx(ctx, func(ctx context.Context) error {
		svc, err := l.repo.GetService(ctx, serviceID)
		if err != nil {
			return err
		}
		if svc.Status() == StatusCancelled {
			return ErrServiceCancelled
		}
		if svc.Mode() != ModeWalletAutoRenew {
			return fmt.Errorf("%w: service %s is in %s mode", ErrConflictingBillingMode, svc.ID(), svc.Mode())
		}

		plan, err := l.repo.GetPlan(ctx, svc.PlanID())
		if err != nil {
			return err
		}
		price, err := plan.PriceFor(svc.Cycle())
		if err != nil {
			return err
		}

		reference = walletReference(svc)
		prior, err := l.repo.FindRenewalByReference(ctx, reference)
		if err != nil {
			return err
		}
		if prior != nil {
			return ErrAlreadyRenewed
		}

		if price.IsPositive() {
			desc := fmt.Sprintf("Auto-renewal of %s (%s)", plan.Name, svc.Cycle())
			if _, err := l.wallet.Pay(ctx, svc.OwnerID(), price, reference, desc); err != nil {
				return paymentError(err)
			}
		}

		renewal, t, err = l.applyRenewal(ctx, svc, Payment{
			ServiceID: svc.ID(),
			Reference: reference,
			Amount:    price,
			Source:    SourceWallet,
			Succeeded: true,
		})
		return err
	})
	if errors.Is(err, ErrAlreadyRenewed) {
		return l.priorRenewal(ctx, reference)
	}
	if err != nil {
		return Renewal{}, err
	}

	l.notify(t)
	return renewal, nil
}

// =============================================================================
// EXPIRY + CANCEL
// =============================================================================

// Failure is a per-service error collected by batch operations.
type Failure struct {
	ServiceID string
	Err       error
}

// SweepReport is the outcome of one scheduler pass.
type SweepReport struct {
	Renewed   []Renewal
	Suspended []string
	Failed    []Failure
}

// SuspendExpired suspends every active service past its expiresAt.
func (l *Lifecycle) SuspendExpired(ctx context.Context) ([]string, []Failure, error) {
	expired, err := l.repo.ListExpired(ctx, l.clock.Now())
	if err != nil {
		return nil, nil, err
	}

	var (
		suspended []string
		failed    []Failure
	)
	for _, candidate := range expired {
		if err := ctx.Err(); err != nil {
			return suspended, failed, err
		}
		err := l.repo.WithTx(ctx, func(ctx context.Context) error {
			svc, err := l.repo.GetService(ctx, candidate.ID())
			if err != nil {
				return err
			}
			if svc.Status() != StatusActive {
				return nil
			}
			if err := svc.Suspend(l.clock.Now()); err != nil {
				return err
			}
			return l.repo.UpdateService(ctx, svc)
		})
		if err != nil {
			failed = append(failed, Failure{ServiceID: candidate.ID(), Err: err})
			continue
		}
		suspended = append(suspended, candidate.ID())
		l.notify(transition{candidate.ID(), StatusActive, StatusSuspended, EventExpiry})
	}
	return suspended, failed, nil
}

// Sweep charges wallet-auto-renew services expiring within ahead, then
// suspends what is still expired. A cancelled ctx stops the pass between
// services.
func (l *Lifecycle) Sweep(ctx context.Context, ahead time.Duration) (SweepReport, error) {
	var report SweepReport

	due, err := l.repo.ListDueForAutoRenew(ctx, l.clock.Now().Add(ahead))
	if err != nil {
		return report, err
	}
	for _, svc := range due {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		renewal, err := l.RenewFromWallet(ctx, svc.ID())
		switch {
		case err == nil:
			report.Renewed = append(report.Renewed, renewal)
		case generic.IsBenign(err):
		default:
			report.Failed = append(report.Failed, Failure{ServiceID: svc.ID(), Err: err})
		}
	}

	suspended, failed, err := l.SuspendExpired(ctx)
	if err != nil {
		return report, err
	}
	report.Suspended = suspended
	report.Failed = append(report.Failed, failed...)
	return report, nil
}

// Cancel is the administrative, terminal cancel. The returned service keeps
// its subscription reference so the caller can end it at the gateway.
func (l *Lifecycle) Cancel(ctx context.Context, serviceID, reason string, expectedVersion int) (*Service, error) {
	var (
		svc  *Service
		from Status
	)
	err := l.repo.WithTx(ctx, func(ctx context.Context) error {
		var err error
		svc, err = l.load(ctx, serviceID, "", expectedVersion)
		if err != nil {
			return err
		}
		from = svc.Status()
		if from == StatusCancelled {
			return nil
		}
		if err := svc.Cancel(reason, l.clock.Now()); err != nil {
			return err
		}
		return l.repo.UpdateService(ctx, svc)
	})
	if err != nil {
		return nil, err
	}

	if from != StatusCancelled {
		l.notify(transition{svc.ID(), from, StatusCancelled, EventCancel})
	}
	return svc, nil
}

// =============================================================================
// QUERIES
// =============================================================================

// Service returns a service, hidden from other owners when ownerID is set.
func (l *Lifecycle) Service(ctx context.Context, serviceID, ownerID string) (*Service, error) {
	return l.load(ctx, serviceID, ownerID, 0)
}

func (l *Lifecycle) Services(ctx context.Context, f ServiceFilter) ([]*Service, error) {
	return l.repo.ListServices(ctx, f)
}

func (l *Lifecycle) Renewals(ctx context.Context, serviceID, ownerID string) ([]Renewal, error) {
	if _, err := l.load(ctx, serviceID, ownerID, 0); err != nil {
		return nil, err
	}
	return l.repo.ListRenewals(ctx, serviceID)
}

// Renewal returns one renewal of an owner's service.
func (l *Lifecycle) Renewal(ctx context.Context, renewalID, ownerID string) (Renewal, error) {
	r, err := l.repo.GetRenewal(ctx, renewalID)
	if err != nil {
		return Renewal{}, err
	}
	if ownerID != "" && r.AccountID != ownerID {
		return Renewal{}, fmt.Errorf("renewal %s: %w", renewalID, ErrNotFound)
	}
	return r, nil
}
