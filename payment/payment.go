/*
Package payment defines the payment gateway boundary.

PURPOSE:
  The core never talks to a payment provider directly. Checkouts are started
  through a Gateway, and settled payments come back as normalized Events that
  the Processor applies to the wallet and the service lifecycle.

EVENT FLOW:
  TopUpSettled          wallet credit, once per reference
  RenewalSettled        one-off renewal of ServiceID
  SubscriptionStarted   attach SubscriptionRef to ServiceID
  InvoicePaid           subscription renewal, attaching first when ServiceID is known
  InvoiceFailed         ErrPaymentFailed, nothing changes
  SubscriptionEnded     detach, service returns to manual-one-off

SEE ALSO:
  - payment/stripe: Stripe Checkout gateway and webhook decoding
  - hosting/lifecycle.go: Renewal and billing mode transitions
*/
package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/hosting-engine/generic"
	"github.com/warp/hosting-engine/hosting"
	"github.com/warp/hosting-engine/wallet"
)

var ErrUnsupportedPurpose = errors.New("unsupported checkout purpose")

// Purpose tells the webhook what a completed checkout paid for.
type Purpose string

const (
	PurposeTopUp        Purpose = "top_up"
	PurposeRenewal      Purpose = "renewal"
	PurposeSubscription Purpose = "subscription"
)

// CheckoutRequest describes a hosted payment page to open.
type CheckoutRequest struct {
	AccountID string
	ServiceID string
	Purpose   Purpose

	// Amount and Description price one-off payments.
	Amount      decimal.Decimal
	Description string

	// PriceID is the gateway's recurring price for subscriptions.
	PriceID string
}

func (r CheckoutRequest) Validate() error {
	if r.AccountID == "" {
		return fmt.Errorf("account is required")
	}
	switch r.Purpose {
	case PurposeTopUp:
		if !r.Amount.IsPositive() {
			return wallet.ErrInvalidAmount
		}
	case PurposeRenewal:
		if r.ServiceID == "" {
			return fmt.Errorf("service is required")
		}
		if !r.Amount.IsPositive() {
			return fmt.Errorf("renewal amount must be positive")
		}
	case PurposeSubscription:
		if r.ServiceID == "" {
			return fmt.Errorf("service is required")
		}
		if r.PriceID == "" {
			return fmt.Errorf("%w: plan has no gateway price", hosting.ErrCycleUnavailable)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedPurpose, r.Purpose)
	}
	return nil
}

// Session is an opened checkout page.
type Session struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type Gateway interface {
	StartCheckout(ctx context.Context, req CheckoutRequest) (Session, error)
	CancelSubscription(ctx context.Context, ref string) error
}

// =============================================================================
// EVENTS
// =============================================================================

type EventKind string

const (
	EventTopUpSettled        EventKind = "top_up_settled"
	EventRenewalSettled      EventKind = "renewal_settled"
	EventSubscriptionStarted EventKind = "subscription_started"
	EventInvoicePaid         EventKind = "invoice_paid"
	EventInvoiceFailed       EventKind = "invoice_failed"
	EventSubscriptionEnded   EventKind = "subscription_ended"
)

// Event is a gateway notification reduced to what the core needs.
type Event struct {
	ID              string
	Kind            EventKind
	AccountID       string
	ServiceID       string
	SubscriptionRef string

	// Reference identifies the payment: checkout session or invoice ID.
	Reference     string
	Amount        decimal.Decimal
	FailureReason string
}

// =============================================================================
// PROCESSOR
// =============================================================================

type Lifecycle interface {
	ApplyRenewal(ctx context.Context, p hosting.Payment) (hosting.Renewal, error)
	AttachSubscription(ctx context.Context, serviceID, ref string) (*hosting.Service, error)
	DetachSubscription(ctx context.Context, ref string) (*hosting.Service, error)
}

type Wallet interface {
	TopUp(ctx context.Context, accountID string, amount decimal.Decimal, reference, description string) (wallet.Transaction, error)
}

// Processor applies gateway events to the core. Redelivered events are
// no-ops because every write is keyed by the event's payment reference.
type Processor struct {
	lifecycle Lifecycle
	wallet    Wallet
}

func NewProcessor(l Lifecycle, w Wallet) *Processor {
	return &Processor{lifecycle: l, wallet: w}
}

// Apply returns nil for benign duplicates.
func (p *Processor) Apply(ctx context.Context, e Event) error {
	err := p.apply(ctx, e)
	if generic.IsBenign(err) {
		return nil
	}
	return err
}

func (p *Processor) apply(ctx context.Context, e Event) error {
	switch e.Kind {
	case EventTopUpSettled:
		if e.AccountID == "" {
			return fmt.Errorf("top-up %s has no account", e.Reference)
		}
		_, err := p.wallet.TopUp(ctx, e.AccountID, e.Amount, e.Reference, "Wallet top-up")
		return err

	case EventRenewalSettled:
		_, err := p.lifecycle.ApplyRenewal(ctx, hosting.Payment{
			ServiceID: e.ServiceID,
			Reference: e.Reference,
			Amount:    e.Amount,
			Source:    hosting.SourceOneOff,
			Succeeded: true,
		})
		return err

	case EventSubscriptionStarted:
		_, err := p.lifecycle.AttachSubscription(ctx, e.ServiceID, e.SubscriptionRef)
		return err

	case EventInvoicePaid:
		// The first invoice can arrive before the checkout completion.
		if e.ServiceID != "" {
			if _, err := p.lifecycle.AttachSubscription(ctx, e.ServiceID, e.SubscriptionRef); err != nil {
				return err
			}
		}
		_, err := p.lifecycle.ApplyRenewal(ctx, hosting.Payment{
			SubscriptionRef: e.SubscriptionRef,
			Reference:       e.Reference,
			Amount:          e.Amount,
			Source:          hosting.SourceSubscription,
			Succeeded:       true,
		})
		return err

	case EventInvoiceFailed:
		_, err := p.lifecycle.ApplyRenewal(ctx, hosting.Payment{
			SubscriptionRef: e.SubscriptionRef,
			Reference:       e.Reference,
			Succeeded:       false,
			FailureReason:   e.FailureReason,
		})
		return err

	case EventSubscriptionEnded:
		_, err := p.lifecycle.DetachSubscription(ctx, e.SubscriptionRef)
		if errors.Is(err, hosting.ErrNotFound) {
			return nil
		}
		return err

	default:
		return fmt.Errorf("unknown payment event kind %q", e.Kind)
	}
}

// IsPermanent reports errors that a redelivery of the same event cannot fix.
func IsPermanent(err error) bool {
	return errors.Is(err, hosting.ErrPaymentFailed) ||
		errors.Is(err, hosting.ErrNotFound) ||
		errors.Is(err, hosting.ErrServiceCancelled) ||
		errors.Is(err, hosting.ErrConflictingBillingMode) ||
		errors.Is(err, wallet.ErrInvalidAmount)
}
