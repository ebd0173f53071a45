package stripe

import (
	"context"
	"fmt"
	"strings"

	stripelib "github.com/stripe/stripe-go/v82"
	stripesession "github.com/stripe/stripe-go/v82/checkout/session"
	stripesub "github.com/stripe/stripe-go/v82/subscription"

	"github.com/warp/hosting-engine/payment"
)

// Metadata keys carried from checkout to the webhook.
const (
	metaAccountID = "account_id"
	metaServiceID = "service_id"
	metaPurpose   = "purpose"
)

type Config struct {
	APIKey     string
	SuccessURL string
	CancelURL  string
	Currency   string
}

// Gateway opens Stripe Checkout sessions.
type Gateway struct {
	cfg Config

	createCheckoutSession func(params *stripelib.CheckoutSessionParams) (*stripelib.CheckoutSession, error)
	cancelSubscription    func(id string, params *stripelib.SubscriptionCancelParams) (*stripelib.Subscription, error)
}

var _ payment.Gateway = (*Gateway)(nil)

func NewGateway(cfg Config) *Gateway {
	if cfg.Currency == "" {
		cfg.Currency = "pln"
	}
	return &Gateway{
		cfg:                   cfg,
		createCheckoutSession: stripesession.New,
		cancelSubscription:    stripesub.Cancel,
	}
}

func (g *Gateway) StartCheckout(ctx context.Context, req payment.CheckoutRequest) (payment.Session, error) {
	if err := req.Validate(); err != nil {
		return payment.Session{}, err
	}
	stripelib.Key = strings.TrimSpace(g.cfg.APIKey)

	metadata := map[string]string{
		metaAccountID: req.AccountID,
		metaServiceID: req.ServiceID,
		metaPurpose:   string(req.Purpose),
	}
	params := &stripelib.CheckoutSessionParams{
		SuccessURL:        stripelib.String(g.cfg.SuccessURL),
		CancelURL:         stripelib.String(g.cfg.CancelURL),
		ClientReferenceID: stripelib.String(req.AccountID),
		Metadata:          metadata,
	}
	params.Context = ctx

	if req.Purpose == payment.PurposeSubscription {
		params.Mode = stripelib.String(string(stripelib.CheckoutSessionModeSubscription))
		params.LineItems = []*stripelib.CheckoutSessionLineItemParams{
			{
				Price:    stripelib.String(req.PriceID),
				Quantity: stripelib.Int64(1),
			},
		}
		params.SubscriptionData = &stripelib.CheckoutSessionSubscriptionDataParams{
			Metadata: metadata,
		}
	} else {
		params.Mode = stripelib.String(string(stripelib.CheckoutSessionModePayment))
		params.LineItems = []*stripelib.CheckoutSessionLineItemParams{
			{
				PriceData: &stripelib.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripelib.String(g.cfg.Currency),
					UnitAmount: stripelib.Int64(req.Amount.Shift(2).Round(0).IntPart()),
					ProductData: &stripelib.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripelib.String(description(req)),
					},
				},
				Quantity: stripelib.Int64(1),
			},
		}
	}

	session, err := g.createCheckoutSession(params)
	if err != nil {
		return payment.Session{}, fmt.Errorf("create checkout session: %w", err)
	}
	if session == nil || strings.TrimSpace(session.URL) == "" {
		return payment.Session{}, fmt.Errorf("create checkout session: empty session URL")
	}
	return payment.Session{ID: session.ID, URL: session.URL}, nil
}

func description(req payment.CheckoutRequest) string {
	if req.Description != "" {
		return req.Description
	}
	if req.Purpose == payment.PurposeTopUp {
		return "Wallet top-up"
	}
	return "Service renewal"
}

// CancelSubscription ends a subscription immediately. The resulting
// customer.subscription.deleted event detaches it from its service.
func (g *Gateway) CancelSubscription(ctx context.Context, ref string) error {
	stripelib.Key = strings.TrimSpace(g.cfg.APIKey)
	params := &stripelib.SubscriptionCancelParams{}
	params.Context = ctx
	if _, err := g.cancelSubscription(ref, params); err != nil {
		return fmt.Errorf("cancel subscription %s: %w", ref, err)
	}
	return nil
}
