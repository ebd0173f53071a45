package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/warp/hosting-engine/payment"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

var (
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hosting",
		Subsystem: "stripe",
		Name:      "webhook_requests_total",
		Help:      "Total Stripe webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "hosting",
		Subsystem: "stripe",
		Name:      "webhook_duration_seconds",
		Help:      "Stripe webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})
)

// Processor applies normalized payment events.
type Processor interface {
	Apply(ctx context.Context, e payment.Event) error
}

// WebhookHandler verifies Stripe signatures and forwards events.
type WebhookHandler struct {
	secret    string
	processor Processor
}

type webhookErrorResponse struct {
	Error string `json:"error"`
}

type webhookReceivedResponse struct {
	Received bool `json:"received"`
}

func NewWebhookHandler(secret string, processor Processor) *WebhookHandler {
	return &WebhookHandler{secret: secret, processor: processor}
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	if strings.TrimSpace(h.secret) == "" {
		status = http.StatusServiceUnavailable
		writeJSON(w, status, webhookErrorResponse{Error: "webhook secret not configured"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "failed to read request body"})
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "missing Stripe signature"})
		return
	}

	event, err := webhook.ConstructEventWithOptions(body, sigHeader, h.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "invalid Stripe signature"})
		return
	}
	eventType = string(event.Type)

	normalized, ok, err := Normalize(&event)
	if err != nil {
		log.Error().Err(err).Str("event_id", event.ID).Str("type", eventType).Msg("Stripe webhook decode failed")
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "malformed event"})
		return
	}
	if !ok {
		log.Info().Str("event_id", event.ID).Str("type", eventType).Msg("Stripe webhook ignored")
		writeJSON(w, status, webhookReceivedResponse{Received: true})
		return
	}

	if err := h.processor.Apply(r.Context(), normalized); err != nil {
		logger := log.With().
			Err(err).
			Str("event_id", event.ID).
			Str("type", eventType).
			Str("service_id", normalized.ServiceID).
			Str("account_id", normalized.AccountID).
			Logger()
		if payment.IsPermanent(err) {
			// Redelivery cannot change the outcome; acknowledge.
			logger.Warn().Msg("Stripe webhook event rejected")
			writeJSON(w, status, webhookReceivedResponse{Received: true})
			return
		}
		logger.Error().Msg("Stripe webhook processing failed")
		status = http.StatusInternalServerError
		writeJSON(w, status, webhookErrorResponse{Error: "processing failed"})
		return
	}

	writeJSON(w, status, webhookReceivedResponse{Received: true})
}

// =============================================================================
// EVENT DECODING
// =============================================================================

// CheckoutSession is the subset of a checkout.session payload the core uses.
type CheckoutSession struct {
	ID            string            `json:"id"`
	Mode          string            `json:"mode"`
	PaymentStatus string            `json:"payment_status"`
	Subscription  string            `json:"subscription"`
	AmountTotal   int64             `json:"amount_total"`
	Metadata      map[string]string `json:"metadata"`
}

// Invoice is the subset of an invoice payload the core uses. Newer API
// versions move the subscription under parent.subscription_details.
type Invoice struct {
	ID           string `json:"id"`
	Subscription string `json:"subscription"`
	AmountPaid   int64  `json:"amount_paid"`
	AmountDue    int64  `json:"amount_due"`
	AttemptCount int64  `json:"attempt_count"`
	Parent       struct {
		SubscriptionDetails struct {
			Subscription string            `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
	SubscriptionDetails struct {
		Metadata map[string]string `json:"metadata"`
	} `json:"subscription_details"`
}

func (i Invoice) subscriptionRef() string {
	if s := strings.TrimSpace(i.Parent.SubscriptionDetails.Subscription); s != "" {
		return s
	}
	return strings.TrimSpace(i.Subscription)
}

func (i Invoice) metadata() map[string]string {
	if len(i.Parent.SubscriptionDetails.Metadata) > 0 {
		return i.Parent.SubscriptionDetails.Metadata
	}
	return i.SubscriptionDetails.Metadata
}

type Subscription struct {
	ID       string            `json:"id"`
	Metadata map[string]string `json:"metadata"`
}

// minorUnits converts a Stripe amount in the currency's minor unit.
func minorUnits(v int64) decimal.Decimal {
	return decimal.New(v, -2)
}

// Normalize reduces a Stripe event to a payment.Event. ok is false for
// events the core does not act on.
func Normalize(event *stripelib.Event) (payment.Event, bool, error) {
	out := payment.Event{ID: event.ID}

	switch event.Type {
	case "checkout.session.completed":
		var s CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &s); err != nil {
			return out, false, fmt.Errorf("decode checkout.session: %w", err)
		}
		out.AccountID = s.Metadata[metaAccountID]
		out.ServiceID = s.Metadata[metaServiceID]
		out.Reference = s.ID
		out.Amount = minorUnits(s.AmountTotal)

		switch payment.Purpose(s.Metadata[metaPurpose]) {
		case payment.PurposeTopUp:
			if s.PaymentStatus != "paid" {
				return out, false, nil
			}
			out.Kind = payment.EventTopUpSettled
		case payment.PurposeRenewal:
			if s.PaymentStatus != "paid" {
				return out, false, nil
			}
			out.Kind = payment.EventRenewalSettled
		case payment.PurposeSubscription:
			if s.Subscription == "" {
				return out, false, fmt.Errorf("checkout %s completed without a subscription", s.ID)
			}
			out.Kind = payment.EventSubscriptionStarted
			out.SubscriptionRef = s.Subscription
		default:
			return out, false, nil
		}
		return out, true, nil

	case "invoice.paid", "invoice.payment_failed":
		var inv Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return out, false, fmt.Errorf("decode invoice: %w", err)
		}
		out.SubscriptionRef = inv.subscriptionRef()
		if out.SubscriptionRef == "" {
			// Invoices outside subscriptions are settled through checkout.
			return out, false, nil
		}
		meta := inv.metadata()
		out.AccountID = meta[metaAccountID]
		out.ServiceID = meta[metaServiceID]
		out.Reference = inv.ID

		if event.Type == "invoice.paid" {
			out.Kind = payment.EventInvoicePaid
			out.Amount = minorUnits(inv.AmountPaid)
		} else {
			out.Kind = payment.EventInvoiceFailed
			out.Amount = minorUnits(inv.AmountDue)
			out.FailureReason = fmt.Sprintf("invoice %s payment failed (attempt %d)", inv.ID, inv.AttemptCount)
		}
		return out, true, nil

	case "customer.subscription.deleted":
		var sub Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return out, false, fmt.Errorf("decode subscription: %w", err)
		}
		out.Kind = payment.EventSubscriptionEnded
		out.SubscriptionRef = sub.ID
		out.ServiceID = sub.Metadata[metaServiceID]
		out.AccountID = sub.Metadata[metaAccountID]
		return out, true, nil

	default:
		return out, false, nil
	}
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("stripe: encode webhook response")
	}
}
