package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
	stripe "github.com/stripe/stripe-go"
	"github.com/stripe/stripe-go/paymentintent"

	"github.com/streamcash/server/internal/storage"
)

// Stripe handles the card payment method through PaymentIntents. The frontend
// finishes the intent with the client secret; completion reaches us through
// the webhook or the reconciliation poller.
type Stripe struct {
	frontendURL string
}

func NewStripe(apiKey, frontendURL string) *Stripe {
	stripe.Key = apiKey
	return &Stripe{frontendURL: frontendURL}
}

func (s *Stripe) CreatePayment(ctx context.Context, req CreateRequest) (*Payment, error) {
	params := &stripe.PaymentIntentParams{
		Amount:             stripe.Int64(req.Amount.Shift(2).IntPart()),
		Currency:           stripe.String(string(stripe.CurrencyRUB)),
		Description:        stripe.String(req.Description),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
	}

	pi, err := paymentintent.New(params)
	if err != nil {
		return nil, wrapStripeErr(err)
	}

	return &Payment{
		ExternalID:  pi.ID,
		RedirectURL: fmt.Sprintf("%s/donate/card?intent=%s&secret=%s", s.frontendURL, pi.ID, pi.ClientSecret),
	}, nil
}

func (s *Stripe) CheckStatus(ctx context.Context, externalID string, amount decimal.Decimal) (storage.Status, error) {
	pi, err := paymentintent.Get(externalID, nil)
	if err != nil {
		return "", wrapStripeErr(err)
	}

	return mapStripeStatus(pi.Status), nil
}

func (s *Stripe) SupportsPolling() bool { return true }

// stripeEvent is the slice of a webhook event we act on. Signature
// verification is the transport layer's concern and out of scope here.
type stripeEvent struct {
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID string `json:"id"`
		} `json:"object"`
	} `json:"data"`
}

func (s *Stripe) ParseWebhook(body []byte) (string, storage.Status, error) {
	var ev stripeEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return "", "", fmt.Errorf("stripe webhook: %w", err)
	}
	if ev.Data.Object.ID == "" {
		return "", "", fmt.Errorf("stripe webhook: missing object id")
	}

	switch ev.Type {
	case "payment_intent.succeeded":
		return ev.Data.Object.ID, storage.StatusCompleted, nil
	case "payment_intent.payment_failed", "payment_intent.canceled":
		return ev.Data.Object.ID, storage.StatusFailed, nil
	default:
		// Event types we do not handle keep the donation pending.
		return ev.Data.Object.ID, storage.StatusPending, nil
	}
}

func mapStripeStatus(s stripe.PaymentIntentStatus) storage.Status {
	switch s {
	case stripe.PaymentIntentStatusSucceeded:
		return storage.StatusCompleted
	case stripe.PaymentIntentStatusCanceled:
		return storage.StatusFailed
	default:
		// requires_payment_method, requires_confirmation, requires_action,
		// requires_capture, processing and anything Stripe adds later.
		return storage.StatusPending
	}
}

func wrapStripeErr(err error) error {
	if stripeErr, ok := err.(*stripe.Error); ok {
		return &ProviderError{
			Provider: "stripe",
			Code:     string(stripeErr.Code),
			Message:  stripeErr.Msg,
		}
	}
	return fmt.Errorf("stripe: %w", err)
}
